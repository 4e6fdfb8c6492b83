package workers

import (
	"context"
	"io"
)

// Source fetches a game archive, resuming at offset when the server allows it.
type Source interface {
	// Open returns the body starting at the returned offset and the full size
	// of the archive, or 0 when the size is unknown. The returned offset is
	// the requested one if the server honoured the range, otherwise 0.
	Open(ctx context.Context, url string, offset int64) (body io.ReadCloser, start, total int64, err error)
}

// CommandRunner runs an external program to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}
