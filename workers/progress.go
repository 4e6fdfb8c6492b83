package workers

import (
	"context"
	"io"
	"time"
)

// progressWriter counts bytes written through it and reports at most once
// per interval.
type progressWriter struct {
	w        io.Writer
	written  int64
	total    int64
	interval time.Duration
	last     time.Time
	now      func() time.Time
	report   func(written, total int64)
}

func newProgressWriter(w io.Writer, start, total int64, interval time.Duration, now func() time.Time, report func(int64, int64)) *progressWriter {
	return &progressWriter{
		w:        w,
		written:  start,
		total:    total,
		interval: interval,
		now:      now,
		report:   report,
	}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if t := p.now(); p.last.IsZero() || t.Sub(p.last) >= p.interval {
		p.last = t
		p.report(p.written, p.total)
	}
	return n, err
}

// Flush reports the current count regardless of the interval.
func (p *progressWriter) Flush() {
	p.last = p.now()
	p.report(p.written, p.total)
}

// copyContext copies until EOF, an error, or ctx is done.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, werr
			}
			if nw != nr {
				return n, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}
