package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nwaples/rardecode"
	"github.com/saintfish/chardet"
	"github.com/yeka/zip"
	"golang.org/x/text/encoding/htmlindex"

	"game-download-coordinator/utils"
)

const zipFlagUTF8 = 0x800

var (
	zipMagic = []byte("PK\x03\x04")
	rarMagic = []byte("Rar!\x1a\x07")

	ErrUnsupportedArchive = errors.New("unsupported archive format")
	ErrPasswordRequired   = errors.New("archive entry is encrypted: wrong password or none configured")
)

// Extractor unpacks zip and rar archives into a directory. Entry names that
// are not UTF-8 are decoded from their detected legacy charset.
type Extractor struct {
	logger   *utils.Logger
	password string
	detector *chardet.Detector
}

func NewExtractor(logger *utils.Logger, password string) *Extractor {
	return &Extractor{
		logger:   logger,
		password: password,
		detector: chardet.NewTextDetector(),
	}
}

// Extract unpacks archive into dest and returns the number of files written.
// progress receives bytes written so far and the uncompressed total, which is
// 0 when the format does not announce it.
func (x *Extractor) Extract(ctx context.Context, archive, dest string, progress func(written, total int64)) (int, error) {
	format, err := sniff(archive)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, fmt.Errorf("failed to create install directory: %w", err)
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	switch format {
	case "zip":
		return x.extractZip(ctx, archive, dest, progress)
	case "rar":
		return x.extractRar(ctx, archive, dest, progress)
	}
	return 0, ErrUnsupportedArchive
}

func sniff(archive string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedArchive, err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, zipMagic):
		return "zip", nil
	case bytes.HasPrefix(head, rarMagic):
		return "rar", nil
	}
	return "", ErrUnsupportedArchive
}

func (x *Extractor) extractZip(ctx context.Context, archive, dest string, progress func(int64, int64)) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("zip: %w", err)
	}
	defer r.Close()

	var total int64
	for _, f := range r.File {
		total += int64(f.UncompressedSize64)
	}

	var written int64
	count := 0
	for _, f := range r.File {
		name := x.decodeName(f.Name, f.Flags&zipFlagUTF8 != 0)
		target, err := safeJoin(dest, name)
		if err != nil {
			return count, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
			continue
		}
		if f.IsEncrypted() {
			if x.password == "" {
				return count, fmt.Errorf("%s: %w", name, ErrPasswordRequired)
			}
			f.SetPassword(x.password)
		}

		rc, err := f.Open()
		if err != nil {
			return count, fmt.Errorf("zip: open %s: %w", name, err)
		}
		n, err := writeEntry(ctx, target, f.Mode(), rc, func(n int64) { progress(written+n, total) })
		rc.Close()
		if err != nil {
			if f.IsEncrypted() && !errors.Is(err, context.Canceled) {
				return count, fmt.Errorf("%s: %w (%v)", name, ErrPasswordRequired, err)
			}
			return count, err
		}
		written += n
		count++
	}
	progress(written, total)
	return count, nil
}

func (x *Extractor) extractRar(ctx context.Context, archive, dest string, progress func(int64, int64)) (int, error) {
	r, err := rardecode.OpenReader(archive, x.password)
	if err != nil {
		return 0, fmt.Errorf("rardecode: %w", err)
	}
	defer r.Close()

	var written int64
	count := 0
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("rardecode: %w", err)
		}

		name := x.decodeName(hdr.Name, utf8.ValidString(hdr.Name))
		target, err := safeJoin(dest, name)
		if err != nil {
			return count, err
		}
		if hdr.IsDir {
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
			continue
		}

		n, err := writeEntry(ctx, target, hdr.Mode(), r, func(n int64) { progress(written+n, 0) })
		if err != nil {
			return count, err
		}
		written += n
		count++
	}
	progress(written, 0)
	return count, nil
}

func writeEntry(ctx context.Context, target string, mode os.FileMode, src io.Reader, progress func(int64)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	pw := newProgressWriter(out, 0, 0, 0, time.Now, func(n, _ int64) { progress(n) })
	n, err := copyContext(ctx, pw, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// decodeName returns name as UTF-8. Names not flagged as UTF-8 go through
// charset detection; undecodable bytes are replaced.
func (x *Extractor) decodeName(name string, isUTF8 bool) string {
	if isUTF8 || utf8.ValidString(name) {
		return name
	}
	if res, err := x.detector.DetectBest([]byte(name)); err == nil {
		if enc, err := htmlindex.Get(res.Charset); err == nil {
			if decoded, err := enc.NewDecoder().String(name); err == nil && utf8.ValidString(decoded) {
				return decoded
			}
		}
		x.logger.WithField("charset", res.Charset).
			WithField("confidence", res.Confidence).
			Debug("Could not decode archive entry name")
	}
	return strings.ToValidUTF8(name, "_")
}

// safeJoin resolves an archive entry name below dest and rejects entries
// that would escape it.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal file path in archive: %q", name)
	}
	return filepath.Join(dest, clean), nil
}
