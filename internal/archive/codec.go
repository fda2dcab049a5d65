// Package archive implements the bundle codecs: PDFs go into a deflated .zip,
// WARCs into a multi-member .warc.gz with one gzip member per source file.
// Both formats are reproducible for identical inputs.
package archive

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// FixedTime stamps every entry so identical inputs give identical bytes
// (1980-01-01 UTC, the zip epoch).
var FixedTime = time.Unix(315532800, 0).UTC()

// Codec implements workspace.Codec.
type Codec struct {
	level int
}

var _ workspace.Codec = (*Codec)(nil)

// New returns a Codec using the given compression level. Zero selects
// flate.BestCompression.
func New(level int) *Codec {
	if level == 0 {
		level = flate.BestCompression
	}
	return &Codec{level: level}
}

// Compress writes files into dst in the format for kind.
func (c *Codec) Compress(ctx context.Context, kind workspace.Kind, files []workspace.Artifact, dst io.Writer) error {
	switch kind {
	case workspace.KindPDFs:
		return c.writeZip(ctx, files, dst)
	case workspace.KindWARCs:
		return c.writeGzip(ctx, files, dst)
	default:
		return fmt.Errorf("kind %q is not archivable", kind)
	}
}

// List returns the entry names of an archive, in archive order.
func (c *Codec) List(archivePath string) ([]string, error) {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return listZip(archivePath)
	case strings.HasSuffix(archivePath, ".gz"):
		return listGzip(archivePath)
	default:
		return nil, fmt.Errorf("unknown archive format %q", path.Ext(archivePath))
	}
}

func (c *Codec) writeZip(ctx context.Context, files []workspace.Artifact, dst io.Writer) error {
	zw := zip.NewWriter(dst)
	level := c.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	for _, a := range files {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		h := &zip.FileHeader{Name: entryName(a), Method: zip.Deflate, Modified: FixedTime}
		h.SetMode(0o644)
		w, err := zw.CreateHeader(h)
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("create %s: %w", h.Name, err)
		}
		if err := copyFile(w, a.Path); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

func (c *Codec) writeGzip(ctx context.Context, files []workspace.Artifact, dst io.Writer) error {
	gw, err := gzip.NewWriterLevel(dst, c.level)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}
	for i, a := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			gw.Reset(dst)
		}
		gw.Name = entryName(a)
		gw.ModTime = FixedTime
		if err := copyFile(gw, a.Path); err != nil {
			_ = gw.Close()
			return err
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("close gzip member %s: %w", a.Name, err)
		}
	}
	return nil
}

func listZip(archivePath string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", archivePath, err)
	}
	defer func() { _ = zr.Close() }()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names, nil
}

func listGzip(archivePath string) ([]string, error) {
	f, err := os.Open(archivePath) // #nosec G304 -- archive path built by the coordinator.
	if err != nil {
		return nil, fmt.Errorf("open gzip %s: %w", archivePath, err)
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	zr, err := gzip.NewReader(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read gzip %s: %w", archivePath, err)
	}
	defer func() { _ = zr.Close() }()

	var names []string
	for {
		zr.Multistream(false)
		names = append(names, zr.Name)
		if _, err := io.Copy(io.Discard, zr); err != nil {
			return nil, fmt.Errorf("read gzip member %q: %w", zr.Name, err)
		}
		err := zr.Reset(br)
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read gzip %s: %w", archivePath, err)
		}
	}
}

func entryName(a workspace.Artifact) string {
	name := strings.ReplaceAll(a.Name, "\\", "/")
	return strings.TrimLeft(path.Base(name), "/")
}

func copyFile(dst io.Writer, src string) error {
	f, err := os.Open(src) // #nosec G304 -- registry path.
	if err != nil {
		return fmt.Errorf("%w: %v", workspace.ErrArtifactUnreadable, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
