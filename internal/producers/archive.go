package producers

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/turnstile/internal/production"
	"github.com/kingrea/turnstile/internal/turn"
)

// Archive lists (and optionally extracts) the tar archive named by each
// unit. Gzip-compressed archives are detected by their magic bytes.
type Archive struct {
	// Dir is joined with the unit name to find the archive.
	Dir string
	// ExtractTo, when set, receives each archive under a directory named
	// after the unit without its extension.
	ExtractTo string
}

var gzipMagic = []byte{0x1f, 0x8b}

// Produce implements production.Producer. Corrupt or missing archives are
// returned as errors and end up in the failure queue.
func (a Archive) Produce(ctx context.Context, unit turn.UnitID, out production.Emitter) error {
	path := string(unit)
	if a.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(a.Dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("archive: gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	dest := ""
	if a.ExtractTo != "" {
		dest = filepath.Join(a.ExtractTo, archiveStem(string(unit)))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("archive: ensure %s: %w", dest, err)
		}
	}

	tr := tar.NewReader(r)
	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: read %s: %w", path, err)
		}
		entries++
		if err := out.Emit("Extracting " + hdr.Name); err != nil {
			return err
		}
		if dest == "" {
			continue
		}
		if err := extractEntry(dest, hdr, tr); err != nil {
			return fmt.Errorf("archive: %s: %w", path, err)
		}
	}
	return out.Emit(fmt.Sprintf("%s: %d entries", unit, entries))
}

func extractEntry(dest string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(dest, hdr.Name)
	root := filepath.Clean(dest)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("entry %q escapes the extraction directory", hdr.Name)
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm()|0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		// Links and devices are listed but not materialized.
		return nil
	}
}

func archiveStem(name string) string {
	base := filepath.Base(name)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
