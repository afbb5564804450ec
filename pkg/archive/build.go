package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Built is the outcome of writing one archive.
type Built struct {
	// Checksum is the hex SHA-256 of the compressed stream.
	Checksum string
	Size     int64
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Build writes a gzip-compressed tar of files (slash-separated, relative to
// dir) to w. Entries are named <cluster>/<file>. Headers carry only the
// name, size, a fixed mode and the file mtime, so the same files always
// produce the same bytes.
func Build(w io.Writer, dir string, files []string) (Built, error) {
	h := sha256.New()
	cw := &countingWriter{}
	zw, err := gzip.NewWriterLevel(io.MultiWriter(w, h, cw), gzip.BestCompression)
	if err != nil {
		return Built{}, err
	}
	tw := tar.NewWriter(zw)

	cluster := filepath.Base(dir)
	for _, rel := range files {
		if err := addFile(tw, filepath.Join(dir, filepath.FromSlash(rel)), path.Join(cluster, rel)); err != nil {
			return Built{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return Built{}, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Built{}, fmt.Errorf("close gzip: %w", err)
	}
	return Built{Checksum: hex.EncodeToString(h.Sum(nil)), Size: cw.n}, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     fi.Size(),
		Mode:     0o644,
		ModTime:  fi.ModTime().UTC().Truncate(time.Second),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return fmt.Errorf("tar %s: %w", name, err)
	}
	if n != fi.Size() {
		return fmt.Errorf("tar %s: file changed size during archive", name)
	}
	return nil
}
