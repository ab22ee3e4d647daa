package quadtree

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"time"
)

// TarWriter accumulates an export archive in memory. All entries are
// placed under a top-level directory named after the archive, matching
// the <name>.tar.gz layout of the export artifacts.
type TarWriter struct {
	name   string
	buf    bytes.Buffer
	gz     *gzip.Writer
	tw     *tar.Writer
	closed bool
}

// NewTarWriter creates an archive builder whose entries live under
// name/.
func NewTarWriter(name string) *TarWriter {
	w := &TarWriter{name: name}
	w.gz = gzip.NewWriter(&w.buf)
	w.tw = tar.NewWriter(w.gz)
	return w
}

// Name returns the archive's top-level directory name.
func (w *TarWriter) Name() string {
	return w.name
}

// WriteData adds one file under the archive's top-level directory.
func (w *TarWriter) WriteData(path string, data []byte) error {
	if w.closed {
		return fmt.Errorf("archive %s already finalized", w.name)
	}
	hdr := &tar.Header{
		Name:    w.name + "/" + path,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("writing tar entry %s: %w", path, err)
	}
	return nil
}

// AddFile copies a file from disk into the archive at arcPath
// (relative to the top-level directory).
func (w *TarWriter) AddFile(fsPath, arcPath string) error {
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", fsPath, err)
	}
	return w.WriteData(arcPath, data)
}

// Bytes finalizes the archive and returns the gzipped tar bytes.
// Further writes fail after the first call.
func (w *TarWriter) Bytes() ([]byte, error) {
	if !w.closed {
		w.closed = true
		if err := w.tw.Close(); err != nil {
			return nil, err
		}
		if err := w.gz.Close(); err != nil {
			return nil, err
		}
	}
	return w.buf.Bytes(), nil
}
