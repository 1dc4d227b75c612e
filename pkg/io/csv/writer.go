package csv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
)

// Writer writes a table to a CSV file. The file is replaced atomically,
// so readers never observe a partial table.
type Writer struct {
	path string
}

// NewWriter creates a writer for path, creating the parent directory if needed.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return &Writer{path: path}, nil
}

// WriteTable writes the header and all rows.
func (w *Writer) WriteTable(t *tableio.Table) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return tableio.WriteFileAtomic(w.path, buf.Bytes())
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

// WriteFile writes t to path atomically.
func WriteFile(path string, t *tableio.Table) error {
	w, err := NewWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.WriteTable(t); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
