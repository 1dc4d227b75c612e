// Package csv provides CSV file reading and writing for transaction tables.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
)

// Reader reads a table from a CSV file with a header row.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	maxRows   int
	headers   []string
	truncated bool
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithMaxRows caps the number of data rows read. Zero or less means no cap.
func WithMaxRows(n int) Option {
	return func(r *Reader) {
		r.maxRows = n
	}
}

// NewReader opens a CSV file. A missing file is reported as tableio.ErrMissingInput.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", tableio.ErrMissingInput, filename)
		}
		return nil, err
	}

	r := &Reader{
		file:      file,
		reader:    csv.NewReader(file),
		hasHeader: true,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			file.Close()
			if err == io.EOF {
				return nil, fmt.Errorf("%s: empty file, header row expected", filename)
			}
			return nil, err
		}
		r.headers = headers
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Truncated reports whether the last ReadTable stopped at the row cap.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// ReadTable returns all rows, up to the configured cap.
func (r *Reader) ReadTable() (*tableio.Table, error) {
	t := tableio.NewTable(r.headers...)

	for {
		if r.maxRows > 0 && len(t.Rows) >= r.maxRows {
			if _, err := r.reader.Read(); err != io.EOF {
				r.truncated = true
			}
			break
		}

		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, record)
	}

	if len(t.Header) == 0 && len(t.Rows) > 0 {
		t.Header = make([]string, len(t.Rows[0]))
		for i := range t.Header {
			t.Header[i] = fmt.Sprintf("col_%d", i)
		}
	}

	return t, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadFile is a convenience wrapper that reads a whole file and closes it.
func ReadFile(filename string, opts ...Option) (*tableio.Table, bool, error) {
	r, err := NewReader(filename, opts...)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()

	t, err := r.ReadTable()
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", filename, err)
	}
	return t, r.Truncated(), nil
}
