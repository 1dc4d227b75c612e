// Package io provides input/output utilities for tabular transaction data.
package io

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingInput is returned when an expected input file does not exist.
	ErrMissingInput = errors.New("input file not found")

	// ErrMissingColumn is returned when a mandatory column is absent.
	ErrMissingColumn = errors.New("missing required column")
)

// Reader is the interface for reading a whole table from a source.
type Reader interface {
	// ReadTable returns the complete dataset.
	ReadTable() (*Table, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for persisting a table.
type Writer interface {
	// WriteTable outputs the whole table, replacing any previous content.
	WriteTable(t *Table) error

	// Close releases resources.
	Close() error
}

// Table is a header plus string rows. Row order is the record identity.
type Table struct {
	Header []string
	Rows   [][]string
}

// NewTable creates an empty table with the given header.
func NewTable(header ...string) *Table {
	h := make([]string, len(header))
	copy(h, header)
	return &Table{Header: h}
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of a column, or -1 if absent.
func (t *Table) Index(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Has reports whether the column exists.
func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

// Require returns an ErrMissingColumn naming the first absent column.
func (t *Table) Require(names ...string) error {
	for _, name := range names {
		if !t.Has(name) {
			return fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}
	return nil
}

// Column returns a copy of the named column's cells.
func (t *Table) Column(name string) ([]string, bool) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out, true
}

// Cell returns the value of column name in row i, and whether the column exists.
func (t *Table) Cell(i int, name string) (string, bool) {
	idx := t.Index(name)
	if idx < 0 || idx >= len(t.Rows[i]) {
		return "", false
	}
	return t.Rows[i][idx], true
}

// SetColumn replaces the named column, or appends it when absent.
func (t *Table) SetColumn(name string, values []string) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("column %q has %d values for %d rows", name, len(values), len(t.Rows))
	}

	idx := t.Index(name)
	if idx < 0 {
		t.Header = append(t.Header, name)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], values[i])
		}
		return nil
	}

	for i := range t.Rows {
		t.Rows[i][idx] = values[i]
	}
	return nil
}
