// Package sqlite exports transaction tables to a SQLite database so the
// dashboard can query results without parsing CSV.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
	_ "modernc.org/sqlite"
)

// DefaultTable is the table name used when none is configured.
const DefaultTable = "transactions"

// Writer replaces a single table in a SQLite file with the rows of a tableio.Table.
type Writer struct {
	db    *sql.DB
	table string
}

// Option configures a Writer.
type Option func(*Writer)

// WithTable sets the destination table name.
func WithTable(name string) Option {
	return func(w *Writer) {
		w.table = name
	}
}

// Open opens (or creates) the SQLite database at path.
// Uses modernc.org/sqlite, so no CGO is required.
func Open(path string, opts ...Option) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	w := &Writer{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WriteTable implements tableio.Writer.
func (w *Writer) WriteTable(t *tableio.Table) error {
	return w.WriteTableContext(context.Background(), t)
}

// WriteTableContext drops and recreates the table and inserts every row in one transaction.
// Empty cells are stored as NULL so missing cluster labels stay missing.
func (w *Writer) WriteTableContext(ctx context.Context, t *tableio.Table) error {
	if len(t.Header) == 0 {
		return fmt.Errorf("table has no columns")
	}

	cols := make([]string, len(t.Header))
	placeholders := make([]string, len(t.Header))
	for i, h := range t.Header {
		cols[i] = quoteIdent(h) + " TEXT"
		placeholders[i] = "?"
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	name := quoteIdent(w.table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(t.Header))
	for i, row := range t.Rows {
		for j := range args {
			if j < len(row) && row[j] != "" {
				args[j] = row[j]
			} else {
				args[j] = nil
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// DB exposes the underlying handle for read-back queries.
func (w *Writer) DB() *sql.DB {
	return w.db
}

// Close releases the database handle.
func (w *Writer) Close() error {
	return w.db.Close()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
