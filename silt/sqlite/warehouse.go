// Package sqlite provides a sqlite-backed warehouse for silt.
//
// It serves local and embedded deployments and keeps the whole load-merge
// protocol testable against a real SQL engine. Nested and repeated values
// are stored as JSON text columns; scalar columns keep native types.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/quarrylabs/silt/internal/sqlutil"
	"github.com/quarrylabs/silt/silt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds configuration for the sqlite warehouse.
type Config struct {
	// Path is the database file path, or ":memory:". Required.
	Path string

	// UniqueKeys maps table names to columns that get a UNIQUE constraint
	// at creation. A merge's conflict target requires one on the target
	// table's business key.
	UniqueKeys map[string][]string
}

// Warehouse implements silt.Warehouse over a sqlite database.
type Warehouse struct {
	db         *sql.DB
	uniqueKeys map[string][]string
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Warehouse, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}
	return &Warehouse{db: db, uniqueKeys: cfg.UniqueKeys}, nil
}

// Close releases the underlying database handle.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// TableExists implements silt.Warehouse.
func (w *Warehouse) TableExists(ctx context.Context, table string) (bool, error) {
	row := w.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	var name string
	err := row.Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: checking table %s: %w", table, err)
	}
	return true, nil
}

// CreateTable implements silt.Warehouse. Returns silt.ErrTableExists when
// the table already exists, so callers can treat creation races as the
// table becoming available.
func (w *Warehouse) CreateTable(ctx context.Context, table string, schema []silt.Field) error {
	if err := sqlutil.Validate(table); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if len(schema) == 0 {
		return fmt.Errorf("sqlite: empty schema for table %s", table)
	}

	defs := make([]string, 0, len(schema)+1)
	for _, f := range schema {
		if err := sqlutil.Validate(f.Name); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defs = append(defs, sqlutil.Quote(f.Name)+" "+columnType(f))
	}
	if keys := w.uniqueKeys[table]; len(keys) > 0 {
		defs = append(defs, "UNIQUE ("+strings.Join(sqlutil.QuoteAll(keys), ", ")+")")
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", sqlutil.Quote(table), strings.Join(defs, ", "))
	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return silt.ErrTableExists
		}
		return fmt.Errorf("sqlite: creating table %s: %w", table, err)
	}
	return nil
}

// columnType maps an inferred field to a sqlite column type. Records and
// repeated fields land in TEXT columns holding JSON.
func columnType(f silt.Field) string {
	if f.Mode == silt.ModeRepeated || f.Type == silt.TypeRecord {
		return "TEXT"
	}
	switch f.Type {
	case silt.TypeInteger:
		return "INTEGER"
	case silt.TypeFloat:
		return "REAL"
	case silt.TypeBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// AppendRows implements silt.Warehouse. Rows are inserted one statement at
// a time inside a transaction; a rejected row becomes a per-row error and
// the remaining rows still land.
func (w *Warehouse) AppendRows(ctx context.Context, table string, rows []silt.Row) ([]silt.RowError, error) {
	if err := sqlutil.Validate(table); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin append to %s: %w", table, err)
	}

	var rowErrs []silt.RowError
	for i, row := range rows {
		if err := insertRow(ctx, tx, table, row); err != nil {
			rowErrs = append(rowErrs, silt.RowError{Index: i, Message: err.Error()})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit append to %s: %w", table, err)
	}
	return rowErrs, nil
}

// insertRow inserts one row using its own column set, in sorted order.
func insertRow(ctx context.Context, tx *sql.Tx, table string, row silt.Row) error {
	if len(row) == 0 {
		return errors.New("empty row")
	}

	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, col := range cols {
		if err := sqlutil.Validate(col); err != nil {
			return err
		}
		arg, err := bindValue(row[col])
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		args = append(args, arg)
	}

	text := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlutil.Quote(table),
		strings.Join(sqlutil.QuoteAll(cols), ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)
	_, err := tx.ExecContext(ctx, text, args...)
	return err
}

// bindValue converts a row value to a driver-bindable argument. Nested
// mappings and sequences are serialized as JSON text.
func bindValue(val any) (any, error) {
	switch v := val.(type) {
	case nil, bool, int, int64, float64, string, []byte:
		return v, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

// Query implements silt.Warehouse with `?` placeholders.
func (w *Warehouse) Query(ctx context.Context, text string, params ...any) ([]silt.Row, error) {
	rows, err := w.db.QueryContext(ctx, text, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: query columns: %w", err)
	}

	var out []silt.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scanning row: %w", err)
		}
		row := make(silt.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: reading rows: %w", err)
	}
	return out, nil
}

// Exec implements silt.Warehouse.
func (w *Warehouse) Exec(ctx context.Context, text string) error {
	if _, err := w.db.ExecContext(ctx, text); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

var _ silt.Warehouse = (*Warehouse)(nil)
