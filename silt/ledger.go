package silt

import (
	"context"
	"fmt"
	"time"

	"github.com/quarrylabs/silt/internal/sqlutil"
)

// -----------------------------------------------------------------------------
// Warehouse-backed ledger
// -----------------------------------------------------------------------------

// DefaultLedgerTable is the ledger table name used when none is configured.
const DefaultLedgerTable = "ingest_ledger"

// Ledger table column names.
const (
	ledgerNameColumn       = "file_name"
	ledgerGenerationColumn = "file_generation"
	ledgerProcessedColumn  = "processed_at"
)

// TableLedger implements Ledger over a warehouse table with columns
// (file_name STRING, file_generation STRING, processed_at TIMESTAMP).
//
// Uniqueness of (file_name, file_generation) is enforced by the
// check-then-append flow, not by the storage layer; the table declares no
// key constraint. Lookups are parameterized so object names containing
// query metacharacters cannot alter the statement.
type TableLedger struct {
	wh    Warehouse
	table string
}

// NewTableLedger creates a ledger over the given warehouse table.
// An empty table name selects DefaultLedgerTable.
func NewTableLedger(wh Warehouse, table string) (*TableLedger, error) {
	if wh == nil {
		return nil, fmt.Errorf("ledger: warehouse is required")
	}
	if table == "" {
		table = DefaultLedgerTable
	}
	if err := sqlutil.Validate(table); err != nil {
		return nil, fmt.Errorf("ledger: table name: %w", err)
	}
	return &TableLedger{wh: wh, table: table}, nil
}

// LedgerSchema returns the ledger table's column schema.
func LedgerSchema() []Field {
	return []Field{
		{Name: ledgerNameColumn, Type: TypeString, Mode: ModeNullable},
		{Name: ledgerGenerationColumn, Type: TypeString, Mode: ModeNullable},
		{Name: ledgerProcessedColumn, Type: TypeString, Mode: ModeNullable},
	}
}

// EnsureTable creates the ledger table if it does not exist.
func (l *TableLedger) EnsureTable(ctx context.Context) error {
	exists, err := l.wh.TableExists(ctx, l.table)
	if err != nil {
		return fmt.Errorf("ledger: checking table %s: %w", l.table, err)
	}
	if exists {
		return nil
	}
	if err := l.wh.CreateTable(ctx, l.table, LedgerSchema()); err != nil && err != ErrTableExists {
		return fmt.Errorf("ledger: creating table %s: %w", l.table, err)
	}
	return nil
}

// HasProcessed reports whether at least one entry matches both key
// components.
func (l *TableLedger) HasProcessed(ctx context.Context, name, generation string) (bool, error) {
	text := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s = ? LIMIT 1",
		sqlutil.Quote(ledgerNameColumn),
		sqlutil.Quote(l.table),
		sqlutil.Quote(ledgerNameColumn),
		sqlutil.Quote(ledgerGenerationColumn),
	)
	rows, err := l.wh.Query(ctx, text, name, generation)
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s@%s: %w", name, generation, err)
	}
	return len(rows) > 0, nil
}

// MarkProcessed appends one entry. There is no update path; callers must
// only mark after the pair's rows were durably staged.
func (l *TableLedger) MarkProcessed(ctx context.Context, name, generation string, at time.Time) error {
	row := Row{
		ledgerNameColumn:       name,
		ledgerGenerationColumn: generation,
		ledgerProcessedColumn:  at.UTC().Format(time.RFC3339),
	}
	rowErrs, err := l.wh.AppendRows(ctx, l.table, []Row{row})
	if err != nil {
		return fmt.Errorf("ledger: mark %s@%s: %w", name, generation, err)
	}
	if len(rowErrs) > 0 {
		return fmt.Errorf("ledger: mark %s@%s: %s", name, generation, rowErrs[0].Message)
	}
	return nil
}

var _ Ledger = (*TableLedger)(nil)
