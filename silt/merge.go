package silt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quarrylabs/silt/internal/sqlutil"
)

// -----------------------------------------------------------------------------
// Merge coordinator
// -----------------------------------------------------------------------------

// Merger reconciles a staging table into a target table with upsert-on-key
// semantics: staging rows whose key exists in the target overwrite the
// target's non-key columns, and rows with new keys are inserted.
//
// The merge executes as one set-based statement at the warehouse, never as a
// client-side read-modify-write loop, so each merge is atomic even under
// concurrent runs against the same target. Overlapping runs remain
// last-merge-wins on overlapping keys. Clearing the staging table afterward
// is the caller's business.
type Merger struct {
	wh Warehouse
}

// NewMerger creates a merge coordinator over the given warehouse.
func NewMerger(wh Warehouse) (*Merger, error) {
	if wh == nil {
		return nil, errors.New("merge: warehouse is required")
	}
	return &Merger{wh: wh}, nil
}

// Merge upserts staging into target on the given business key. Columns is
// the full column set shared by both tables and must contain the key.
func (m *Merger) Merge(ctx context.Context, target, staging, key string, columns []string) error {
	text, err := upsertStatement(target, staging, key, columns)
	if err != nil {
		return err
	}
	if err := m.wh.Exec(ctx, text); err != nil {
		return fmt.Errorf("merge: %s <- %s: %w", target, staging, err)
	}
	return nil
}

// upsertStatement builds the single-statement upsert:
//
//	INSERT INTO target (cols) SELECT cols FROM staging WHERE true
//	ON CONFLICT (key) DO UPDATE SET noncol = excluded.noncol, ...
//
// The `WHERE true` disambiguates the upsert clause from a join for sqlite's
// parser. The form is valid for sqlite and postgres-family warehouses and
// requires a unique index on the key column of the target.
func upsertStatement(target, staging, key string, columns []string) (string, error) {
	for _, ident := range append([]string{target, staging, key}, columns...) {
		if err := sqlutil.Validate(ident); err != nil {
			return "", fmt.Errorf("merge: %w", err)
		}
	}
	if len(columns) == 0 {
		return "", errors.New("merge: column list is empty")
	}

	hasKey := false
	var updates []string
	for _, col := range columns {
		if col == key {
			hasKey = true
			continue
		}
		q := sqlutil.Quote(col)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", q, q))
	}
	if !hasKey {
		return "", fmt.Errorf("merge: key %q is not in the column list", key)
	}

	quoted := strings.Join(sqlutil.QuoteAll(columns), ", ")
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s WHERE true ON CONFLICT (%s) ",
		sqlutil.Quote(target), quoted, quoted, sqlutil.Quote(staging), sqlutil.Quote(key))
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET " + strings.Join(updates, ", "))
	}
	return b.String(), nil
}
