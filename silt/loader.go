package silt

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Batch loader
// -----------------------------------------------------------------------------

// Loader defaults.
const (
	// DefaultChunkSize is the number of rows per append call.
	DefaultChunkSize = 500

	// DefaultMaxRowErrors caps the per-row errors kept in a BatchResult.
	DefaultMaxRowErrors = 5
)

// LoaderConfig configures a Loader. Zero values select the defaults.
type LoaderConfig struct {
	// ChunkSize is the number of rows per append call.
	ChunkSize int

	// MaxRowErrors caps the per-row error sample in results.
	MaxRowErrors int
}

// Loader stages normalized rows into a warehouse table in size-bounded
// chunks. Each chunk is appended independently: per-row failures inside a
// chunk, and even a whole chunk failing, never abort the remaining chunks.
type Loader struct {
	wh           Warehouse
	chunkSize    int
	maxRowErrors int
}

// NewLoader creates a loader over the given warehouse.
func NewLoader(wh Warehouse, cfg LoaderConfig) (*Loader, error) {
	if wh == nil {
		return nil, errors.New("loader: warehouse is required")
	}
	if cfg.ChunkSize < 0 || cfg.MaxRowErrors < 0 {
		return nil, errors.New("loader: chunk size and error cap must be non-negative")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	maxRowErrors := cfg.MaxRowErrors
	if maxRowErrors == 0 {
		maxRowErrors = DefaultMaxRowErrors
	}
	return &Loader{wh: wh, chunkSize: chunkSize, maxRowErrors: maxRowErrors}, nil
}

// Load ensures the table exists and appends rows in chunks.
//
// The table is created from a schema inferred over sample only when it does
// not already exist; an existing table is never altered, and a creation race
// (the table appearing between the existence check and the create) counts as
// the table becoming available. Schema or creation failures are fatal — no
// rows were staged yet. Row-level failures are not: the returned BatchResult
// reports attempted and inserted counts with a bounded error sample.
func (l *Loader) Load(ctx context.Context, table string, sample map[string]any, rows []Row) (*BatchResult, error) {
	if table == "" {
		return nil, errors.New("loader: table is required")
	}

	if err := l.EnsureTable(ctx, table, sample); err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for start := 0; start < len(rows); start += l.chunkSize {
		end := start + l.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		res.RowsAttempted += len(chunk)

		rowErrs, err := l.wh.AppendRows(ctx, table, chunk)
		if err != nil {
			// The whole chunk failed; report it against its first row and
			// keep going with the remaining chunks.
			l.addError(res, RowError{Index: start, Message: fmt.Sprintf("chunk append failed: %v", err)})
			continue
		}

		res.RowsInserted += len(chunk) - len(rowErrs)
		for _, re := range rowErrs {
			l.addError(res, RowError{Index: start + re.Index, Message: re.Message})
		}
	}
	return res, nil
}

// EnsureTable creates the table from the sample's inferred schema iff it is
// missing. An existing table is never altered. The orchestrator also uses
// this to ensure the merge target before the upsert.
func (l *Loader) EnsureTable(ctx context.Context, table string, sample map[string]any) error {
	exists, err := l.wh.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("loader: checking table %s: %w", table, err)
	}
	if exists {
		return nil
	}

	schema, err := InferSchema(sample)
	if err != nil {
		return fmt.Errorf("loader: inferring schema for %s: %w", table, err)
	}
	if err := l.wh.CreateTable(ctx, table, schema); err != nil {
		if errors.Is(err, ErrTableExists) {
			// Lost a creation race; the table is available either way.
			return nil
		}
		return fmt.Errorf("loader: creating table %s: %w", table, err)
	}
	return nil
}

// addError appends a row error unless the sample cap is reached.
func (l *Loader) addError(res *BatchResult, re RowError) {
	if len(res.RowErrors) < l.maxRowErrors {
		res.RowErrors = append(res.RowErrors, re)
	}
}
