// Package silt loads nested JSON documents from object storage into a
// columnar warehouse.
//
// Silt focuses on the load path: schema inference over semi-structured
// documents, an idempotency ledger keyed on (object name, generation),
// chunked staging with per-row failure reporting, and a single set-based
// merge from staging into a target table. It does not implement an HTTP
// surface, credential acquisition, or query execution.
package silt

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ObjectRef identifies one revision of a stored source object.
//
// Generation is an opaque marker that is stable for unchanged content and
// changes whenever the object is overwritten. The pair (Name, Generation)
// is the idempotency key for ingestion: overwriting an object produces a
// new unit of work.
type ObjectRef struct {
	// Name is the object's path-like key, unique within its container.
	Name string

	// Generation is the revision marker for the object's current content.
	Generation string
}

// Document is one decoded JSON object read from a source object.
type Document map[string]any

// Row is the normalized shape ingestion writes to the warehouse: a mapping
// from column name to a scalar, nested mapping, or sequence of either.
type Row map[string]any

// Provenance columns appended to every normalized row.
const (
	// SourceColumn records the source object name a row came from.
	SourceColumn = "source_object"

	// OpColumn records the ingestion operation tag.
	OpColumn = "ingest_op"

	// IngestedAtColumn records the ingestion timestamp (UTC, RFC 3339).
	IngestedAtColumn = "ingested_at"
)

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

// FieldType enumerates the column types schema inference can produce.
type FieldType int

// Field type constants.
const (
	TypeString FieldType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeRecord
)

// String returns the warehouse-facing name of the type.
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeRecord:
		return "RECORD"
	default:
		return "UNKNOWN"
	}
}

// FieldMode enumerates column cardinality.
type FieldMode int

// Field mode constants. A field is Repeated iff its source value was a
// JSON array; everything else is Nullable.
const (
	ModeNullable FieldMode = iota
	ModeRepeated
)

// String returns the warehouse-facing name of the mode.
func (m FieldMode) String() string {
	if m == ModeRepeated {
		return "REPEATED"
	}
	return "NULLABLE"
}

// Field describes one column in an inferred schema. Record fields carry
// their children in Fields; all other types leave it empty.
type Field struct {
	Name   string
	Type   FieldType
	Mode   FieldMode
	Fields []Field
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// LedgerEntry records that one (name, generation) pair has been ingested.
type LedgerEntry struct {
	FileName       string
	FileGeneration string
	ProcessedAt    time.Time
}

// Ledger tracks which source object revisions have already been ingested.
//
// Entries are append-only: there is no update or delete. Safety comes from
// marking after a successful stage, so a crash before MarkProcessed leaves
// the pair eligible for reprocessing on retry.
type Ledger interface {
	// HasProcessed reports whether (name, generation) was already ingested.
	HasProcessed(ctx context.Context, name, generation string) (bool, error)

	// MarkProcessed appends one entry for (name, generation).
	MarkProcessed(ctx context.Context, name, generation string, at time.Time) error
}

// -----------------------------------------------------------------------------
// Batch results
// -----------------------------------------------------------------------------

// RowError reports the failure of a single row within a batch.
type RowError struct {
	// Index is the row's position in the batch handed to the loader.
	Index int

	// Message describes why the row was rejected.
	Message string
}

// BatchResult aggregates the outcome of one staging call. A batch may be
// partially successful: RowErrors holds a bounded sample of the failures.
type BatchResult struct {
	RowsAttempted int
	RowsInserted  int
	RowErrors     []RowError
}

// -----------------------------------------------------------------------------
// Collaborator interfaces
// -----------------------------------------------------------------------------

// ObjectStore abstracts the blob source ingestion reads from.
//
// Implementations may target S3-compatible services or in-memory fixtures.
type ObjectStore interface {
	// List returns refs for all objects under the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectRef, error)

	// Read returns the full content of the named object.
	Read(ctx context.Context, name string) ([]byte, error)

	// PutBytes writes an object, overwriting any existing content.
	// Ingestion itself never writes sources; this exists for archival
	// artifacts and test fixtures.
	PutBytes(ctx context.Context, name string, data []byte) error
}

// Warehouse abstracts the columnar table service rows are staged into.
//
// AppendRows must accept nested mapping and sequence values directly;
// flattening, if any, is the implementation's concern.
type Warehouse interface {
	// TableExists reports whether the table exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// CreateTable creates the table with the given schema.
	// Returns ErrTableExists if the table already exists.
	CreateTable(ctx context.Context, table string, schema []Field) error

	// AppendRows inserts rows, returning per-row errors for rejected rows.
	// A non-nil error means the whole call failed; per-row errors do not.
	AppendRows(ctx context.Context, table string, rows []Row) ([]RowError, error)

	// Query runs a parameterized query and returns the result rows.
	Query(ctx context.Context, text string, params ...any) ([]Row, error)

	// Exec runs a single statement, such as a merge.
	Exec(ctx context.Context, text string) error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object or table does not exist.
	ErrNotFound = errNotFound{}

	// ErrTableExists indicates a create hit an already-existing table.
	// The loader treats this as the table becoming available.
	ErrTableExists = errTableExists{}

	// ErrBadSample indicates a schema sample that is not a JSON object.
	ErrBadSample = errBadSample{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errTableExists struct{}

func (errTableExists) Error() string { return "table exists" }

type errBadSample struct{}

func (errBadSample) Error() string { return "schema sample is not an object" }
