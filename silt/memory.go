package silt

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Memory object store
// -----------------------------------------------------------------------------

// memObject is one stored object revision.
type memObject struct {
	data       []byte
	generation int
}

// MemoryStore implements ObjectStore using an in-memory map. Overwriting an
// object bumps its generation, matching versioned blob-store semantics.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemoryStore creates an in-memory ObjectStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// PutBytes writes an object, bumping the generation on overwrite.
func (m *MemoryStore) PutBytes(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj := m.objects[name]
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[name] = memObject{data: stored, generation: obj.generation + 1}
	return nil
}

// List returns refs under the prefix in name order.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []ObjectRef
	for name, obj := range m.objects {
		if strings.HasPrefix(name, prefix) {
			refs = append(refs, ObjectRef{Name: name, Generation: strconv.Itoa(obj.generation)})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Read returns a copy of the object's content.
func (m *MemoryStore) Read(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	obj, exists := m.objects[name]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

var _ ObjectStore = (*MemoryStore)(nil)

// -----------------------------------------------------------------------------
// Memory warehouse
// -----------------------------------------------------------------------------

// memTable holds one table's schema and rows.
type memTable struct {
	schema []Field
	rows   []Row
}

// MemoryWarehouse implements Warehouse semantically for tables and appends,
// and records Exec statements rather than interpreting them. Query is
// delegated to QueryFunc. Intended for tests and wiring examples; knobs
// inject failures the way a remote warehouse would produce them.
type MemoryWarehouse struct {
	mu     sync.Mutex
	tables map[string]*memTable

	// RejectRow, when set, rejects rows it returns a non-empty message
	// for; rejected rows become per-row errors and are not stored.
	RejectRow func(table string, row Row) string

	// AppendErr, when set, fails whole AppendRows calls.
	AppendErr error

	// CreateErr, when set, fails CreateTable calls.
	CreateErr error

	// ExecErr, when set, fails Exec calls.
	ExecErr error

	// QueryFunc, when set, serves Query calls. Defaults to no rows.
	QueryFunc func(text string, params ...any) ([]Row, error)

	// MissExistsOnCall makes TableExists report false on the Nth call,
	// simulating a table that appears between the existence check and
	// the create attempt. Set to 0 to disable.
	MissExistsOnCall int
	existsCalls      int

	// Call counters for test assertions.
	CreateTableCalls int
	AppendCalls      int
	ExecCalls        int

	// ExecStatements records every executed statement in order.
	ExecStatements []string
}

// NewMemoryWarehouse creates an empty in-memory warehouse.
func NewMemoryWarehouse() *MemoryWarehouse {
	return &MemoryWarehouse{tables: make(map[string]*memTable)}
}

// TableExists implements Warehouse.
func (w *MemoryWarehouse) TableExists(_ context.Context, table string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.existsCalls++
	if w.MissExistsOnCall > 0 && w.existsCalls == w.MissExistsOnCall {
		return false, nil
	}
	_, exists := w.tables[table]
	return exists, nil
}

// CreateTable implements Warehouse.
func (w *MemoryWarehouse) CreateTable(_ context.Context, table string, schema []Field) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.CreateTableCalls++
	if w.CreateErr != nil {
		return w.CreateErr
	}
	if _, exists := w.tables[table]; exists {
		return ErrTableExists
	}
	w.tables[table] = &memTable{schema: schema}
	return nil
}

// AppendRows implements Warehouse. Rows land in memory; nested values are
// stored as-is.
func (w *MemoryWarehouse) AppendRows(_ context.Context, table string, rows []Row) ([]RowError, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.AppendCalls++
	if w.AppendErr != nil {
		return nil, w.AppendErr
	}
	t, exists := w.tables[table]
	if !exists {
		return nil, ErrNotFound
	}

	var rowErrs []RowError
	for i, row := range rows {
		if w.RejectRow != nil {
			if msg := w.RejectRow(table, row); msg != "" {
				rowErrs = append(rowErrs, RowError{Index: i, Message: msg})
				continue
			}
		}
		t.rows = append(t.rows, row)
	}
	return rowErrs, nil
}

// Query implements Warehouse via QueryFunc.
func (w *MemoryWarehouse) Query(_ context.Context, text string, params ...any) ([]Row, error) {
	if w.QueryFunc != nil {
		return w.QueryFunc(text, params...)
	}
	return nil, nil
}

// Exec implements Warehouse by recording the statement.
func (w *MemoryWarehouse) Exec(_ context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ExecCalls++
	w.ExecStatements = append(w.ExecStatements, text)
	return w.ExecErr
}

// Rows returns a table's stored rows, or nil if the table does not exist.
func (w *MemoryWarehouse) Rows(table string) []Row {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, exists := w.tables[table]
	if !exists {
		return nil
	}
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out
}

// Schema returns a table's schema, or nil if the table does not exist.
func (w *MemoryWarehouse) Schema(table string) []Field {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, exists := w.tables[table]
	if !exists {
		return nil
	}
	return t.schema
}

var _ Warehouse = (*MemoryWarehouse)(nil)

// -----------------------------------------------------------------------------
// Memory ledger
// -----------------------------------------------------------------------------

// MemoryLedger implements Ledger with an in-memory set. Safe for concurrent
// use.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]LedgerEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]LedgerEntry)}
}

func ledgerKey(name, generation string) string {
	return name + "\x00" + generation
}

// HasProcessed implements Ledger.
func (l *MemoryLedger) HasProcessed(_ context.Context, name, generation string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.entries[ledgerKey(name, generation)]
	return exists, nil
}

// MarkProcessed implements Ledger.
func (l *MemoryLedger) MarkProcessed(_ context.Context, name, generation string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[ledgerKey(name, generation)] = LedgerEntry{
		FileName:       name,
		FileGeneration: generation,
		ProcessedAt:    at,
	}
	return nil
}

// Len returns the number of ledger entries.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

var _ Ledger = (*MemoryLedger)(nil)
