package silt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Ingestion orchestrator
// -----------------------------------------------------------------------------

// Per-file ingestion statuses.
const (
	// StatusOK means every row from the file was staged.
	StatusOK = "ok"

	// StatusSkipped means the ledger already held the file's revision.
	StatusSkipped = "skipped"

	// StatusPartialFailure means the file was staged but some of its rows
	// were rejected.
	StatusPartialFailure = "partial_failure"

	// StatusFailed means the file could not be read or parsed. It was not
	// staged and was not marked processed.
	StatusFailed = "failed"
)

// Request describes one ingestion run.
type Request struct {
	// Prefix selects source objects to consider. May be empty.
	Prefix string

	// Dataset qualifies the staging and target table names.
	Dataset string

	// StagingTable receives freshly loaded rows.
	StagingTable string

	// TargetTable is reconciled from staging by the merge.
	TargetTable string

	// MergeKey is the business key column shared by staging and target.
	MergeKey string
}

// FileStatus reports the outcome for one listed source object.
type FileStatus struct {
	Name   string
	Status string

	// Error describes a failed file's read or parse error.
	Error string

	// ErrorCount is the number of sampled row errors attributed to this
	// file on partial failure.
	ErrorCount int
}

// Report summarizes a completed ingestion run.
type Report struct {
	// FilesIngested counts files staged and marked in the ledger this run.
	FilesIngested int

	RowsAttempted int
	RowsInserted  int

	// Files holds the per-file status list, in listing order.
	Files []FileStatus

	// RowErrors is the bounded per-row error sample from the loader.
	RowErrors []RowError

	// ArchivePath names the staged-rows artifact, when archiving is on.
	ArchivePath string
}

// Config wires an Ingestor's collaborators. Store, Warehouse, and Ledger
// are required; the rest default sensibly.
type Config struct {
	Store     ObjectStore
	Warehouse Warehouse
	Ledger    Ledger

	// Normalizer maps documents to rows. Defaults to identity mapping
	// with a fresh operation tag.
	Normalizer *Normalizer

	// Loader stages rows. Defaults to NewLoader(Warehouse, LoaderConfig{}).
	Loader *Loader

	// Merger reconciles staging into target. Defaults to
	// NewMerger(Warehouse).
	Merger *Merger

	// Archiver, when set, writes the staged rows back to object storage
	// after a successful merge.
	Archiver *Archiver
}

// Ingestor drives one ingestion request end to end: list candidate objects,
// drop already-processed revisions via the ledger, normalize the remainder,
// stage in one loader call, mark the staged objects processed, then merge.
//
// A run holds no lock or lease. A crash mid-load leaves the ledger
// reflecting only fully staged objects, so a retried request resumes with
// correct skip behavior — the whole flow is idempotent under at-least-once
// retry.
type Ingestor struct {
	store    ObjectStore
	ledger   Ledger
	norm     *Normalizer
	loader   *Loader
	merger   *Merger
	archiver *Archiver
	now      func() time.Time
}

// New creates an Ingestor from explicitly passed collaborators. There is no
// process-wide state: every dependency lives on the returned value.
func New(cfg Config) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: object store is required")
	}
	if cfg.Warehouse == nil {
		return nil, errors.New("ingest: warehouse is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ingest: ledger is required")
	}

	norm := cfg.Normalizer
	if norm == nil {
		norm = NewNormalizer(nil, NewOpTag())
	}
	loader := cfg.Loader
	if loader == nil {
		var err error
		loader, err = NewLoader(cfg.Warehouse, LoaderConfig{})
		if err != nil {
			return nil, err
		}
	}
	merger := cfg.Merger
	if merger == nil {
		var err error
		merger, err = NewMerger(cfg.Warehouse)
		if err != nil {
			return nil, err
		}
	}

	return &Ingestor{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		norm:     norm,
		loader:   loader,
		merger:   merger,
		archiver: cfg.Archiver,
		now:      time.Now,
	}, nil
}

// stagedObject tracks which slice of the accumulated rows one object
// contributed, for attributing row errors and for ledger marking.
type stagedObject struct {
	ref   ObjectRef
	start int
	end   int
}

// Run executes one ingestion request.
//
// Read and parse failures exclude the affected object and surface in the
// report; they never abort the run. Listing, ledger, table creation, merge,
// and archive failures abort the run with no report.
func (ing *Ingestor) Run(ctx context.Context, req Request) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	staging := qualifyTable(req.Dataset, req.StagingTable)
	target := qualifyTable(req.Dataset, req.TargetTable)

	refs, err := ing.store.List(ctx, req.Prefix)
	if err != nil {
		return nil, fmt.Errorf("ingest: listing %q: %w", req.Prefix, err)
	}

	report := &Report{}
	var rows []Row
	var staged []stagedObject

	for _, ref := range refs {
		if !Ingestible(ref.Name) {
			continue
		}

		processed, err := ing.ledger.HasProcessed(ctx, ref.Name, ref.Generation)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		if processed {
			report.Files = append(report.Files, FileStatus{Name: ref.Name, Status: StatusSkipped})
			continue
		}

		docs, err := ing.readDocuments(ctx, ref.Name)
		if err != nil {
			report.Files = append(report.Files, FileStatus{
				Name:   ref.Name,
				Status: StatusFailed,
				Error:  err.Error(),
			})
			continue
		}

		objRows := ing.norm.Rows(ref.Name, docs)
		staged = append(staged, stagedObject{ref: ref, start: len(rows), end: len(rows) + len(objRows)})
		rows = append(rows, objRows...)
	}

	res := &BatchResult{}
	if len(rows) > 0 {
		res, err = ing.loader.Load(ctx, staging, map[string]any(rows[0]), rows)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}
	report.RowsAttempted = res.RowsAttempted
	report.RowsInserted = res.RowsInserted
	report.RowErrors = res.RowErrors

	// Only objects whose rows went through the loader call are marked.
	// Marking happens after the call returns, never before.
	markedAt := ing.now().UTC()
	for _, obj := range staged {
		if err := ing.ledger.MarkProcessed(ctx, obj.ref.Name, obj.ref.Generation, markedAt); err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		report.FilesIngested++
		report.Files = append(report.Files, obj.status(res))
	}

	if res.RowsInserted > 0 {
		// The target shares the staging schema; first runs against a fresh
		// dataset must create it before the upsert can land.
		if err := ing.loader.EnsureTable(ctx, target, map[string]any(rows[0])); err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		columns := ing.norm.DestinationColumns(rows[0])
		if err := ing.merger.Merge(ctx, target, staging, req.MergeKey, columns); err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}

	if ing.archiver != nil && len(rows) > 0 {
		path, err := ing.archiver.Archive(ctx, ing.norm.Op(), rows)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		report.ArchivePath = path
	}

	return report, nil
}

// status derives the per-file outcome from the batch result's error sample.
func (o stagedObject) status(res *BatchResult) FileStatus {
	count := 0
	for _, re := range res.RowErrors {
		if re.Index >= o.start && re.Index < o.end {
			count++
		}
	}
	if count > 0 {
		return FileStatus{Name: o.ref.Name, Status: StatusPartialFailure, ErrorCount: count}
	}
	return FileStatus{Name: o.ref.Name, Status: StatusOK}
}

// readDocuments reads, decompresses, and parses one source object.
func (ing *Ingestor) readDocuments(ctx context.Context, name string) ([]Document, error) {
	data, err := ing.store.Read(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	data, err = DecompressByName(name, data)
	if err != nil {
		return nil, err
	}
	return ParseDocuments(name, data)
}

// validateRequest rejects requests missing required identifiers before any
// work starts.
func validateRequest(req Request) error {
	switch {
	case req.Dataset == "":
		return errors.New("ingest: dataset is required")
	case req.StagingTable == "":
		return errors.New("ingest: staging table is required")
	case req.TargetTable == "":
		return errors.New("ingest: target table is required")
	case req.MergeKey == "":
		return errors.New("ingest: merge key is required")
	}
	return nil
}

// qualifyTable joins a dataset and table into one warehouse table name.
func qualifyTable(dataset, table string) string {
	if dataset == "" {
		return table
	}
	return dataset + "." + table
}
