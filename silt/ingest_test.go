package silt

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// ingestFixture wires an Ingestor over in-memory collaborators.
type ingestFixture struct {
	store  *MemoryStore
	wh     *MemoryWarehouse
	ledger *MemoryLedger
	ing    *Ingestor
}

func newIngestFixture(t *testing.T, cfg Config) *ingestFixture {
	t.Helper()

	f := &ingestFixture{
		store:  NewMemoryStore(),
		wh:     NewMemoryWarehouse(),
		ledger: NewMemoryLedger(),
	}
	cfg.Store = f.store
	cfg.Warehouse = f.wh
	cfg.Ledger = f.ledger

	ing, err := New(cfg)
	if err != nil {
		t.Fatalf("constructing ingestor: %v", err)
	}
	f.ing = ing
	return f
}

func (f *ingestFixture) put(t *testing.T, name, content string) {
	t.Helper()
	if err := f.store.PutBytes(context.Background(), name, []byte(content)); err != nil {
		t.Fatalf("seeding %s: %v", name, err)
	}
}

func baseRequest() Request {
	return Request{
		Prefix:       "prefix/",
		Dataset:      "ds",
		StagingTable: "staging",
		TargetTable:  "target",
		MergeKey:     "id",
	}
}

func fileStatus(report *Report, name string) (FileStatus, bool) {
	for _, fs := range report.Files {
		if fs.Name == name {
			return fs, true
		}
	}
	return FileStatus{}, false
}

// -----------------------------------------------------------------------------
// End-to-end flow
// -----------------------------------------------------------------------------

func TestIngestor_Run_SkipsAlreadyProcessedFile(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1,"v":"new"}`)
	f.put(t, "prefix/2.json", `{"id":2,"v":"old"}`)

	// 2.json's current revision is already in the ledger.
	if err := f.ledger.MarkProcessed(ctx, "prefix/2.json", "1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.FilesIngested != 1 {
		t.Errorf("expected 1 file ingested, got %d", report.FilesIngested)
	}
	if f.ledger.Len() != 2 {
		t.Errorf("expected exactly one new ledger entry, got %d total", f.ledger.Len())
	}
	if got := len(f.wh.Rows("ds.staging")); got != 1 {
		t.Errorf("expected 1 staged row, got %d", got)
	}

	if fs, ok := fileStatus(report, "prefix/2.json"); !ok || fs.Status != StatusSkipped {
		t.Errorf("expected 2.json skipped, got %+v", fs)
	}
	if fs, ok := fileStatus(report, "prefix/1.json"); !ok || fs.Status != StatusOK {
		t.Errorf("expected 1.json ok, got %+v", fs)
	}
}

func TestIngestor_Run_OverwrittenObject_IsNewWork(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1,"v":"first"}`)
	if _, err := f.ing.Run(ctx, baseRequest()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Overwriting bumps the generation, so the same name is ingested again.
	f.put(t, "prefix/1.json", `{"id":1,"v":"second"}`)
	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.FilesIngested != 1 {
		t.Errorf("expected overwrite to be re-ingested, got %d files", report.FilesIngested)
	}
	if f.ledger.Len() != 2 {
		t.Errorf("expected 2 ledger entries for 2 generations, got %d", f.ledger.Len())
	}
}

func TestIngestor_Run_SecondRun_Idempotent(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1,"v":"a"}`)
	f.put(t, "prefix/2.json", `{"id":2,"v":"b"}`)

	if _, err := f.ing.Run(ctx, baseRequest()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	staged := len(f.wh.Rows("ds.staging"))
	mergesBefore := f.wh.ExecCalls

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if report.FilesIngested != 0 {
		t.Errorf("expected no files on retry, got %d", report.FilesIngested)
	}
	if got := len(f.wh.Rows("ds.staging")); got != staged {
		t.Errorf("retry staged additional rows: %d -> %d", staged, got)
	}
	if f.ledger.Len() != 2 {
		t.Errorf("retry added ledger entries: got %d", f.ledger.Len())
	}
	if f.wh.ExecCalls != mergesBefore {
		t.Errorf("retry with zero staged rows must skip the merge")
	}
}

func TestIngestor_Run_NonJSONObjects_SkippedSilently(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1}`)
	f.put(t, "prefix/notes.txt", "not data")

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, ok := fileStatus(report, "prefix/notes.txt"); ok {
		t.Error("non-JSON object should not appear in the report at all")
	}
	if report.FilesIngested != 1 {
		t.Errorf("expected 1 file ingested, got %d", report.FilesIngested)
	}
}

func TestIngestor_Run_ParseFailure_ReportedNotMarked(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/good.json", `{"id":1}`)
	f.put(t, "prefix/bad.json", `{"id":`)

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("a parse failure must not abort the run: %v", err)
	}

	fs, ok := fileStatus(report, "prefix/bad.json")
	if !ok || fs.Status != StatusFailed {
		t.Fatalf("expected bad.json failed, got %+v", fs)
	}
	if fs.Error == "" {
		t.Error("failed file should carry its error")
	}

	processed, err := f.ledger.HasProcessed(ctx, "prefix/bad.json", "1")
	if err != nil {
		t.Fatal(err)
	}
	if processed {
		t.Error("a file that failed to parse must never be marked processed")
	}
	if report.FilesIngested != 1 {
		t.Errorf("expected only good.json ingested, got %d", report.FilesIngested)
	}
}

func TestIngestor_Run_EmptyFile_MarkedWithoutRows(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/empty.json", "")

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.FilesIngested != 1 {
		t.Errorf("expected empty file counted as ingested, got %d", report.FilesIngested)
	}
	if f.wh.ExecCalls != 0 {
		t.Error("zero staged rows must skip the merge")
	}
	processed, _ := f.ledger.HasProcessed(ctx, "prefix/empty.json", "1")
	if !processed {
		t.Error("empty file should be marked so it is not re-listed forever")
	}
}

func TestIngestor_Run_MergeInvokedOncePerRequest(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/1.json", "{\"id\":1}\n{\"id\":2}")
	f.put(t, "prefix/2.json", `[{"id":3},{"id":4}]`)

	if _, err := f.ing.Run(ctx, baseRequest()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if f.wh.ExecCalls != 1 {
		t.Fatalf("expected exactly one merge statement, got %d", f.wh.ExecCalls)
	}
	stmt := f.wh.ExecStatements[0]
	if !strings.Contains(stmt, `"ds.target"`) || !strings.Contains(stmt, `"ds.staging"`) {
		t.Errorf("merge should join dataset-qualified tables:\n%s", stmt)
	}
}

func TestIngestor_Run_CreatesMissingTargetBeforeMerge(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1,"v":"a"}`)

	if _, err := f.ing.Run(ctx, baseRequest()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if f.wh.Schema("ds.target") == nil {
		t.Fatal("expected the merge target created with the staging schema")
	}
	// Staging and target, nothing else.
	if f.wh.CreateTableCalls != 2 {
		t.Errorf("expected 2 create calls, got %d", f.wh.CreateTableCalls)
	}
	if f.wh.ExecCalls != 1 {
		t.Errorf("expected the merge to still run, got %d exec calls", f.wh.ExecCalls)
	}
}

func TestIngestor_Run_ExistingTarget_NeverRecreated(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	if err := f.wh.CreateTable(ctx, "ds.target", []Field{{Name: "id", Type: TypeInteger}}); err != nil {
		t.Fatal(err)
	}
	f.wh.CreateTableCalls = 0

	f.put(t, "prefix/1.json", `{"id":1}`)

	if _, err := f.ing.Run(ctx, baseRequest()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// Only the staging table is created; the target is left alone.
	if f.wh.CreateTableCalls != 1 {
		t.Errorf("expected 1 create call, got %d", f.wh.CreateTableCalls)
	}
}

func TestIngestor_Run_PartialFailure_AttributedToFile(t *testing.T) {
	f := newIngestFixture(t, Config{})
	f.wh.RejectRow = func(table string, row Row) string {
		if table == "ds.staging" && row[SourceColumn] == "prefix/2.json" {
			return "schema mismatch"
		}
		return ""
	}
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1}`)
	f.put(t, "prefix/2.json", `{"id":2}`)

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if fs, ok := fileStatus(report, "prefix/2.json"); !ok || fs.Status != StatusPartialFailure || fs.ErrorCount != 1 {
		t.Errorf("expected 2.json partial_failure with 1 error, got %+v", fs)
	}
	if fs, ok := fileStatus(report, "prefix/1.json"); !ok || fs.Status != StatusOK {
		t.Errorf("expected 1.json ok, got %+v", fs)
	}
	// Both files went through the loader call, so both are marked.
	if report.FilesIngested != 2 {
		t.Errorf("expected both files marked, got %d", report.FilesIngested)
	}
	if len(report.RowErrors) != 1 {
		t.Errorf("expected 1 sampled row error, got %d", len(report.RowErrors))
	}
}

func TestIngestor_Run_GzipSource(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(`{"id":1,"v":"zipped"}`)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutBytes(ctx, "prefix/z.json.gz", buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.FilesIngested != 1 || report.RowsInserted != 1 {
		t.Errorf("expected compressed source ingested, got %+v", report)
	}
}

// -----------------------------------------------------------------------------
// Failure modes and validation
// -----------------------------------------------------------------------------

func TestIngestor_Run_MissingIdentifiers_FailBeforeAnyWork(t *testing.T) {
	f := newIngestFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "prefix/1.json", `{"id":1}`)

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"dataset", func(r *Request) { r.Dataset = "" }},
		{"staging table", func(r *Request) { r.StagingTable = "" }},
		{"target table", func(r *Request) { r.TargetTable = "" }},
		{"merge key", func(r *Request) { r.MergeKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			if _, err := f.ing.Run(ctx, req); err == nil {
				t.Fatal("expected configuration error, got nil")
			}
			if f.ledger.Len() != 0 {
				t.Fatal("configuration errors must fail before any work")
			}
		})
	}
}

func TestIngestor_Run_CreateFailure_AbortsRequest(t *testing.T) {
	f := newIngestFixture(t, Config{})
	f.wh.CreateErr = errors.New("dataset quota exceeded")
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1}`)

	if _, err := f.ing.Run(ctx, baseRequest()); err == nil {
		t.Fatal("expected fatal error for table creation failure")
	}
	if f.ledger.Len() != 0 {
		t.Error("no object may be marked when nothing was staged")
	}
}

func TestIngestor_Run_MergeFailure_AbortsAfterMarking(t *testing.T) {
	f := newIngestFixture(t, Config{})
	f.wh.ExecErr = errors.New("merge denied")
	ctx := context.Background()

	f.put(t, "prefix/1.json", `{"id":1}`)

	_, err := f.ing.Run(ctx, baseRequest())
	if err == nil {
		t.Fatal("expected fatal merge error")
	}
	// Rows were staged, so the ledger keeps the file; the staged rows
	// remain for the caller to reconcile.
	if f.ledger.Len() != 1 {
		t.Errorf("expected staged file to stay marked, got %d entries", f.ledger.Len())
	}
	if got := len(f.wh.Rows("ds.staging")); got != 1 {
		t.Errorf("staged rows must remain for reconciliation, got %d", got)
	}
}

func TestNew_RequiredCollaborators(t *testing.T) {
	store := NewMemoryStore()
	wh := NewMemoryWarehouse()
	ledger := NewMemoryLedger()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{Warehouse: wh, Ledger: ledger}},
		{"missing warehouse", Config{Store: store, Ledger: ledger}},
		{"missing ledger", Config{Store: store, Warehouse: wh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Archival supplement
// -----------------------------------------------------------------------------

func TestIngestor_Run_ArchivesStagedRows(t *testing.T) {
	store := NewMemoryStore()
	archiver, err := NewArchiver(store, ArchiverConfig{Format: ArchiveJSONLGzip})
	if err != nil {
		t.Fatalf("constructing archiver: %v", err)
	}

	f := &ingestFixture{
		store:  store,
		wh:     NewMemoryWarehouse(),
		ledger: NewMemoryLedger(),
	}
	ing, err := New(Config{
		Store:     f.store,
		Warehouse: f.wh,
		Ledger:    f.ledger,
		Archiver:  archiver,
	})
	if err != nil {
		t.Fatalf("constructing ingestor: %v", err)
	}
	f.ing = ing

	ctx := context.Background()
	f.put(t, "prefix/1.json", `{"id":1,"v":"a"}`)

	report, err := f.ing.Run(ctx, baseRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.ArchivePath == "" {
		t.Fatal("expected an archive path in the report")
	}
	if !strings.HasPrefix(report.ArchivePath, DefaultArchivePrefix) {
		t.Errorf("unexpected archive path: %s", report.ArchivePath)
	}

	data, err := f.store.Read(ctx, report.ArchivePath)
	if err != nil {
		t.Fatalf("archive object missing: %v", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("archive is not gzip: %v", err)
	}
	defer func() { _ = gr.Close() }()
	var out bytes.Buffer
	if _, err := out.ReadFrom(gr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"source_object":"prefix/1.json"`) {
		t.Errorf("archive should carry provenance, got: %s", out.String())
	}
}
