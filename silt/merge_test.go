package silt

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// -----------------------------------------------------------------------------
// Statement construction
// -----------------------------------------------------------------------------

func TestUpsertStatement_Shape(t *testing.T) {
	text, err := upsertStatement("target", "staging", "id", []string{"id", "title", "score"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		`INSERT INTO "target" ("id", "title", "score")`,
		`SELECT "id", "title", "score" FROM "staging"`,
		`WHERE true`,
		`ON CONFLICT ("id")`,
		`DO UPDATE SET "title" = excluded."title", "score" = excluded."score"`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("statement missing %q:\n%s", want, text)
		}
	}
	// The key column is never updated.
	if strings.Contains(text, `"id" = excluded."id"`) {
		t.Errorf("key column must not appear in the update set:\n%s", text)
	}
}

func TestUpsertStatement_KeyOnly_DoesNothingOnConflict(t *testing.T) {
	text, err := upsertStatement("target", "staging", "id", []string{"id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "DO NOTHING") {
		t.Errorf("expected DO NOTHING with no non-key columns:\n%s", text)
	}
}

func TestUpsertStatement_KeyNotInColumns_ReturnsError(t *testing.T) {
	_, err := upsertStatement("target", "staging", "id", []string{"title"})
	if err == nil {
		t.Fatal("expected error when key is absent from columns")
	}
}

func TestUpsertStatement_EmptyColumns_ReturnsError(t *testing.T) {
	if _, err := upsertStatement("target", "staging", "id", nil); err == nil {
		t.Fatal("expected error for empty column list")
	}
}

func TestUpsertStatement_QuotesHostileIdentifiers(t *testing.T) {
	text, err := upsertStatement("target", "staging", "id", []string{"id", `weird"col`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, `"weird""col"`) {
		t.Errorf("embedded quote not escaped:\n%s", text)
	}
}

func TestUpsertStatement_ControlCharacterIdentifier_ReturnsError(t *testing.T) {
	if _, err := upsertStatement("target", "staging", "id", []string{"id", "bad\ncol"}); err == nil {
		t.Fatal("expected error for control character in identifier")
	}
}

// -----------------------------------------------------------------------------
// Coordinator
// -----------------------------------------------------------------------------

func TestMerger_Merge_ExecutesSingleStatement(t *testing.T) {
	wh := NewMemoryWarehouse()
	merger, err := NewMerger(wh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = merger.Merge(context.Background(), "target", "staging", "id", []string{"id", "title"})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if wh.ExecCalls != 1 {
		t.Fatalf("expected exactly one statement, got %d", wh.ExecCalls)
	}
	if !strings.Contains(wh.ExecStatements[0], "ON CONFLICT") {
		t.Errorf("unexpected statement: %s", wh.ExecStatements[0])
	}
}

func TestMerger_Merge_ExecFailure_IsFatal(t *testing.T) {
	wh := NewMemoryWarehouse()
	wh.ExecErr = errors.New("deadlock detected")

	merger, err := NewMerger(wh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = merger.Merge(context.Background(), "target", "staging", "id", []string{"id", "title"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "deadlock detected") {
		t.Errorf("expected wrapped cause, got: %v", err)
	}
}

func TestNewMerger_NilWarehouse_ReturnsError(t *testing.T) {
	if _, err := NewMerger(nil); err == nil {
		t.Fatal("expected error for nil warehouse, got nil")
	}
}
