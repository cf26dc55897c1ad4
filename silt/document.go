package silt

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineSize bounds a single newline-delimited document. 10MB.
const maxLineSize = 10 * 1024 * 1024

// decodeJSON unmarshals data preserving integer precision (numbers decode
// as json.Number, not float64).
func decodeJSON(data []byte, v any) error {
	dec := jsonCodec.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// -----------------------------------------------------------------------------
// Document parsing
// -----------------------------------------------------------------------------

// ParseDocuments decodes the content of one source object into logical
// documents. The format is decided in order:
//
//  1. Content starting with '[' is a JSON array; each element is a document.
//  2. Content with more than one non-empty line is newline-delimited JSON;
//     each line is a document, and any bad line fails the whole object.
//  3. Otherwise the content is one JSON value: an object is the single
//     document, an array contributes one document per element, and any
//     other top-level type is an error.
//
// Empty content yields zero documents and no error. Errors name the source
// object so callers can report per-object failures.
func ParseDocuments(name string, data []byte) ([]Document, error) {
	text := bytes.TrimSpace(data)
	if len(text) == 0 {
		return nil, nil
	}

	if text[0] == '[' {
		var docs []Document
		if err := decodeJSON(text, &docs); err != nil {
			return nil, fmt.Errorf("parse %s: array mode: %w", name, err)
		}
		return docs, nil
	}

	if lines := nonEmptyLines(text); len(lines) > 1 {
		docs := make([]Document, 0, len(lines))
		for i, line := range lines {
			if len(line) > maxLineSize {
				return nil, fmt.Errorf("parse %s: line %d exceeds %d bytes", name, i+1, maxLineSize)
			}
			var doc Document
			if err := decodeJSON(line, &doc); err != nil {
				return nil, fmt.Errorf("parse %s: line %d: %w", name, i+1, err)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	}

	var single any
	if err := decodeJSON(text, &single); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	switch v := single.(type) {
	case map[string]any:
		return []Document{Document(v)}, nil
	case []any:
		docs := make([]Document, 0, len(v))
		for i, elem := range v {
			obj, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parse %s: element %d is not an object", name, i)
			}
			docs = append(docs, Document(obj))
		}
		return docs, nil
	default:
		return nil, fmt.Errorf("parse %s: top-level value is not an object or array", name)
	}
}

// nonEmptyLines splits text on newlines, dropping blank lines.
func nonEmptyLines(text []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(text, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

// -----------------------------------------------------------------------------
// Normalization
// -----------------------------------------------------------------------------

// ColumnSpec maps one destination column to the source key it is read from.
type ColumnSpec struct {
	// Name is the destination column name.
	Name string

	// Source is the key looked up in each document. Empty means Name.
	Source string
}

// Normalizer maps parsed documents into the row shape the warehouse expects:
// a fixed set of destination columns selected and renamed from known source
// keys, plus provenance columns. A document missing a source key maps that
// column to an explicit null rather than omitting it.
//
// With no column specs the normalizer passes every document field through
// unchanged (identity mode).
type Normalizer struct {
	columns []ColumnSpec
	op      string
	now     func() time.Time
}

// NewNormalizer creates a normalizer for the given destination columns and
// ingestion operation tag.
func NewNormalizer(columns []ColumnSpec, op string) *Normalizer {
	return &Normalizer{
		columns: columns,
		op:      op,
		now:     time.Now,
	}
}

// NewOpTag issues a fresh ingestion operation tag.
func NewOpTag() string {
	return uuid.NewString()
}

// Op returns the normalizer's operation tag.
func (n *Normalizer) Op() string {
	return n.op
}

// Rows normalizes documents from one source object.
func (n *Normalizer) Rows(objectName string, docs []Document) []Row {
	ingestedAt := n.now().UTC().Format(time.RFC3339)
	rows := make([]Row, 0, len(docs))
	for _, doc := range docs {
		row := make(Row, len(n.columns)+3)
		if len(n.columns) == 0 {
			for k, v := range doc {
				row[k] = normalizeValue(v)
			}
		} else {
			for _, col := range n.columns {
				src := col.Source
				if src == "" {
					src = col.Name
				}
				val, ok := doc[src]
				if !ok {
					row[col.Name] = nil
					continue
				}
				row[col.Name] = normalizeValue(val)
			}
		}
		row[SourceColumn] = objectName
		row[OpColumn] = n.op
		row[IngestedAtColumn] = ingestedAt
		rows = append(rows, row)
	}
	return rows
}

// DestinationColumns returns the ordered column set rows will carry,
// including provenance columns. In identity mode the sample row supplies
// the document-derived columns.
func (n *Normalizer) DestinationColumns(sample Row) []string {
	var cols []string
	if len(n.columns) == 0 {
		for _, f := range mustInferFields(sample) {
			cols = append(cols, f.Name)
		}
		return cols
	}
	for _, col := range n.columns {
		cols = append(cols, col.Name)
	}
	return append(cols, SourceColumn, OpColumn, IngestedAtColumn)
}

// normalizeValue rewrites decoded JSON into warehouse-ready values:
// json.Number becomes int64 or float64, containers are rewritten
// recursively, everything else passes through.
func normalizeValue(raw any) any {
	switch v := valueOf(raw); v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindArray:
		arr, _ := raw.([]any)
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = normalizeValue(elem)
		}
		return out
	case KindObject:
		obj, _ := raw.(map[string]any)
		out := make(map[string]any, len(obj))
		for k, elem := range obj {
			out[k] = normalizeValue(elem)
		}
		return out
	default:
		return raw
	}
}

// mustInferFields returns the sample's fields in deterministic order.
// A nil sample yields no columns.
func mustInferFields(sample Row) []Field {
	fields, err := InferSchema(map[string]any(sample))
	if err != nil {
		return nil
	}
	return fields
}
