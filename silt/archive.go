package silt

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
)

// -----------------------------------------------------------------------------
// Staged-row archiver
// -----------------------------------------------------------------------------

// ArchiveFormat selects the artifact encoding.
type ArchiveFormat int

// Archive format constants.
const (
	// ArchiveParquet writes a snappy-compressed Parquet file.
	ArchiveParquet ArchiveFormat = iota

	// ArchiveJSONLGzip writes gzip-compressed JSON Lines.
	ArchiveJSONLGzip

	// ArchiveJSONLZstd writes zstd-compressed JSON Lines.
	ArchiveJSONLZstd
)

// DefaultArchivePrefix is where artifacts land when none is configured.
const DefaultArchivePrefix = "archive/"

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Prefix is the object-name prefix for artifacts.
	// Defaults to DefaultArchivePrefix.
	Prefix string

	// Format selects the artifact encoding. Defaults to ArchiveParquet.
	Format ArchiveFormat
}

// Archiver writes the rows staged by an ingestion run back to object
// storage as a single artifact named by the run's operation tag. The
// artifact is an audit and replay aid; the warehouse stays the system of
// record.
type Archiver struct {
	store  ObjectStore
	prefix string
	format ArchiveFormat
}

// NewArchiver creates an archiver writing to the given store.
func NewArchiver(store ObjectStore, cfg ArchiverConfig) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive: object store is required")
	}
	if cfg.Format < ArchiveParquet || cfg.Format > ArchiveJSONLZstd {
		return nil, fmt.Errorf("archive: invalid format %d", cfg.Format)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	return &Archiver{store: store, prefix: prefix, format: cfg.Format}, nil
}

// Archive encodes rows and writes one artifact, returning its object name.
// The Parquet schema is flat: scalar columns keep their inferred type, and
// record or repeated columns are serialized as JSON strings.
func (a *Archiver) Archive(ctx context.Context, op string, rows []Row) (string, error) {
	if len(rows) == 0 {
		return "", errors.New("archive: no rows")
	}
	if op == "" {
		return "", errors.New("archive: operation tag is required")
	}

	var buf bytes.Buffer
	var name string
	switch a.format {
	case ArchiveParquet:
		name = a.prefix + op + ".parquet"
		if err := encodeParquet(&buf, rows); err != nil {
			return "", err
		}
	case ArchiveJSONLGzip:
		name = a.prefix + op + ".jsonl.gz"
		if err := encodeJSONL(rows, gzip.NewWriter(&buf)); err != nil {
			return "", err
		}
	case ArchiveJSONLZstd:
		name = a.prefix + op + ".jsonl.zst"
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return "", fmt.Errorf("archive: %w", err)
		}
		if err := encodeJSONL(rows, zw); err != nil {
			return "", err
		}
	}

	if err := a.store.PutBytes(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("archive: writing %s: %w", name, err)
	}
	return name, nil
}

// encodeJSONL writes rows as JSON Lines through the compressing writer.
func encodeJSONL(rows []Row, w io.WriteCloser) error {
	enc := jsonCodec.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = w.Close()
			return fmt.Errorf("archive: encoding row: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: closing compressor: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Parquet encoding
// -----------------------------------------------------------------------------

// encodeParquet writes rows as a Parquet file with a flat schema inferred
// from the first row.
func encodeParquet(buf *bytes.Buffer, rows []Row) error {
	fields, err := InferSchema(map[string]any(rows[0]))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	pqSchema := buildArchiveSchema(fields)
	fieldOrder := make([]string, len(pqSchema.Fields()))
	for i, f := range pqSchema.Fields() {
		fieldOrder[i] = f.Name()
	}
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	rowBuf := parquet.NewBuffer(pqSchema)
	for i, row := range rows {
		pqRow, err := archiveRow(row, i, fieldOrder, byName)
		if err != nil {
			return err
		}
		if _, err := rowBuf.WriteRows([]parquet.Row{pqRow}); err != nil {
			return fmt.Errorf("archive: write row %d: %w", i, err)
		}
	}

	pqWriter := parquet.NewWriter(buf, pqSchema, parquet.Compression(&parquet.Snappy))
	if _, err := pqWriter.WriteRowGroup(rowBuf); err != nil {
		_ = pqWriter.Close()
		return fmt.Errorf("archive: write row group: %w", err)
	}
	if err := pqWriter.Close(); err != nil {
		return fmt.Errorf("archive: close writer: %w", err)
	}
	return nil
}

// buildArchiveSchema maps inferred fields onto a flat Parquet group.
// Every column is optional; nested shapes collapse to JSON strings.
func buildArchiveSchema(fields []Field) *parquet.Schema {
	group := make(parquet.Group, len(fields))
	for _, f := range fields {
		var node parquet.Node
		switch {
		case f.Mode == ModeRepeated || f.Type == TypeRecord:
			node = parquet.String()
		case f.Type == TypeInteger:
			node = parquet.Int(64)
		case f.Type == TypeFloat:
			node = parquet.Leaf(parquet.DoubleType)
		case f.Type == TypeBoolean:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		group[f.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema("row", group)
}

// archiveRow converts one normalized row to a parquet Row in schema order.
func archiveRow(row Row, index int, fieldOrder []string, byName map[string]Field) (parquet.Row, error) {
	pqRow := make(parquet.Row, len(fieldOrder))
	for i, name := range fieldOrder {
		val, ok := row[name]
		if !ok || val == nil {
			pqRow[i] = parquet.NullValue().Level(0, 0, i)
			continue
		}
		pqVal, err := archiveValue(val, byName[name], index)
		if err != nil {
			return nil, err
		}
		pqRow[i] = pqVal.Level(0, 1, i)
	}
	return pqRow, nil
}

// archiveValue converts a normalized value to a parquet Value matching the
// field's archive column type.
func archiveValue(val any, field Field, index int) (parquet.Value, error) {
	if field.Mode == ModeRepeated || field.Type == TypeRecord {
		data, err := jsonCodec.Marshal(val)
		if err != nil {
			return parquet.Value{}, fmt.Errorf("archive: row %d field %q: %w", index, field.Name, err)
		}
		return parquet.ByteArrayValue(data), nil
	}

	switch field.Type {
	case TypeInteger:
		switch v := val.(type) {
		case int64:
			return parquet.Int64Value(v), nil
		case int:
			return parquet.Int64Value(int64(v)), nil
		case float64:
			return parquet.Int64Value(int64(v)), nil
		}
	case TypeFloat:
		switch v := val.(type) {
		case float64:
			return parquet.DoubleValue(v), nil
		case int64:
			return parquet.DoubleValue(float64(v)), nil
		}
	case TypeBoolean:
		if v, ok := val.(bool); ok {
			return parquet.BooleanValue(v), nil
		}
	case TypeString:
		if v, ok := val.(string); ok {
			return parquet.ByteArrayValue([]byte(v)), nil
		}
		// Schema came from the first row; later rows may disagree.
		// A string column tolerates any value via its JSON rendering.
		data, err := jsonCodec.Marshal(val)
		if err != nil {
			return parquet.Value{}, fmt.Errorf("archive: row %d field %q: %w", index, field.Name, err)
		}
		return parquet.ByteArrayValue(data), nil
	}
	return parquet.Value{}, fmt.Errorf("archive: row %d field %q: value %T does not fit column type %s",
		index, field.Name, val, field.Type)
}
