package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/domain/model"
)

// Recognized column headers, matched case-insensitively.
const (
	colText         = "text"
	colPlaceName    = "place name"
	colPlaceAddress = "place address"
	colScore        = "score"
)

// SupportedExtensions lists the document types the reader understands.
var SupportedExtensions = []string{".csv", ".json", ".xlsx", ".xls"}

// IsSupported reports whether name has a readable extension.
func IsSupported(name string) bool {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// DocumentReader parses stored review documents (CSV, JSON, Excel).
type DocumentReader struct {
	store    core.ArtifactStore
	maxBytes int64
}

// NewDocumentReader reads through store. maxBytes caps the document size (0 = 64 MiB).
func NewDocumentReader(store core.ArtifactStore, maxBytes int64) *DocumentReader {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &DocumentReader{store: store, maxBytes: maxBytes}
}

// ReadItems loads ref and returns its review rows. Parse failures wrap
// model.ErrInvalidDocument; storage failures are returned as-is.
func (r *DocumentReader) ReadItems(ctx context.Context, ref string) ([]model.ReviewItem, error) {
	rc, err := r.store.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) || errors.Is(err, ErrInvalidRef) {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidDocument, err)
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", ref, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", model.ErrInvalidDocument, r.maxBytes)
	}

	items, err := ParseDocument(path.Ext(ref), data)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ParseDocument dispatches on the file extension.
func ParseDocument(ext string, data []byte) ([]model.ReviewItem, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(ext) {
	case ".csv":
		rows, err = csvRows(data)
	case ".xlsx", ".xls":
		rows, err = excelRows(data)
	case ".json":
		return jsonItems(data)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", model.ErrInvalidDocument, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidDocument, err)
	}
	return itemsFromRows(rows)
}

func csvRows(data []byte) ([][]string, error) {
	cr := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func excelRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func itemsFromRows(rows [][]string) ([]model.ReviewItem, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: document is empty", model.ErrInvalidDocument)
	}
	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colText]; !ok {
		return nil, fmt.Errorf("%w: missing %q column", model.ErrInvalidDocument, "TEXT")
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	items := make([]model.ReviewItem, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		item := model.ReviewItem{
			Index:        len(items),
			Text:         cell(row, colText),
			PlaceName:    cell(row, colPlaceName),
			PlaceAddress: cell(row, colPlaceAddress),
		}
		if raw := cell(row, colScore); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				item.Score = &v
			}
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no review rows", model.ErrInvalidDocument)
	}
	return items, nil
}

// jsonItems accepts either an array of review objects or {"reviews": [...]}.
// Keys follow the spreadsheet headers case-insensitively ("TEXT", "place_name", ...).
func jsonItems(data []byte) ([]model.ReviewItem, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped struct {
			Reviews []map[string]any `json:"reviews"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil || wrapped.Reviews == nil {
			return nil, fmt.Errorf("%w: expected an array of reviews", model.ErrInvalidDocument)
		}
		raw = wrapped.Reviews
	}

	rows := [][]string{{colText, colPlaceName, colPlaceAddress, colScore}}
	for _, obj := range raw {
		norm := make(map[string]any, len(obj))
		for k, v := range obj {
			norm[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "_", " ")] = v
		}
		rows = append(rows, []string{
			stringValue(norm[colText]),
			stringValue(norm[colPlaceName]),
			stringValue(norm[colPlaceAddress]),
			stringValue(norm[colScore]),
		})
	}
	return itemsFromRows(rows)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
