// Package source fetches raw tabular data (a header row plus data rows) for the store.
// Providers only move bytes and split CSV; classifying columns is the store's job.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a source does not exist.
var ErrNotFound = errors.New("source not found")

// RawTable is an unparsed table: the header row and the data rows as strings.
type RawTable struct {
	SourceID string
	Header   []string
	Rows     [][]string
}

// Provider fetches the raw table behind a source identifier.
type Provider interface {
	Fetch(ctx context.Context, sourceID string) (*RawTable, error)
}

// ParseCSV reads delimited text into a RawTable. A missing header row yields an empty
// Header rather than an error so the caller can report it as a malformed header.
// Rows that fail to parse are skipped.
func ParseCSV(sourceID string, r io.Reader, comma rune) (*RawTable, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	table := &RawTable{SourceID: sourceID}

	header, err := reader.Read()
	if err == io.EOF {
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		// Spreadsheet exports often prefix the first cell with a UTF-8 BOM.
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	table.Header = header

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if isBlankRow(row) {
			continue
		}
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// delimiterFor picks tab for .tsv sources and comma otherwise.
func delimiterFor(sourceID string) rune {
	if strings.EqualFold(filepath.Ext(sourceID), ".tsv") {
		return '\t'
	}
	return ','
}

// Router dispatches http(s) sources to the HTTP provider and everything else to the file provider.
type Router struct {
	File Provider
	HTTP Provider
}

// Fetch implements Provider.
func (r *Router) Fetch(ctx context.Context, sourceID string) (*RawTable, error) {
	if u, err := url.Parse(sourceID); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if r.HTTP == nil {
			return nil, fmt.Errorf("no HTTP provider configured for %s", sourceID)
		}
		return r.HTTP.Fetch(ctx, sourceID)
	}
	if r.File == nil {
		return nil, fmt.Errorf("no file provider configured for %s", sourceID)
	}
	return r.File.Fetch(ctx, sourceID)
}
