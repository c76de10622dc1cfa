package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
)

const utf8BOM = "\uFEFF"

// productColumns maps header names to record positions. description is -1
// when the column is absent.
type productColumns struct {
	sku         int
	name        int
	description int
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	return reader
}

// countDataRows reads r to the end and returns the number of records after
// the header.
func countDataRows(r io.Reader) (int, error) {
	reader := newCSVReader(r)

	records := 0
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, classifyReadError(err)
		}
		records++
	}

	if records == 0 {
		return 0, nil
	}
	return records - 1, nil
}

// resolveColumns locates the known columns. A missing required column is
// not fatal: every row then fails validation and is skipped.
func resolveColumns(header []string) productColumns {
	cols := productColumns{sku: -1, name: -1, description: -1}
	for i, raw := range header {
		name := raw
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sku":
			if cols.sku < 0 {
				cols.sku = i
			}
		case "name":
			if cols.name < 0 {
				cols.name = i
			}
		case "description":
			if cols.description < 0 {
				cols.description = i
			}
		}
	}
	return cols
}

func (c productColumns) missing() []string {
	var missing []string
	if c.sku < 0 {
		missing = append(missing, "sku")
	}
	if c.name < 0 {
		missing = append(missing, "name")
	}
	return missing
}

func (c productColumns) product(record []string) (domain.Product, error) {
	return domain.NewProductFromRecord(field(record, c.sku), field(record, c.name), field(record, c.description))
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func classifyReadError(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return domain.NewJobFailure(domain.FailureParse, err)
	}
	return domain.NewJobFailure(domain.FailureIO, fmt.Errorf("read file: %w", err))
}
