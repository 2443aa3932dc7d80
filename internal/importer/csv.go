package importer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"dvermarket/catalogworker/internal/scraper"
	"dvermarket/catalogworker/internal/store"
	cerrors "dvermarket/catalogworker/pkg/errors"
)

// CSVVendor is the vendor id recorded for rows ingested from CSV uploads.
const CSVVendor = "csv"

var requiredColumns = []string{"name", "price", "category", "brand"}

// IngestCSV runs a full import over a CSV stream. The header is validated
// up front: a file missing a required column is rejected whole, before any
// row is processed. Malformed rows are skipped individually.
func (imp *Importer) IngestCSV(ctx context.Context, jobID string, r io.Reader) (*store.ImportLog, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, cerrors.NewValidation(CSVVendor, fmt.Sprintf("failed to read CSV header: %v", err))
	}

	columns, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	run, err := imp.BeginRun(ctx, jobID, "csv")
	if err != nil {
		return nil, err
	}

	lineNo := 1
	for {
		if ctx.Err() != nil {
			break
		}
		lineNo++

		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				run.Skip(ctx, rowName(fields, columns), fmt.Sprintf("line %d: wrong number of columns", lineNo))
				continue
			}
			// The stream itself is broken; nothing further can be read.
			run.Skip(ctx, "", fmt.Sprintf("line %d: unreadable row: %v", lineNo, err))
			break
		}

		rec, reason := rowToRecord(fields, columns)
		if reason != "" {
			run.Skip(ctx, rowName(fields, columns), fmt.Sprintf("line %d: %s", lineNo, reason))
			continue
		}
		run.Ingest(ctx, rec)
	}

	return run.Complete(ctx)
}

// mapColumns validates the header shape and returns the column index map.
func mapColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if i == 0 {
			name = strings.TrimPrefix(name, "\uFEFF")
		}
		columns[name] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, cerrors.NewValidation(CSVVendor, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")))
	}
	return columns, nil
}

// rowToRecord converts one CSV row into a vendor record, or returns a
// reason why the row is malformed.
func rowToRecord(fields []string, columns map[string]int) (scraper.VendorRecord, string) {
	rec := scraper.VendorRecord{
		Vendor:    CSVVendor,
		Name:      field(fields, columns, "name"),
		Brand:     field(fields, columns, "brand"),
		Category:  field(fields, columns, "category"),
		ScrapedAt: time.Now(),
	}

	priceText := field(fields, columns, "price")
	if priceText == "" {
		return rec, "missing required field: price"
	}
	price, err := parseDecimal(priceText)
	if err != nil {
		return rec, fmt.Sprintf("invalid price %q", priceText)
	}
	if price < 0 {
		return rec, fmt.Sprintf("negative price %q", priceText)
	}
	rec.Price = price

	if raw := field(fields, columns, "attributes_json"); raw != "" {
		attrs := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return rec, fmt.Sprintf("invalid attributes_json: %v", err)
		}
		rec.Attributes = attrs
	}

	if raw := field(fields, columns, "image_urls"); raw != "" {
		var urls []string
		if err := json.Unmarshal([]byte(raw), &urls); err != nil {
			return rec, fmt.Sprintf("invalid image_urls: %v", err)
		}
		rec.ImageURLs = urls
	}

	return rec, ""
}

// parseDecimal accepts both dot and comma decimal separators.
func parseDecimal(text string) (float64, error) {
	text = strings.TrimSpace(text)
	v, err := strconv.ParseFloat(text, 64)
	if err == nil {
		return v, nil
	}
	return strconv.ParseFloat(strings.Replace(text, ",", ".", 1), 64)
}

func field(fields []string, columns map[string]int, name string) string {
	i, ok := columns[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func rowName(fields []string, columns map[string]int) string {
	return field(fields, columns, "name")
}
