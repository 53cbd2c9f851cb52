// Package loader reads store records from CSV and XLSX files.
package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/models"
	"github.com/xuri/excelize/v2"
)

// SkippedRow records why an input row was not imported
type SkippedRow struct {
	Row    int
	Reason string
}

// Report summarises an import
type Report struct {
	Rows    int
	Loaded  int
	Skipped []SkippedRow
}

func (r *Report) skip(row int, format string, args ...any) {
	r.Skipped = append(r.Skipped, SkippedRow{Row: row, Reason: fmt.Sprintf(format, args...)})
}

var columnAliases = map[string]string{
	"id":                  "id",
	"nid":                 "id",
	"title":               "title",
	"name":                "title",
	"lat":                 "lat",
	"latitude":            "lat",
	"lon":                 "lon",
	"lng":                 "lon",
	"longitude":           "lon",
	"address":             "address",
	"address_line1":       "address_line1",
	"address_line2":       "address_line2",
	"locality":            "locality",
	"city":                "locality",
	"administrative_area": "administrative_area",
	"state":               "administrative_area",
	"postal_code":         "postal_code",
	"zip":                 "postal_code",
	"country_code":        "country_code",
	"country":             "country_code",
}

var addressParts = []string{
	"address_line1", "address_line2", "locality",
	"administrative_area", "postal_code", "country_code",
}

// LoadFile reads stores from a .csv, .tsv or .xlsx file
func LoadFile(path string) ([]models.StoreRecord, *Report, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		file, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		comma := ','
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			comma = '\t'
		}
		return ReadCSV(file, comma)

	case ".xlsx":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open workbook: %w", err)
		}
		defer f.Close()

		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil, fmt.Errorf("workbook %s has no sheets", path)
		}
		return ReadSheet(f, sheets[0])

	default:
		return nil, nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// ReadCSV reads stores from delimited text with a header row
func ReadCSV(r io.Reader, comma rune) ([]models.StoreRecord, *Report, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return FromRows(records)
}

// ReadSheet reads stores from a worksheet with a header row
func ReadSheet(f *excelize.File, sheetName string) ([]models.StoreRecord, *Report, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet %s: %w", sheetName, err)
	}
	return FromRows(rows)
}

// FromRows converts a header row plus data rows into stores. Rows with a
// missing or malformed coordinate are skipped and listed in the report.
func FromRows(rows [][]string) ([]models.StoreRecord, *Report, error) {
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("input is empty")
	}

	columns := make(map[string]int)
	for i, name := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := columnAliases[key]; ok {
			if _, dup := columns[canonical]; !dup {
				columns[canonical] = i
			}
		}
	}
	for _, required := range []string{"title", "lat", "lon"} {
		if _, ok := columns[required]; !ok {
			return nil, nil, fmt.Errorf("missing required column %q", required)
		}
	}

	report := &Report{}
	seen := make(map[string]int)
	stores := make([]models.StoreRecord, 0, len(rows)-1)

	for i, row := range rows[1:] {
		rowNum := i + 2 // 1-based, after the header
		if isBlank(row) {
			continue
		}
		report.Rows++

		cell := func(column string) string {
			idx, ok := columns[column]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		lat, err := parseCoord(cell("lat"))
		if err != nil {
			report.skip(rowNum, "latitude: %v", err)
			continue
		}
		lon, err := parseCoord(cell("lon"))
		if err != nil {
			report.skip(rowNum, "longitude: %v", err)
			continue
		}
		loc := models.Location{Lat: lat, Lon: lon}
		if err := geo.ValidateLocation(loc); err != nil {
			report.skip(rowNum, "%v", err)
			continue
		}

		id := cell("id")
		if id == "" {
			id = uuid.NewString()
		}
		if first, dup := seen[id]; dup {
			report.skip(rowNum, "duplicate id %s (first seen on row %d)", id, first)
			continue
		}
		seen[id] = rowNum

		stores = append(stores, models.StoreRecord{
			ID:       id,
			Title:    cell("title"),
			Address:  buildAddress(cell),
			Location: loc,
		})
	}

	report.Loaded = len(stores)
	return stores, report, nil
}

func buildAddress(cell func(string) string) *string {
	if formatted := models.StringPtr(cell("address")); formatted != nil {
		return formatted
	}

	parts := make(map[string]string, len(addressParts))
	for _, part := range addressParts {
		parts[part] = cell(part)
	}
	return models.PostalAddress{
		Line1:              parts["address_line1"],
		Line2:              parts["address_line2"],
		Locality:           parts["locality"],
		AdministrativeArea: parts["administrative_area"],
		PostalCode:         parts["postal_code"],
		CountryCode:        parts["country_code"],
	}.Format()
}

// parseCoord accepts both "13.08" and "13,08"
func parseCoord(val string) (float64, error) {
	val = strings.TrimSpace(strings.ReplaceAll(val, ",", "."))
	if val == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(val, 64)
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
