// Package export writes tables to CSV and XLSX files and reads them back
// as pipeline inputs.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/lox/imfdata/internal/models"
)

// WriteCSV writes the table with a header row. Missing and NaN values are
// written as empty fields.
func WriteCSV(w io.Writer, t *models.Table) error {
	cw := gocsv.NewSafeCSVWriter(csv.NewWriter(w))
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(t.Columns))
	for i, r := range t.Rows {
		for j, c := range t.Columns {
			record[j] = r.String(c)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a table written by WriteCSV. All values are text.
func ReadCSV(r io.Reader) (*models.Table, error) {
	records, err := gocsv.LazyCSVReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read csv: no header row")
	}
	return fromRecords(records)
}

func fromRecords(records [][]string) (*models.Table, error) {
	header := records[0]
	seen := make(map[string]bool, len(header))
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if seen[header[i]] {
			return nil, fmt.Errorf("duplicate column %q in header", header[i])
		}
		seen[header[i]] = true
	}
	t := models.NewTable(header...)
	for _, rec := range records[1:] {
		row := make(models.Row, len(header))
		for j, c := range header {
			if j < len(rec) {
				row[c] = rec[j]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

type databaseRow struct {
	DatabaseID  string `csv:"database_id"`
	Description string `csv:"description"`
}

// WriteDatabases writes the database list as CSV.
func WriteDatabases(w io.Writer, dbs []models.Database) error {
	rows := make([]databaseRow, len(dbs))
	for i, d := range dbs {
		rows[i] = databaseRow{DatabaseID: d.DatabaseID, Description: d.Description}
	}
	return gocsv.Marshal(rows, w)
}

type definitionRow struct {
	Parameter    string `csv:"parameter"`
	CodeList     string `csv:"code_list"`
	Description  string `csv:"description"`
	KeyDimension bool   `csv:"key_dimension"`
}

// WriteDefinitions writes parameter definitions as CSV.
func WriteDefinitions(w io.Writer, defs []models.ParameterDefinition) error {
	rows := make([]definitionRow, len(defs))
	for i, d := range defs {
		rows[i] = definitionRow(d)
	}
	return gocsv.Marshal(rows, w)
}

// WriteFile writes t to path, choosing CSV or XLSX by extension.
func WriteFile(path string, t *models.Table) error {
	write := WriteCSV
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		write = WriteXLSX
	case ".csv", "":
	default:
		return fmt.Errorf("unsupported export format %q (use .csv or .xlsx)", filepath.Ext(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a CSV or XLSX file written by WriteFile.
func ReadFile(path string) (*models.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.ToLower(filepath.Ext(path)) == ".xlsx" {
		return ReadXLSX(f, "")
	}
	return ReadCSV(f)
}
