package export

import (
	"fmt"
	"io"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/lox/imfdata/internal/models"
)

const DefaultSheet = "data"

// WriteXLSX writes the table to a single-sheet workbook. Numeric values are
// written as numbers and missing values as empty cells.
func WriteXLSX(w io.Writer, t *models.Table) error {
	f, err := newWorkbook(t)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func newWorkbook(t *models.Table) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), DefaultSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(DefaultSheet, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	values := make([]any, len(t.Columns))
	for i, r := range t.Rows {
		for j, c := range t.Columns {
			values[j] = cellValue(r, c)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(DefaultSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	return f, nil
}

func cellValue(r models.Row, col string) any {
	switch v := r[col].(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	default:
		return r.String(col)
	}
}

// ReadXLSX reads a sheet (the first one when sheet is empty) into a table.
// All values are text.
func ReadXLSX(r io.Reader, sheet string) (*models.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q has no header row", sheet)
	}
	return fromRecords(rows)
}
