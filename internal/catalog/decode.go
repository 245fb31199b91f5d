package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lox/imfdata/internal/metrics"
	"github.com/lox/imfdata/internal/models"
)

// UnknownCodeError reports codes in a column that have no description in
// the catalog. Decoding an already-decoded column fails this way.
type UnknownCodeError struct {
	Dimension string
	Codes     []string
	Rows      int
}

func (e *UnknownCodeError) Error() string {
	return fmt.Sprintf("dimension %q: %d rows with codes not in catalog: %s",
		e.Dimension, e.Rows, strings.Join(e.Codes, ", "))
}

// Decode replaces the codes in the dimension column with their descriptions.
// The column keeps its name and the codes are discarded. If any row's code
// is unknown the table is left untouched and an *UnknownCodeError is
// returned. No row is ever dropped.
func Decode(t *models.Table, dimension string, catalog *models.ParameterTable) error {
	labels, uerr, err := resolve(t, dimension, catalog)
	if err != nil {
		return err
	}
	if uerr != nil {
		return uerr
	}
	for i, r := range t.Rows {
		r[dimension] = labels[i]
	}
	return nil
}

// DecodeTolerant decodes like Decode but explicitly tolerates unknown codes:
// those rows get an empty label. The unknown codes are returned so the
// caller can still report them.
func DecodeTolerant(t *models.Table, dimension string, catalog *models.ParameterTable) ([]string, error) {
	labels, uerr, err := resolve(t, dimension, catalog)
	if err != nil {
		return nil, err
	}
	for i, r := range t.Rows {
		r[dimension] = labels[i]
	}
	if uerr != nil {
		return uerr.Codes, nil
	}
	return nil, nil
}

// DecodeAll decodes each listed dimension in turn, stopping at the first
// failure.
func DecodeAll(t *models.Table, catalog *models.ParameterTable, dimensions ...string) error {
	for _, dim := range dimensions {
		if err := Decode(t, dim, catalog); err != nil {
			return err
		}
	}
	return nil
}

func resolve(t *models.Table, dimension string, catalog *models.ParameterTable) ([]string, *UnknownCodeError, error) {
	if !t.HasColumn(dimension) {
		return nil, nil, fmt.Errorf("table has no column %q", dimension)
	}
	if !catalog.HasDimension(dimension) {
		return nil, nil, fmt.Errorf("catalog %s has no dimension %q", catalog.DatabaseID, dimension)
	}

	labels := make([]string, len(t.Rows))
	var unknown []string
	rows := 0
	for i, r := range t.Rows {
		code := r.String(dimension)
		desc, ok := catalog.Lookup(dimension, code)
		if !ok {
			rows++
			if !slices.Contains(unknown, code) {
				unknown = append(unknown, code)
			}
			continue
		}
		labels[i] = desc
	}
	if rows == 0 {
		return labels, nil, nil
	}
	metrics.UnknownCodes.WithLabelValues(dimension).Add(float64(rows))
	return labels, &UnknownCodeError{Dimension: dimension, Codes: unknown, Rows: rows}, nil
}
