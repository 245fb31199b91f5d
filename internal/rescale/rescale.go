// Package rescale applies the IMF unit multiplier (a power-of-ten exponent)
// to observation values.
package rescale

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lox/imfdata/internal/metrics"
	"github.com/lox/imfdata/internal/models"
)

// NonNumericValueError means unit_mult is not an integer exponent, or
// obs_value is present but not a finite number.
type NonNumericValueError struct {
	Field  string
	Value  string
	Reason string
}

func (e *NonNumericValueError) Error() string {
	return fmt.Sprintf("%s %q %s", e.Field, e.Value, e.Reason)
}

// MissingValueError means obs_value is empty.
type MissingValueError struct{}

func (e *MissingValueError) Error() string {
	return "obs_value is empty"
}

// RescaleRecord returns obs_value * 10^unit_mult. An empty unit_mult is
// treated as zero.
func RescaleRecord(obs models.Observation) (float64, error) {
	return scale(obs.ObsValue, obs.UnitMult)
}

func scale(value, unitMult string) (float64, error) {
	exp := 0
	if m := strings.TrimSpace(unitMult); m != "" {
		n, err := strconv.Atoi(m)
		if err != nil {
			return 0, &NonNumericValueError{Field: models.ColUnitMult, Value: unitMult, Reason: "is not an integer"}
		}
		exp = n
	}

	v := strings.TrimSpace(value)
	if v == "" {
		return 0, &MissingValueError{}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &NonNumericValueError{Field: models.ColObsValue, Value: value, Reason: "is not a finite number"}
	}
	scaled := f * math.Pow10(exp)
	if math.IsInf(scaled, 0) {
		return 0, &NonNumericValueError{Field: models.ColUnitMult, Value: unitMult, Reason: "overflows " + value}
	}
	return scaled, nil
}

// RowError records why one row could not be rescaled.
type RowError struct {
	Row int
	Err error
}

// Report summarises a table-level rescale.
type Report struct {
	Rescaled int
	Failures []RowError
}

func (r *Report) Failed() int { return len(r.Failures) }

// Rescale writes obs_value * 10^unit_mult into the adjusted_value column of
// every row. Rows that fail get NaN and are recorded in the report; the
// rest of the table is still processed. Use DropMissing to remove them.
func Rescale(t *models.Table) (*Report, error) {
	for _, c := range []string{models.ColObsValue, models.ColUnitMult} {
		if !t.HasColumn(c) {
			return nil, fmt.Errorf("table has no column %q", c)
		}
	}

	t.AddColumn(models.ColAdjustedValue)
	report := &Report{}
	for i, r := range t.Rows {
		v, err := scale(r.String(models.ColObsValue), r.String(models.ColUnitMult))
		if err != nil {
			r[models.ColAdjustedValue] = math.NaN()
			report.Failures = append(report.Failures, RowError{Row: i, Err: err})
			continue
		}
		r[models.ColAdjustedValue] = v
		report.Rescaled++
	}
	return report, nil
}

// DropMissing removes rows whose column is missing or NaN and returns how
// many were removed.
func DropMissing(t *models.Table, column string) int {
	kept := t.Rows[:0]
	for _, r := range t.Rows {
		if !math.IsNaN(r.Float(column)) {
			kept = append(kept, r)
		}
	}
	dropped := len(t.Rows) - len(kept)
	clear(t.Rows[len(kept):])
	t.Rows = kept
	if dropped > 0 {
		metrics.RowsDropped.WithLabelValues(column).Add(float64(dropped))
	}
	return dropped
}
