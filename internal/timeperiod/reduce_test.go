package timeperiod

import (
	"errors"
	"math"
	"testing"

	"github.com/lox/imfdata/internal/models"
)

func quarterly(area string, year string, values ...float64) []models.Row {
	var rows []models.Row
	for i, v := range values {
		rows = append(rows, models.Row{
			"ref_area":           area,
			models.ColTimeFormat: "P3M",
			models.ColTimePeriod: year + "-Q" + string(rune('1'+i)),
			"value":              v,
		})
	}
	return rows
}

func valueTable(rows ...[]models.Row) *models.Table {
	tbl := models.NewTable("ref_area", models.ColTimeFormat, models.ColTimePeriod, "value")
	for _, r := range rows {
		tbl.Rows = append(tbl.Rows, r...)
	}
	return tbl
}

func TestReduceAnnual(t *testing.T) {
	tests := []struct {
		name     string
		strategy Reduction
		want     map[string]float64
	}{
		{"year end", YearEndSnapshot, map[string]float64{"US/2000": 4, "GB/2000": 40}},
		{"mean", AnnualMean, map[string]float64{"US/2000": 2.5, "GB/2000": 25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := valueTable(quarterly("US", "2000", 1, 2, 3, 4), quarterly("GB", "2000", 10, 20, 30, 40))
			out, err := ReduceAnnual(tbl, tt.strategy, models.ColTimePeriod, []string{"value"}, []string{"ref_area"})
			if err != nil {
				t.Fatalf("ReduceAnnual: %v", err)
			}
			if out.Len() != len(tt.want) {
				t.Fatalf("Len() = %d, want %d", out.Len(), len(tt.want))
			}
			for _, r := range out.Rows {
				key := r.String("ref_area") + "/" + r.String(models.ColTimePeriod)
				if got := r.Float("value"); got != tt.want[key] {
					t.Errorf("%s = %v, want %v", key, got, tt.want[key])
				}
				if r.String(models.ColTimeFormat) != "P1Y" {
					t.Errorf("%s time_format = %q", key, r.String(models.ColTimeFormat))
				}
			}
		})
	}
}

func TestReduceAnnual_ZeroStrategyRejected(t *testing.T) {
	tbl := valueTable(quarterly("US", "2000", 1, 2, 3, 4))
	var zero Reduction
	_, err := ReduceAnnual(tbl, zero, models.ColTimePeriod, []string{"value"}, []string{"ref_area"})
	if !errors.Is(err, ErrNoReduction) {
		t.Errorf("err = %v, want ErrNoReduction", err)
	}
}

func TestReduceAnnual_MissingYearEnd(t *testing.T) {
	tbl := valueTable(quarterly("US", "2000", 1, 2, 3), quarterly("US", "2001", 5, 6, 7, 8))
	out, err := ReduceAnnual(tbl, YearEndSnapshot, models.ColTimePeriod, []string{"value"}, []string{"ref_area"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 1 || out.Rows[0].String(models.ColTimePeriod) != "2001" {
		t.Errorf("rows = %v", out.Rows)
	}
}

func TestReduceAnnual_AnnualPassesThrough(t *testing.T) {
	tbl := valueTable(quarterly("US", "2000", 1, 2, 3, 4))
	tbl.Rows = append(tbl.Rows,
		models.Row{"ref_area": "US", models.ColTimeFormat: "P1Y", models.ColTimePeriod: "2000", "value": 99.0},
		models.Row{"ref_area": "US", models.ColTimeFormat: "P1Y", models.ColTimePeriod: "2001", "value": "7"},
	)

	out, err := ReduceAnnual(tbl, AnnualMean, models.ColTimePeriod, []string{"value"}, []string{"ref_area"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 2 {
		t.Fatalf("Len() = %d", out.Len())
	}
	if out.Rows[0].Float("value") != 99 || out.Rows[1].Float("value") != 7 {
		t.Errorf("rows = %v", out.Rows)
	}
}

func TestReduceAnnual_MonthlyMeanSkipsMissing(t *testing.T) {
	tbl := valueTable()
	for m, v := range []float64{1, math.NaN(), 3} {
		tbl.Rows = append(tbl.Rows, models.Row{
			"ref_area":           "US",
			models.ColTimeFormat: "P1M",
			models.ColTimePeriod: Period{Year: 2000, Month: m + 1, Frequency: Monthly},
			"value":              v,
		})
	}
	out, err := ReduceAnnual(tbl, AnnualMean, models.ColTimePeriod, []string{"value"}, []string{"ref_area"})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Rows[0].Float("value"); got != 2 {
		t.Errorf("mean = %v, want 2", got)
	}
}

func TestParseReduction(t *testing.T) {
	if r, err := ParseReduction("year-end"); err != nil || r != YearEndSnapshot {
		t.Errorf("year-end = %v, %v", r, err)
	}
	if r, err := ParseReduction("Mean"); err != nil || r != AnnualMean {
		t.Errorf("Mean = %v, %v", r, err)
	}
	if _, err := ParseReduction(""); !errors.Is(err, ErrNoReduction) {
		t.Errorf("empty err = %v", err)
	}
	if _, err := ParseReduction("median"); err == nil {
		t.Error("median should fail")
	}
}
