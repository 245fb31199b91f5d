package timeperiod

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lox/imfdata/internal/models"
)

// Reduction selects how sub-annual observations become one annual value.
// The zero value is invalid; callers must pick one.
type Reduction int

const (
	// YearEndSnapshot keeps the Q4 or December observation. Suited to stock
	// variables such as population or end-of-period exchange rates.
	YearEndSnapshot Reduction = iota + 1
	// AnnualMean averages the observations within the year. Suited to flow
	// variables and period-average rates.
	AnnualMean
)

var ErrNoReduction = errors.New("no annual reduction strategy chosen")

func (r Reduction) String() string {
	switch r {
	case YearEndSnapshot:
		return "year-end"
	case AnnualMean:
		return "mean"
	default:
		return "none"
	}
}

// ParseReduction accepts the names printed by Reduction.String.
func ParseReduction(s string) (Reduction, error) {
	switch strings.ToLower(s) {
	case "year-end", "yearend", "snapshot":
		return YearEndSnapshot, nil
	case "mean", "average":
		return AnnualMean, nil
	case "", "none":
		return 0, ErrNoReduction
	default:
		return 0, fmt.Errorf("unknown annual reduction %q (valid: year-end, mean)", s)
	}
}

type groupYear struct {
	key  string
	year int
}

type bucket struct {
	first  models.Row
	annual models.Row
	// sub-annual rows of the coarsest frequency seen for the year
	freq Frequency
	rows []subRow
}

type subRow struct {
	period Period
	row    models.Row
}

// ReduceAnnual returns a new table with one row per group and year. Groups
// are identified by groupKeys. Rows that are already annual pass through
// and take precedence over sub-annual rows for the same year. Where a year
// has both quarterly and monthly rows the quarterly rows are used.
//
// YearEndSnapshot omits a year whose closing observation is missing.
// AnnualMean averages the non-missing values present. The output carries
// groupKeys, periodColumn, valueColumns and time_format (set to P1Y).
func ReduceAnnual(t *models.Table, strategy Reduction, periodColumn string, valueColumns, groupKeys []string) (*models.Table, error) {
	if strategy != YearEndSnapshot && strategy != AnnualMean {
		return nil, ErrNoReduction
	}
	for _, c := range append(append([]string{periodColumn}, valueColumns...), groupKeys...) {
		if !t.HasColumn(c) {
			return nil, fmt.Errorf("table has no column %q", c)
		}
	}

	var order []groupYear
	buckets := make(map[groupYear]*bucket)
	for i, r := range t.Rows {
		p, err := periodOf(r, periodColumn)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		gy := groupYear{key: groupKey(r, groupKeys), year: p.Year}
		b, ok := buckets[gy]
		if !ok {
			b = &bucket{first: r}
			buckets[gy] = b
			order = append(order, gy)
		}
		switch {
		case p.Frequency == Annual:
			if b.annual == nil {
				b.annual = r
			}
		case b.freq == 0 || p.Frequency < b.freq:
			b.freq = p.Frequency
			b.rows = []subRow{{p, r}}
		case p.Frequency == b.freq:
			b.rows = append(b.rows, subRow{p, r})
		}
	}

	cols := append(append([]string{}, groupKeys...), models.ColTimeFormat, periodColumn)
	cols = append(cols, valueColumns...)
	out := models.NewTable(cols...)

	for _, gy := range order {
		b := buckets[gy]
		row := make(models.Row, len(cols))
		for _, k := range groupKeys {
			row[k] = b.first[k]
		}
		row[models.ColTimeFormat] = Annual.Duration()
		row[periodColumn] = Period{Year: gy.year, Frequency: Annual}

		switch {
		case b.annual != nil:
			for _, c := range valueColumns {
				row[c] = b.annual.Float(c)
			}
		case strategy == YearEndSnapshot:
			end := yearEnd(b.rows)
			if end == nil {
				continue
			}
			for _, c := range valueColumns {
				row[c] = end.Float(c)
			}
		case strategy == AnnualMean:
			for _, c := range valueColumns {
				row[c] = mean(b.rows, c)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func periodOf(r models.Row, column string) (Period, error) {
	if p, ok := r[column].(Period); ok {
		return p, nil
	}
	return ParseWithFormat(r.String(column), r.String(models.ColTimeFormat))
}

func groupKey(r models.Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = r.String(k)
	}
	return strings.Join(parts, "\x1f")
}

func yearEnd(rows []subRow) models.Row {
	for _, s := range rows {
		if s.period.IsYearEnd() {
			return s.row
		}
	}
	return nil
}

func mean(rows []subRow, column string) float64 {
	sum, n := 0.0, 0
	for _, s := range rows {
		v := s.row.Float(column)
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
