package harmonize

import (
	"fmt"
	"math"

	"github.com/lox/imfdata/internal/models"
)

const DefaultPrefix = "real_value"

// MetricColumns names the input columns of a joined table and the prefix of
// the derived columns. Population and ExchangeRate are optional; the
// metrics that need them are skipped when they are empty.
type MetricColumns struct {
	Nominal      string
	Deflator     string
	Population   string
	ExchangeRate string // local currency per USD
	Prefix       string
}

func (m MetricColumns) prefix() string {
	if m.Prefix == "" {
		return DefaultPrefix
	}
	return m.Prefix
}

// Names returns the derived column names in the order Derive adds them.
func (m MetricColumns) Names() []string {
	p := m.prefix()
	names := []string{p}
	if m.Population != "" {
		names = append(names, p+"_per_capita")
	}
	if m.ExchangeRate != "" {
		names = append(names, p+"_usd")
		if m.Population != "" {
			names = append(names, p+"_usd_per_capita")
		}
	}
	return names
}

// Derive adds the real, per-capita and USD columns to t:
//
//	real                = nominal / deflator * 100
//	real_per_capita     = real / population
//	real_usd            = real / exchange_rate
//	real_usd_per_capita = real_usd / population
//
// A missing operand or zero denominator yields NaN for that row only. The
// number of rows with a NaN real value is returned.
func Derive(t *models.Table, m MetricColumns) (int, error) {
	if m.Nominal == "" || m.Deflator == "" {
		return 0, fmt.Errorf("nominal and deflator columns are required")
	}
	for _, c := range []string{m.Nominal, m.Deflator, m.Population, m.ExchangeRate} {
		if c != "" && !t.HasColumn(c) {
			return 0, fmt.Errorf("table has no column %q", c)
		}
	}

	p := m.prefix()
	for _, name := range m.Names() {
		t.AddColumn(name)
	}

	missing := 0
	for _, r := range t.Rows {
		value := div(r.Float(m.Nominal), r.Float(m.Deflator)) * 100
		if math.IsNaN(value) {
			missing++
		}
		r[p] = value

		if m.Population != "" {
			r[p+"_per_capita"] = div(value, r.Float(m.Population))
		}
		if m.ExchangeRate != "" {
			usd := div(value, r.Float(m.ExchangeRate))
			r[p+"_usd"] = usd
			if m.Population != "" {
				r[p+"_usd_per_capita"] = div(usd, r.Float(m.Population))
			}
		}
	}
	return missing, nil
}

func div(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) || b == 0 {
		return math.NaN()
	}
	return a / b
}
