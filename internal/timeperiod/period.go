// Package timeperiod parses the IMF time_period strings (annual, quarterly
// and monthly) into comparable values and reduces sub-annual series to
// annual ones.
package timeperiod

import (
	"cmp"
	"fmt"
	"strconv"

	"github.com/rickb777/period"

	"github.com/lox/imfdata/internal/models"
)

type Frequency int

const (
	Annual Frequency = iota + 1
	Quarterly
	Monthly
)

func (f Frequency) String() string {
	switch f {
	case Annual:
		return "annual"
	case Quarterly:
		return "quarterly"
	case Monthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// Duration returns the ISO-8601 duration used in time_format for f.
func (f Frequency) Duration() string {
	switch f {
	case Annual:
		return "P1Y"
	case Quarterly:
		return "P3M"
	case Monthly:
		return "P1M"
	default:
		return ""
	}
}

// Period is a parsed time_period. Quarter is set only for quarterly
// periods and Month only for monthly ones.
type Period struct {
	Year      int
	Quarter   int
	Month     int
	Frequency Frequency
}

// String returns the canonical form: "2000", "2000-Q1" or "2000-01".
func (p Period) String() string {
	switch p.Frequency {
	case Quarterly:
		return fmt.Sprintf("%04d-Q%d", p.Year, p.Quarter)
	case Monthly:
		return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
	default:
		return fmt.Sprintf("%04d", p.Year)
	}
}

// LastMonth returns the calendar month the period ends in.
func (p Period) LastMonth() int {
	switch p.Frequency {
	case Quarterly:
		return p.Quarter * 3
	case Monthly:
		return p.Month
	default:
		return 12
	}
}

// IsYearEnd reports whether the period is the last one of its year.
func (p Period) IsYearEnd() bool {
	return p.LastMonth() == 12
}

// Compare orders periods by year, then by the month they end in, with the
// coarser frequency first on ties.
func (p Period) Compare(o Period) int {
	if c := cmp.Compare(p.Year, o.Year); c != 0 {
		return c
	}
	if c := cmp.Compare(p.LastMonth(), o.LastMonth()); c != 0 {
		return c
	}
	return cmp.Compare(p.Frequency, o.Frequency)
}

type MalformedPeriodError struct {
	Value  string
	Reason string
}

func (e *MalformedPeriodError) Error() string {
	return fmt.Sprintf("malformed time period %q: %s", e.Value, e.Reason)
}

// Parse infers the shape from the string: YYYY, YYYY-Qn or YYYY-MM.
func Parse(s string) (Period, error) {
	malformed := func(reason string) (Period, error) {
		return Period{}, &MalformedPeriodError{Value: s, Reason: reason}
	}

	if len(s) < 4 {
		return malformed("want YYYY, YYYY-Qn or YYYY-MM")
	}
	year, ok := digits(s[:4])
	if !ok {
		return malformed("year must be four digits")
	}
	rest := s[4:]

	switch {
	case rest == "":
		return Period{Year: year, Frequency: Annual}, nil
	case len(rest) == 3 && rest[0] == '-' && rest[1] == 'Q':
		q, ok := digits(rest[2:])
		if !ok || q < 1 || q > 4 {
			return malformed("quarter must be 1 to 4")
		}
		return Period{Year: year, Quarter: q, Frequency: Quarterly}, nil
	case len(rest) == 3 && rest[0] == '-':
		m, ok := digits(rest[1:])
		if !ok || m < 1 || m > 12 {
			return malformed("month must be 01 to 12")
		}
		return Period{Year: year, Month: m, Frequency: Monthly}, nil
	default:
		return malformed("want YYYY, YYYY-Qn or YYYY-MM")
	}
}

// ParseWithFormat parses s and checks its shape against the ISO-8601
// duration from the time_format attribute. An empty format is not checked.
func ParseWithFormat(s, timeFormat string) (Period, error) {
	p, err := Parse(s)
	if err != nil {
		return Period{}, err
	}
	if timeFormat == "" {
		return p, nil
	}
	want, err := FrequencyOf(timeFormat)
	if err != nil {
		return Period{}, err
	}
	if want != p.Frequency {
		return Period{}, &MalformedPeriodError{
			Value:  s,
			Reason: fmt.Sprintf("time_format %s expects a %s period", timeFormat, want),
		}
	}
	return p, nil
}

// FrequencyOf maps an ISO-8601 duration such as "P3M" to its frequency.
func FrequencyOf(timeFormat string) (Frequency, error) {
	d, err := period.Parse(timeFormat)
	if err != nil {
		return 0, fmt.Errorf("parse time_format %q: %w", timeFormat, err)
	}
	switch d.String() {
	case "P1Y", "P12M":
		return Annual, nil
	case "P3M":
		return Quarterly, nil
	case "P1M":
		return Monthly, nil
	default:
		return 0, fmt.Errorf("unsupported time_format %q", timeFormat)
	}
}

// NormalizeColumn replaces the text in column with parsed Period values.
// When the table has a time_format column each row is checked against it.
// On error the table is left unmodified.
func NormalizeColumn(t *models.Table, column string) error {
	if !t.HasColumn(column) {
		return fmt.Errorf("table has no column %q", column)
	}
	checkFormat := t.HasColumn(models.ColTimeFormat)

	parsed := make([]Period, len(t.Rows))
	for i, r := range t.Rows {
		if p, ok := r[column].(Period); ok {
			parsed[i] = p
			continue
		}
		format := ""
		if checkFormat {
			format = r.String(models.ColTimeFormat)
		}
		p, err := ParseWithFormat(r.String(column), format)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		parsed[i] = p
	}
	for i, r := range t.Rows {
		r[column] = parsed[i]
	}
	return nil
}

func digits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}
