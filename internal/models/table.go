package models

import (
	"fmt"
	"math"
	"slices"
	"strconv"
)

// Row maps a column name to its value. Values are strings (codes, labels),
// float64 (NaN when missing) or fmt.Stringer values such as parsed periods.
// A column absent from the map is missing for that row.
type Row map[string]any

// Table is an ordered sequence of rows sharing one ordered column schema.
type Table struct {
	Columns []string
	Rows    []Row
}

func NewTable(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// NewObservationTable builds a table from observations. Dimension columns
// come first in dimOrder, then any other dimensions and attributes sorted by
// name, then the fixed time_format, unit_mult, time_period, obs_value columns.
func NewObservationTable(obs []Observation, dimOrder []string) *Table {
	seen := make(map[string]bool)
	var extra []string
	for _, o := range obs {
		for k := range o.Dimensions {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
		for k := range o.Attributes {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}

	var cols []string
	for _, d := range dimOrder {
		if seen[d] {
			cols = append(cols, d)
		}
	}
	slices.Sort(extra)
	for _, k := range extra {
		if !slices.Contains(cols, k) {
			cols = append(cols, k)
		}
	}
	cols = append(cols, ColTimeFormat, ColUnitMult, ColTimePeriod, ColObsValue)

	t := NewTable(cols...)
	for _, o := range obs {
		row := make(Row, len(cols))
		for k, v := range o.Dimensions {
			row[k] = v
		}
		for k, v := range o.Attributes {
			row[k] = v
		}
		row[ColTimeFormat] = o.TimeFormat
		row[ColUnitMult] = o.UnitMult
		row[ColTimePeriod] = o.TimePeriod
		row[ColObsValue] = o.ObsValue
		t.Rows = append(t.Rows, row)
	}
	return t
}

func (t *Table) Len() int { return len(t.Rows) }

func (t *Table) HasColumn(name string) bool {
	return slices.Contains(t.Columns, name)
}

// AddColumn appends a column to the schema if it is not already present.
func (t *Table) AddColumn(name string) {
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
}

func (t *Table) DropColumn(name string) {
	i := slices.Index(t.Columns, name)
	if i < 0 {
		return
	}
	t.Columns = slices.Delete(t.Columns, i, i+1)
	for _, r := range t.Rows {
		delete(r, name)
	}
}

func (t *Table) RenameColumn(from, to string) error {
	i := slices.Index(t.Columns, from)
	if i < 0 {
		return fmt.Errorf("no column %q", from)
	}
	if t.HasColumn(to) {
		return fmt.Errorf("column %q already exists", to)
	}
	t.Columns[i] = to
	for _, r := range t.Rows {
		if v, ok := r[from]; ok {
			r[to] = v
			delete(r, from)
		}
	}
	return nil
}

// Clone returns a copy whose rows can be modified independently.
func (t *Table) Clone() *Table {
	c := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		c.Rows[i] = r.Clone()
	}
	return c
}

// Column returns the values of a column as text, in row order.
func (t *Table) Column(name string) []string {
	out := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.String(name)
	}
	return out
}

func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// String renders a value as text. Missing values and NaN render as "".
func (r Row) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Float returns a numeric value, parsing text if needed. Missing or
// unparseable values return NaN.
func (r Row) Float(col string) float64 {
	v, ok := r[col]
	if !ok || v == nil {
		return math.NaN()
	}
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
