package models

import (
	"fmt"
	"time"
)

// Column names shared by every observation table.
const (
	ColRefArea       = "ref_area"
	ColTimePeriod    = "time_period"
	ColTimeFormat    = "time_format"
	ColUnitMult      = "unit_mult"
	ColObsValue      = "obs_value"
	ColAdjustedValue = "adjusted_value"
)

type Database struct {
	DatabaseID  string
	Description string
}

type Code struct {
	InputCode   string
	Description string
}

// ParameterDefinition describes one dimension of a database and the code
// list that backs it.
type ParameterDefinition struct {
	Parameter   string
	CodeList    string
	Description string
	// KeyDimension is false for code lists that are not part of the query key.
	KeyDimension bool
}

// ParameterTable holds the valid input codes for each dimension of a
// database, in data structure key order. It is immutable once built.
type ParameterTable struct {
	DatabaseID string
	FetchedAt  time.Time

	dimensions []string
	codes      map[string][]Code
	index      map[string]map[string]string
}

// NewParameterTable validates and indexes codes. Codes must be unique
// within a dimension and every dimension must have an entry in codes.
func NewParameterTable(databaseID string, dimensions []string, codes map[string][]Code) (*ParameterTable, error) {
	pt := &ParameterTable{
		DatabaseID: databaseID,
		FetchedAt:  time.Now().UTC(),
		dimensions: append([]string(nil), dimensions...),
		codes:      make(map[string][]Code, len(dimensions)),
		index:      make(map[string]map[string]string, len(dimensions)),
	}
	for _, dim := range dimensions {
		if _, dup := pt.index[dim]; dup {
			return nil, fmt.Errorf("duplicate dimension %q", dim)
		}
		list, ok := codes[dim]
		if !ok {
			return nil, fmt.Errorf("no codes for dimension %q", dim)
		}
		idx := make(map[string]string, len(list))
		for _, c := range list {
			if _, dup := idx[c.InputCode]; dup {
				return nil, fmt.Errorf("duplicate code %q in dimension %q", c.InputCode, dim)
			}
			idx[c.InputCode] = c.Description
		}
		pt.codes[dim] = append([]Code(nil), list...)
		pt.index[dim] = idx
	}
	return pt, nil
}

// Dimensions returns the dimension names in key order.
func (p *ParameterTable) Dimensions() []string {
	return append([]string(nil), p.dimensions...)
}

func (p *ParameterTable) HasDimension(dim string) bool {
	_, ok := p.index[dim]
	return ok
}

// Codes returns a copy of the ordered codes for a dimension.
func (p *ParameterTable) Codes(dim string) ([]Code, bool) {
	list, ok := p.codes[dim]
	if !ok {
		return nil, false
	}
	return append([]Code(nil), list...), true
}

// Lookup returns the description for a code.
func (p *ParameterTable) Lookup(dim, code string) (string, bool) {
	idx, ok := p.index[dim]
	if !ok {
		return "", false
	}
	desc, ok := idx[code]
	return desc, ok
}

// Observation is one row of a dataset as returned by a single query.
type Observation struct {
	Dimensions map[string]string
	// Attributes holds observation-level attributes other than the fixed fields.
	Attributes map[string]string
	TimePeriod string
	TimeFormat string
	ObsValue   string
	UnitMult   string
}
