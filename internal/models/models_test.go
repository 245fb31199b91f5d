package models

import (
	"math"
	"slices"
	"testing"
)

func TestNewParameterTable(t *testing.T) {
	codes := map[string][]Code{
		"freq":     {{InputCode: "A", Description: "Annual"}, {InputCode: "Q", Description: "Quarterly"}},
		"ref_area": {{InputCode: "US", Description: "United States"}},
	}
	pt, err := NewParameterTable("IFS", []string{"freq", "ref_area"}, codes)
	if err != nil {
		t.Fatalf("NewParameterTable: %v", err)
	}

	if !slices.Equal(pt.Dimensions(), []string{"freq", "ref_area"}) {
		t.Errorf("Dimensions() = %v", pt.Dimensions())
	}
	if desc, ok := pt.Lookup("freq", "Q"); !ok || desc != "Quarterly" {
		t.Errorf("Lookup(freq, Q) = %q, %v", desc, ok)
	}
	if _, ok := pt.Lookup("freq", "M"); ok {
		t.Error("Lookup(freq, M) should miss")
	}
	if _, ok := pt.Lookup("indicator", "A"); ok {
		t.Error("Lookup on unknown dimension should miss")
	}

	// Mutating inputs or returned slices does not change the table.
	codes["freq"][0].Description = "changed"
	got, _ := pt.Codes("freq")
	got[1].Description = "changed"
	if desc, _ := pt.Lookup("freq", "A"); desc != "Annual" {
		t.Errorf("table mutated through input: %q", desc)
	}
	if again, _ := pt.Codes("freq"); again[1].Description != "Quarterly" {
		t.Errorf("table mutated through Codes(): %q", again[1].Description)
	}
}

func TestNewParameterTable_Errors(t *testing.T) {
	tests := []struct {
		name  string
		dims  []string
		codes map[string][]Code
	}{
		{"duplicate dimension", []string{"freq", "freq"}, map[string][]Code{"freq": nil}},
		{"missing codes", []string{"freq", "ref_area"}, map[string][]Code{"freq": nil}},
		{"duplicate code", []string{"freq"}, map[string][]Code{"freq": {{InputCode: "A"}, {InputCode: "A"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewParameterTable("IFS", tt.dims, tt.codes); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewObservationTable(t *testing.T) {
	obs := []Observation{
		{
			Dimensions: map[string]string{"ref_area": "US", "freq": "A", "indicator": "NGDP_XDC"},
			Attributes: map[string]string{"obs_status": "E"},
			TimePeriod: "2020", TimeFormat: "P1Y", ObsValue: "1.5", UnitMult: "6",
		},
		{
			Dimensions: map[string]string{"ref_area": "GB", "freq": "A", "indicator": "NGDP_XDC", "base_year": "2015"},
			TimePeriod: "2021", TimeFormat: "P1Y", ObsValue: "2", UnitMult: "6",
		},
	}

	tbl := NewObservationTable(obs, []string{"freq", "ref_area", "indicator", "sector"})
	want := []string{"freq", "ref_area", "indicator", "base_year", "obs_status", "time_format", "unit_mult", "time_period", "obs_value"}
	if !slices.Equal(tbl.Columns, want) {
		t.Errorf("columns = %v, want %v", tbl.Columns, want)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d", tbl.Len())
	}
	if tbl.Rows[0].String("obs_status") != "E" || tbl.Rows[1].String("obs_status") != "" {
		t.Errorf("obs_status = %q, %q", tbl.Rows[0].String("obs_status"), tbl.Rows[1].String("obs_status"))
	}
	if tbl.Rows[1].String(ColTimePeriod) != "2021" {
		t.Errorf("time_period = %q", tbl.Rows[1].String(ColTimePeriod))
	}
}

func TestTableColumns(t *testing.T) {
	tbl := NewTable("a", "b")
	tbl.Rows = []Row{{"a": "1", "b": "2"}}

	tbl.AddColumn("c")
	tbl.AddColumn("a")
	if !slices.Equal(tbl.Columns, []string{"a", "b", "c"}) {
		t.Errorf("after AddColumn = %v", tbl.Columns)
	}

	if err := tbl.RenameColumn("b", "bee"); err != nil {
		t.Fatalf("RenameColumn: %v", err)
	}
	if tbl.Rows[0].String("bee") != "2" || tbl.Rows[0].String("b") != "" {
		t.Errorf("row = %v", tbl.Rows[0])
	}
	if err := tbl.RenameColumn("missing", "x"); err == nil {
		t.Error("renaming a missing column should fail")
	}
	if err := tbl.RenameColumn("a", "bee"); err == nil {
		t.Error("renaming onto an existing column should fail")
	}

	tbl.DropColumn("a")
	tbl.DropColumn("nope")
	if !slices.Equal(tbl.Columns, []string{"bee", "c"}) {
		t.Errorf("after DropColumn = %v", tbl.Columns)
	}
	if _, ok := tbl.Rows[0]["a"]; ok {
		t.Error("dropped value still in row")
	}
}

func TestTableClone(t *testing.T) {
	tbl := NewTable("a")
	tbl.Rows = []Row{{"a": "1"}}

	c := tbl.Clone()
	c.Rows[0]["a"] = "2"
	c.AddColumn("b")

	if tbl.Rows[0].String("a") != "1" || tbl.HasColumn("b") {
		t.Error("clone shares state with original")
	}
	if got := c.Column("a"); !slices.Equal(got, []string{"2"}) {
		t.Errorf("Column(a) = %v", got)
	}
}

type label string

func (l label) String() string { return "label:" + string(l) }

func TestRowValues(t *testing.T) {
	r := Row{
		"text":     "abc",
		"num":      "12.5",
		"float":    200.0,
		"nan":      math.NaN(),
		"int":      3,
		"nil":      nil,
		"stringer": label("x"),
	}

	strs := map[string]string{
		"text": "abc", "num": "12.5", "float": "200", "nan": "", "int": "3",
		"nil": "", "missing": "", "stringer": "label:x",
	}
	for col, want := range strs {
		if got := r.String(col); got != want {
			t.Errorf("String(%s) = %q, want %q", col, got, want)
		}
	}

	floats := map[string]float64{"num": 12.5, "float": 200, "int": 3}
	for col, want := range floats {
		if got := r.Float(col); got != want {
			t.Errorf("Float(%s) = %v, want %v", col, got, want)
		}
	}
	for _, col := range []string{"text", "nan", "nil", "missing", "stringer"} {
		if got := r.Float(col); !math.IsNaN(got) {
			t.Errorf("Float(%s) = %v, want NaN", col, got)
		}
	}
}
