// Package harmonize joins observation tables from different datasets and
// derives real, per-capita and USD metrics from them.
package harmonize

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lox/imfdata/internal/models"
)

type JoinType int

const (
	// Inner keeps only key tuples present on both sides.
	Inner JoinType = iota
	// Left keeps every left row; unmatched right columns are missing.
	Left
)

func (j JoinType) String() string {
	if j == Left {
		return "left"
	}
	return "inner"
}

const (
	DefaultLeftSuffix  = "_x"
	DefaultRightSuffix = "_y"
)

// DefaultKeys are the key dimensions shared by every IMF observation table.
var DefaultKeys = []string{models.ColRefArea, models.ColTimePeriod}

// Step is one pairwise join onto the accumulated result. When both
// suffixes are empty the defaults _x and _y are used.
type Step struct {
	Right       *models.Table
	LeftSuffix  string
	RightSuffix string
}

func (s Step) suffixes() (string, string) {
	if s.LeftSuffix == "" && s.RightSuffix == "" {
		return DefaultLeftSuffix, DefaultRightSuffix
	}
	return s.LeftSuffix, s.RightSuffix
}

// Join joins first with each step's table in order. Non-key columns that
// collide in a step get that step's suffixes; a column renamed in an
// earlier step keeps its name, so a later table's unsuffixed column of the
// same base name does not collide with it. Inputs are not modified.
func Join(keys []string, how JoinType, first *models.Table, steps ...Step) (*models.Table, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("join needs at least one key column")
	}
	if first == nil {
		return nil, fmt.Errorf("join needs a first table")
	}
	if err := requireColumns(first, keys, 0); err != nil {
		return nil, err
	}

	out := first.Clone()
	for i, s := range steps {
		if s.Right == nil {
			return nil, fmt.Errorf("join step %d: nil table", i+1)
		}
		if err := requireColumns(s.Right, keys, i+1); err != nil {
			return nil, err
		}
		var err error
		out, err = joinPair(keys, how, out, s)
		if err != nil {
			return nil, fmt.Errorf("join step %d: %w", i+1, err)
		}
	}
	return out, nil
}

func requireColumns(t *models.Table, keys []string, idx int) error {
	for _, k := range keys {
		if !t.HasColumn(k) {
			return fmt.Errorf("table %d has no key column %q", idx, k)
		}
	}
	return nil
}

func joinPair(keys []string, how JoinType, left *models.Table, s Step) (*models.Table, error) {
	lsuf, rsuf := s.suffixes()
	right := s.Right

	leftNames := make(map[string]string)
	rightNames := make(map[string]string)
	var cols []string
	for _, c := range left.Columns {
		name := c
		if !slices.Contains(keys, c) && right.HasColumn(c) {
			name = c + lsuf
		}
		leftNames[c] = name
		cols = append(cols, name)
	}
	for _, c := range right.Columns {
		if slices.Contains(keys, c) {
			continue
		}
		name := c
		if left.HasColumn(c) {
			name = c + rsuf
		}
		rightNames[c] = name
		cols = append(cols, name)
	}
	if dup := firstDuplicate(cols); dup != "" {
		return nil, fmt.Errorf("column %q appears twice after applying suffixes %q and %q", dup, lsuf, rsuf)
	}

	index := make(map[string][]models.Row)
	for _, r := range right.Rows {
		k := rowKey(r, keys)
		index[k] = append(index[k], r)
	}

	out := models.NewTable(cols...)
	for _, l := range left.Rows {
		matches := index[rowKey(l, keys)]
		if len(matches) == 0 {
			if how == Left {
				out.Rows = append(out.Rows, renamed(l, leftNames, len(cols)))
			}
			continue
		}
		for _, r := range matches {
			row := renamed(l, leftNames, len(cols))
			for c, name := range rightNames {
				if v, ok := r[c]; ok {
					row[name] = v
				}
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func renamed(r models.Row, names map[string]string, size int) models.Row {
	row := make(models.Row, size)
	for c, name := range names {
		if v, ok := r[c]; ok {
			row[name] = v
		}
	}
	return row
}

func rowKey(r models.Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = r.String(k)
	}
	return strings.Join(parts, "\x1f")
}

func firstDuplicate(cols []string) string {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c] {
			return c
		}
		seen[c] = true
	}
	return ""
}
