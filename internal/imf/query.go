package imf

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DatasetQuery selects series from one database. Filters map a dimension
// name to the codes to include; dimensions left out match every code.
type DatasetQuery struct {
	DatabaseID string              `validate:"required"`
	Filters    map[string][]string `validate:"dive,keys,required,endkeys,dive,required"`
	StartYear  int                 `validate:"omitempty,gte=1000,lte=9999"`
	EndYear    int                 `validate:"omitempty,gte=1000,lte=9999"`
}

// Build returns the compact data key and query parameters. Filters on
// dimensions the database does not have are rejected; they are never
// silently dropped.
func (q DatasetQuery) Build(dims []string) (string, url.Values, error) {
	if err := validate.Struct(q); err != nil {
		return "", nil, fmt.Errorf("invalid dataset query: %w", err)
	}
	if q.StartYear != 0 && q.EndYear != 0 && q.EndYear < q.StartYear {
		return "", nil, fmt.Errorf("invalid dataset query: end year %d before start year %d", q.EndYear, q.StartYear)
	}

	var unknown []string
	for dim := range q.Filters {
		if !slices.Contains(dims, dim) {
			unknown = append(unknown, dim)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return "", nil, fmt.Errorf("invalid dataset query: %s has no dimension %s (valid: %s)",
			q.DatabaseID, strings.Join(unknown, ", "), strings.Join(dims, ", "))
	}

	parts := make([]string, len(dims))
	for i, dim := range dims {
		codes := make([]string, 0, len(q.Filters[dim]))
		for _, code := range q.Filters[dim] {
			codes = append(codes, url.PathEscape(code))
		}
		parts[i] = strings.Join(codes, "+")
	}

	params := url.Values{}
	if q.StartYear != 0 {
		params.Set("startPeriod", strconv.Itoa(q.StartYear))
	}
	if q.EndYear != 0 {
		params.Set("endPeriod", strconv.Itoa(q.EndYear))
	}
	return strings.Join(parts, "."), params, nil
}

// ParseFilter parses "dim=CODE1+CODE2" into its dimension and codes.
func ParseFilter(s string) (string, []string, error) {
	dim, codes, ok := strings.Cut(s, "=")
	dim = strings.ToLower(strings.TrimSpace(dim))
	if !ok || dim == "" || codes == "" {
		return "", nil, fmt.Errorf("filter %q: want dimension=CODE[+CODE...]", s)
	}
	var out []string
	for _, c := range strings.FieldsFunc(codes, func(r rune) bool { return r == '+' || r == ',' }) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "", nil, fmt.Errorf("filter %q: no codes", s)
	}
	return dim, out, nil
}
