package harmonize

import (
	"errors"
	"fmt"

	"github.com/lox/imfdata/internal/catalog"
	"github.com/lox/imfdata/internal/models"
	"github.com/lox/imfdata/internal/rescale"
	"github.com/lox/imfdata/internal/timeperiod"
)

// Column names of the joined RealGDP inputs.
const (
	ColNominal      = "nominal"
	ColDeflator     = "deflator"
	ColPopulation   = "population"
	ColExchangeRate = "exchange_rate"
)

// Input is one raw observation table for the RealGDP pipeline. Reduction
// is required when the table holds sub-annual periods.
type Input struct {
	Table     *models.Table
	Reduction timeperiod.Reduction
}

type RealGDPInputs struct {
	Nominal      Input
	Deflator     Input
	Population   Input // optional
	ExchangeRate Input // optional; local currency per USD
	Prefix       string
	// Labels, when set, decodes ref_area in the result.
	Labels *models.ParameterTable
}

type RealGDPResult struct {
	Table *models.Table
	// Rescale reports keyed by input column name.
	Reports map[string]*rescale.Report
	// Rows whose real value could not be computed.
	Missing int
}

// RealGDP rescales each input, reduces it to annual periods where needed,
// inner-joins them on ref_area and time_period and derives the real
// metrics. Inputs are not modified.
func RealGDP(in RealGDPInputs) (*RealGDPResult, error) {
	res := &RealGDPResult{Reports: make(map[string]*rescale.Report)}

	type named struct {
		name  string
		input Input
	}
	inputs := []named{{ColNominal, in.Nominal}, {ColDeflator, in.Deflator}}
	if in.Population.Table != nil {
		inputs = append(inputs, named{ColPopulation, in.Population})
	}
	if in.ExchangeRate.Table != nil {
		inputs = append(inputs, named{ColExchangeRate, in.ExchangeRate})
	}

	var prepared []*models.Table
	for _, n := range inputs {
		if n.input.Table == nil {
			return nil, fmt.Errorf("%s: input table is required", n.name)
		}
		t, report, err := prepare(n.name, n.input)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.name, err)
		}
		res.Reports[n.name] = report
		prepared = append(prepared, t)
	}

	steps := make([]Step, 0, len(prepared)-1)
	for _, t := range prepared[1:] {
		steps = append(steps, Step{Right: t})
	}
	joined, err := Join(DefaultKeys, Inner, prepared[0], steps...)
	if err != nil {
		return nil, err
	}

	cols := MetricColumns{Nominal: ColNominal, Deflator: ColDeflator, Prefix: in.Prefix}
	if in.Population.Table != nil {
		cols.Population = ColPopulation
	}
	if in.ExchangeRate.Table != nil {
		cols.ExchangeRate = ColExchangeRate
	}
	res.Missing, err = Derive(joined, cols)
	if err != nil {
		return nil, err
	}

	if in.Labels != nil {
		if err := catalog.Decode(joined, models.ColRefArea, in.Labels); err != nil {
			return nil, err
		}
	}
	res.Table = joined
	return res, nil
}

// prepare returns a ref_area, time_period, <name> table with annual
// periods and rescaled values.
func prepare(name string, in Input) (*models.Table, *rescale.Report, error) {
	if !in.Table.HasColumn(models.ColRefArea) {
		return nil, nil, fmt.Errorf("table has no column %q", models.ColRefArea)
	}
	t := in.Table.Clone()
	report, err := rescale.Rescale(t)
	if err != nil {
		return nil, nil, err
	}
	if err := timeperiod.NormalizeColumn(t, models.ColTimePeriod); err != nil {
		return nil, nil, err
	}

	if in.Reduction != 0 {
		t, err = timeperiod.ReduceAnnual(t, in.Reduction, models.ColTimePeriod,
			[]string{models.ColAdjustedValue}, []string{models.ColRefArea})
		if err != nil {
			return nil, nil, err
		}
	} else {
		for _, r := range t.Rows {
			if p := r[models.ColTimePeriod].(timeperiod.Period); p.Frequency != timeperiod.Annual {
				return nil, nil, fmt.Errorf("sub-annual period %s: %w", p, timeperiod.ErrNoReduction)
			}
		}
	}

	out := models.NewTable(models.ColRefArea, models.ColTimePeriod, name)
	for _, r := range t.Rows {
		out.Rows = append(out.Rows, models.Row{
			models.ColRefArea:    r[models.ColRefArea],
			models.ColTimePeriod: r[models.ColTimePeriod],
			name:                 r[models.ColAdjustedValue],
		})
	}
	return out, report, nil
}

// IsNoReduction reports whether err is caused by a missing annual reduction.
func IsNoReduction(err error) bool {
	return errors.Is(err, timeperiod.ErrNoReduction)
}
