package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lox/imfdata/internal/catalog"
	"github.com/lox/imfdata/internal/export"
	"github.com/lox/imfdata/internal/harmonize"
	"github.com/lox/imfdata/internal/imf"
	"github.com/lox/imfdata/internal/models"
	"github.com/lox/imfdata/internal/rescale"
	"github.com/lox/imfdata/internal/timeperiod"
)

type DatabasesCmd struct {
	Out string `short:"o" help:"Write to a .csv or .xlsx file instead of stdout."`
}

func (c *DatabasesCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	dbs, err := a.resolver.Databases(ctx)
	if err != nil {
		return err
	}
	if c.Out == "" {
		return export.WriteDatabases(os.Stdout, dbs)
	}

	t := models.NewTable("database_id", "description")
	for _, d := range dbs {
		t.Rows = append(t.Rows, models.Row{"database_id": d.DatabaseID, "description": d.Description})
	}
	return writeTable(c.Out, t)
}

type ParametersCmd struct {
	Database    string `arg:"" help:"Database ID, e.g. IFS."`
	Dimension   string `help:"Only list the codes of this dimension."`
	Definitions bool   `help:"List parameter definitions instead of codes."`
	All         bool   `help:"With --definitions, include code lists that are not query dimensions."`
	Refresh     bool   `help:"Drop the cached catalog and fetch it again."`
	Out         string `short:"o" help:"Write to a .csv or .xlsx file instead of stdout."`
}

func (c *ParametersCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Refresh {
		if err := a.resolver.Invalidate(c.Database); err != nil {
			return err
		}
	}

	if c.Definitions {
		defs, err := a.resolver.Definitions(ctx, c.Database, !c.All)
		if err != nil {
			return notFoundHint(err)
		}
		if c.Out == "" {
			return export.WriteDefinitions(os.Stdout, defs)
		}
		t := models.NewTable("parameter", "code_list", "description", "key_dimension")
		for _, d := range defs {
			t.Rows = append(t.Rows, models.Row{
				"parameter":     d.Parameter,
				"code_list":     d.CodeList,
				"description":   d.Description,
				"key_dimension": fmt.Sprint(d.KeyDimension),
			})
		}
		return writeTable(c.Out, t)
	}

	pt, err := a.resolver.Fetch(ctx, c.Database)
	if err != nil {
		return notFoundHint(err)
	}
	dims := pt.Dimensions()
	if c.Dimension != "" {
		dim := strings.ToLower(c.Dimension)
		if !pt.HasDimension(dim) {
			return fmt.Errorf("database %s has no dimension %q (valid: %s)", c.Database, dim, strings.Join(dims, ", "))
		}
		dims = []string{dim}
	}

	t := models.NewTable("parameter", "input_code", "description")
	for _, dim := range dims {
		codes, _ := pt.Codes(dim)
		for _, code := range codes {
			t.Rows = append(t.Rows, models.Row{"parameter": dim, "input_code": code.InputCode, "description": code.Description})
		}
	}
	return writeTable(c.Out, t)
}

type DatasetCmd struct {
	Database    string   `arg:"" help:"Database ID, e.g. IFS."`
	Filter      []string `short:"f" sep:"none" help:"Filter as dimension=CODE[+CODE...]; repeatable."`
	Start       int      `help:"First year to include."`
	End         int      `help:"Last year to include."`
	Decode      []string `help:"Dimensions to replace with their descriptions (\"all\" for every dimension)."`
	Tolerate    bool     `help:"Leave unknown codes blank instead of failing the decode."`
	Rescale     bool     `help:"Apply unit_mult into an adjusted_value column." default:"true" negatable:""`
	Annual      string   `help:"Reduce sub-annual periods to annual: year-end or mean."`
	DropMissing bool     `help:"Drop rows without a numeric value."`
	Out         string   `short:"o" help:"Write to a .csv or .xlsx file instead of stdout."`
}

func (c *DatasetCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	pt, err := a.resolver.Fetch(ctx, c.Database)
	if err != nil {
		return notFoundHint(err)
	}

	filters, err := parseFilters(c.Filter)
	if err != nil {
		return err
	}
	q := imf.DatasetQuery{DatabaseID: c.Database, Filters: filters, StartYear: c.Start, EndYear: c.End}
	t, err := a.client.FetchDataset(ctx, q, pt.Dimensions())
	if errors.Is(err, imf.ErrNoData) {
		return fmt.Errorf("%s: %w (loosen the filters or widen the year range)", c.Database, err)
	}
	if err != nil {
		return err
	}
	a.log.Info("dataset: fetched", "database", c.Database, "rows", t.Len())

	if err := timeperiod.NormalizeColumn(t, models.ColTimePeriod); err != nil {
		return err
	}

	valueCol := models.ColObsValue
	if c.Rescale {
		report, err := rescale.Rescale(t)
		if err != nil {
			return err
		}
		logRescale(a, c.Database, report)
		valueCol = models.ColAdjustedValue
	}

	// Grouping works on raw codes; tolerant decoding blanks unknown ones.
	if c.Annual != "" {
		strategy, err := timeperiod.ParseReduction(c.Annual)
		if err != nil {
			return err
		}
		t, err = timeperiod.ReduceAnnual(t, strategy, models.ColTimePeriod, []string{valueCol}, groupKeys(t, pt))
		if err != nil {
			return err
		}
	}

	if c.DropMissing {
		if n := rescale.DropMissing(t, valueCol); n > 0 {
			a.log.Info("dataset: dropped rows without a value", "column", valueCol, "rows", n)
		}
	}

	if err := decodeColumns(a, t, pt, c.Decode, c.Tolerate); err != nil {
		return err
	}
	return writeTable(c.Out, t)
}

type RealGDPCmd struct {
	Database         string   `help:"Database to query." default:"IFS"`
	Country          []string `short:"c" required:"" help:"ref_area codes, e.g. US,GB."`
	Freq             string   `help:"Series frequency." default:"A" enum:"A,Q,M"`
	Start            int      `help:"First year to include."`
	End              int      `help:"Last year to include."`
	Nominal          string   `help:"Nominal GDP indicator." default:"NGDP_XDC"`
	Deflator         string   `help:"GDP deflator indicator (index)." default:"NGDP_D_SA_IX"`
	Population       string   `help:"Population indicator (empty to skip per-capita metrics)." default:"LP_PE_NUM"`
	ExchangeRate     string   `help:"Exchange rate indicator in local currency per USD (empty to skip USD metrics)." default:"ENDA_XDC_USD_RATE"`
	NominalFile      string   `help:"Read nominal GDP from a .csv or .xlsx table written by dataset instead of fetching it." type:"existingfile"`
	DeflatorFile     string   `help:"Read the deflator from a table file instead of fetching it." type:"existingfile"`
	PopulationFile   string   `help:"Read population from a table file instead of fetching it." type:"existingfile"`
	ExchangeRateFile string   `help:"Read the exchange rate from a table file instead of fetching it." type:"existingfile"`
	FlowReduction    string   `help:"Annual reduction (year-end or mean) for nominal GDP and the deflator. Required unless --freq is A."`
	StockReduction   string   `help:"Annual reduction (year-end or mean) for population. Required unless --freq is A."`
	RateReduction    string   `help:"Annual reduction (year-end or mean) for the exchange rate. Required unless --freq is A."`
	Prefix           string   `help:"Prefix of the derived columns." default:"real_value"`
	Labels           bool     `help:"Replace ref_area codes with country names."`
	Out              string   `short:"o" help:"Write to a .csv or .xlsx file instead of stdout."`
}

// annualReductions holds the strategy for each real-gdp input. All are
// zero for annual series.
type annualReductions struct {
	flow, stock, rate timeperiod.Reduction
}

// reductions parses the reduction flags. Sub-annual series have no default
// strategy: every input that is used must name one.
func (c *RealGDPCmd) reductions() (annualReductions, error) {
	var r annualReductions
	if c.Freq == "A" {
		return r, nil
	}

	flags := []struct {
		name  string
		value string
		used  bool
		dst   *timeperiod.Reduction
	}{
		{"flow-reduction", c.FlowReduction, true, &r.flow},
		{"stock-reduction", c.StockReduction, c.Population != "" || c.PopulationFile != "", &r.stock},
		{"rate-reduction", c.RateReduction, c.ExchangeRate != "" || c.ExchangeRateFile != "", &r.rate},
	}
	var missing []string
	for _, f := range flags {
		if !f.used {
			continue
		}
		v, err := timeperiod.ParseReduction(f.value)
		if harmonize.IsNoReduction(err) {
			missing = append(missing, "--"+f.name)
			continue
		}
		if err != nil {
			return r, fmt.Errorf("--%s: %w", f.name, err)
		}
		*f.dst = v
	}
	if len(missing) > 0 {
		return r, fmt.Errorf("--freq %s needs %s: %w", c.Freq, strings.Join(missing, ", "), timeperiod.ErrNoReduction)
	}
	return r, nil
}

func (c *RealGDPCmd) Run(g *Globals) error {
	red, err := c.reductions()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	pt, err := a.resolver.Fetch(ctx, c.Database)
	if err != nil {
		return notFoundHint(err)
	}

	load := func(indicator, file string, reduction timeperiod.Reduction) (harmonize.Input, error) {
		if file != "" {
			t, err := export.ReadFile(file)
			if err != nil {
				return harmonize.Input{}, fmt.Errorf("%s: %w", file, err)
			}
			a.log.Info("real-gdp: read input", "file", file, "rows", t.Len())
			return harmonize.Input{Table: t, Reduction: reduction}, nil
		}
		if indicator == "" {
			return harmonize.Input{}, nil
		}
		q := imf.DatasetQuery{
			DatabaseID: c.Database,
			Filters: map[string][]string{
				"freq":      {c.Freq},
				"ref_area":  c.Country,
				"indicator": {indicator},
			},
			StartYear: c.Start,
			EndYear:   c.End,
		}
		t, err := a.client.FetchDataset(ctx, q, pt.Dimensions())
		if err != nil {
			return harmonize.Input{}, fmt.Errorf("%s: %w", indicator, err)
		}
		return harmonize.Input{Table: t, Reduction: reduction}, nil
	}

	in := harmonize.RealGDPInputs{Prefix: c.Prefix}
	if c.Labels {
		in.Labels = pt
	}
	if in.Nominal, err = load(c.Nominal, c.NominalFile, red.flow); err != nil {
		return err
	}
	if in.Deflator, err = load(c.Deflator, c.DeflatorFile, red.flow); err != nil {
		return err
	}
	if in.Population, err = load(c.Population, c.PopulationFile, red.stock); err != nil {
		return err
	}
	if in.ExchangeRate, err = load(c.ExchangeRate, c.ExchangeRateFile, red.rate); err != nil {
		return err
	}

	res, err := harmonize.RealGDP(in)
	if harmonize.IsNoReduction(err) {
		return fmt.Errorf("%w (pass --freq Q or M with the reduction flags)", err)
	}
	if err != nil {
		return err
	}
	for name, report := range res.Reports {
		logRescale(a, name, report)
	}
	if res.Missing > 0 {
		a.log.Warn("real-gdp: rows without a real value", "rows", res.Missing)
	}
	a.log.Info("real-gdp: done", "rows", res.Table.Len())
	return writeTable(c.Out, res.Table)
}

type DownloadAllCmd struct {
	OutDir string        `help:"Directory to write <database>.csv files to." default:"data/databases"`
	Only   []string      `help:"Restrict the run to these database IDs."`
	Wait   time.Duration `help:"Pause between databases." default:"10s"`
}

// Run downloads one database at a time. A failing database is logged and
// recorded; it never stops the run.
func (c *DownloadAllCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	dbs, err := a.resolver.Databases(ctx)
	if err != nil {
		return err
	}
	if len(c.Only) > 0 {
		dbs = slices.DeleteFunc(dbs, func(d models.Database) bool {
			return !slices.Contains(c.Only, d.DatabaseID)
		})
	}
	if err := os.MkdirAll(c.OutDir, 0o755); err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(dbs),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading databases"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	var failed []string
	for i, d := range dbs {
		if i > 0 && !sleep(ctx, c.Wait) {
			return ctx.Err()
		}
		if err := c.download(ctx, a, d.DatabaseID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("download-all: database failed", "database", d.DatabaseID, "not_found", imf.IsNotFound(err), "error", err)
			failed = append(failed, d.DatabaseID)
		}
		bar.Add(1)
	}

	a.log.Info("download-all: done", "databases", len(dbs), "failed", len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d databases failed: %s", len(failed), len(dbs), strings.Join(failed, ", "))
	}
	return nil
}

func (c *DownloadAllCmd) download(ctx context.Context, a *app, databaseID string) error {
	pt, err := a.resolver.Fetch(ctx, databaseID)
	if err != nil {
		return err
	}
	t, err := a.client.FetchDataset(ctx, imf.DatasetQuery{DatabaseID: databaseID}, pt.Dimensions())
	if err != nil {
		return err
	}
	return export.WriteFile(filepath.Join(c.OutDir, databaseID+".csv"), t)
}

type AuditCmd struct {
	Days      int    `help:"Days of fetch history to summarise." default:"7"`
	Errors    int    `help:"Number of recent failed fetches to show." default:"10"`
	PruneDays int    `help:"Delete archived payloads older than this many days."`
	Payload   string `help:"Print the archived response with this sha256 hash and exit."`
}

func (c *AuditCmd) Run(g *Globals) error {
	if g.DB == "" {
		return errors.New("audit needs a database (--db)")
	}
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Payload != "" {
		return c.printPayload(a)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	version, err := a.store.MigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version\t%d\n\n", version)

	health, err := a.store.GetIngestHealth(c.Days)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "DATE\tENDPOINT\tRUNS\tOK\tFAILED\tRECORDS\tFLAGGED")
	for _, h := range health {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n", h.Date, h.Endpoint, h.TotalRuns, h.SuccessRuns, h.FailedRuns, h.TotalRecords, h.TotalParseErrors)
	}
	fmt.Fprintln(w)

	runs, err := a.store.GetRecentIngestErrors(c.Errors)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Fprintln(w, "STARTED\tENDPOINT\tRESOURCE\tSTATUS\tERROR")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.StartedAt.Format(time.DateTime), r.Endpoint, r.Resource.String, r.HTTPStatus.Int64, r.ErrorMessage.String)
		}
		fmt.Fprintln(w)
	}

	stats, err := a.store.GetRawPayloadStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "archived payloads\t%d\t%d bytes\n", stats.TotalCount, stats.TotalSizeBytes)
	for endpoint, n := range stats.CountByEndpoint {
		fmt.Fprintf(w, "  %s\t%d\t%d bytes\n", endpoint, n, stats.SizeByEndpoint[endpoint])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if c.PruneDays > 0 {
		n, err := a.store.CleanupOldRawPayloads(c.PruneDays)
		if err != nil {
			return err
		}
		a.log.Info("audit: pruned archived payloads", "older_than_days", c.PruneDays, "deleted", n)
	}
	return nil
}

func (c *AuditCmd) printPayload(a *app) error {
	p, err := a.store.GetRawPayloadByHash(strings.ToLower(c.Payload))
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("no archived payload with hash %s", c.Payload)
	}
	body, err := a.store.GetRawPayload(p.ID)
	if err != nil {
		return err
	}
	a.log.Info("audit: payload", "endpoint", p.Endpoint, "resource", p.Resource.String, "fetched_at", p.FetchedAt)
	_, err = os.Stdout.Write(body)
	return err
}

func parseFilters(specs []string) (map[string][]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	filters := make(map[string][]string, len(specs))
	for _, s := range specs {
		dim, codes, err := imf.ParseFilter(s)
		if err != nil {
			return nil, err
		}
		filters[dim] = append(filters[dim], codes...)
	}
	return filters, nil
}

func decodeColumns(a *app, t *models.Table, pt *models.ParameterTable, dims []string, tolerate bool) error {
	if len(dims) == 1 && dims[0] == "all" {
		dims = nil
		for _, d := range pt.Dimensions() {
			if t.HasColumn(d) {
				dims = append(dims, d)
			}
		}
	}
	for i, d := range dims {
		dims[i] = strings.ToLower(d)
	}
	if !tolerate {
		return catalog.DecodeAll(t, pt, dims...)
	}

	for _, d := range dims {
		unknown, err := catalog.DecodeTolerant(t, d, pt)
		if err != nil {
			return err
		}
		if len(unknown) > 0 {
			a.log.Warn("dataset: codes not in catalog", "dimension", d, "codes", strings.Join(unknown, ","))
		}
	}
	return nil
}

// notFoundHint points at the databases listing when a database is unknown.
func notFoundHint(err error) error {
	if imf.IsNotFound(err) {
		return fmt.Errorf("%w (run `imfdata databases` for valid IDs)", err)
	}
	return err
}

// groupKeys returns the dimension columns present in t, in key order.
func groupKeys(t *models.Table, pt *models.ParameterTable) []string {
	var keys []string
	for _, d := range pt.Dimensions() {
		if t.HasColumn(d) && d != models.ColTimePeriod {
			keys = append(keys, d)
		}
	}
	return keys
}

func logRescale(a *app, name string, report *rescale.Report) {
	if report.Failed() == 0 {
		return
	}
	a.log.Warn("rescale: rows without a value", "input", name, "failed", report.Failed(), "rescaled", report.Rescaled)
	for _, f := range report.Failures {
		a.log.Debug("rescale: row failed", "input", name, "row", f.Row, "error", f.Err)
	}
}

func writeTable(path string, t *models.Table) error {
	if path == "" {
		return export.WriteCSV(os.Stdout, t)
	}
	return export.WriteFile(path, t)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return true
}
