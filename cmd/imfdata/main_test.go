package main

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/lox/imfdata/internal/export"
	"github.com/lox/imfdata/internal/imf"
	"github.com/lox/imfdata/internal/models"
	"github.com/lox/imfdata/internal/store"
	"github.com/lox/imfdata/internal/timeperiod"
)

const dataStructureJSON = `{
  "Structure": {
    "CodeLists": {
      "CodeList": [
        {"@id": "CL_FREQ", "Name": {"@xml:lang": "en", "#text": "Frequency"},
         "Code": [
           {"@value": "A", "Description": {"@xml:lang": "en", "#text": "Annual"}},
           {"@value": "Q", "Description": {"@xml:lang": "en", "#text": "Quarterly"}},
           {"@value": "M", "Description": {"@xml:lang": "en", "#text": "Monthly"}}
         ]},
        {"@id": "CL_AREA_IFS", "Name": {"@xml:lang": "en", "#text": "Geographical Areas"},
         "Code": [
           {"@value": "US", "Description": {"@xml:lang": "en", "#text": "United States"}},
           {"@value": "GB", "Description": {"@xml:lang": "en", "#text": "United Kingdom"}}
         ]},
        {"@id": "CL_INDICATOR_IFS", "Name": {"@xml:lang": "en", "#text": "Indicator"},
         "Code": {"@value": "NGDP_XDC", "Description": {"@xml:lang": "en", "#text": "Gross Domestic Product, Nominal, Domestic Currency"}}},
        {"@id": "CL_UNIT_MULT", "Name": {"@xml:lang": "en", "#text": "Scale"},
         "Code": {"@value": "6", "Description": {"@xml:lang": "en", "#text": "Millions"}}}
      ]
    },
    "KeyFamilies": {
      "KeyFamily": {
        "@id": "IFS",
        "Components": {
          "Dimension": [
            {"@codelist": "CL_FREQ", "@conceptRef": "FREQ"},
            {"@codelist": "CL_AREA_IFS", "@conceptRef": "REF_AREA"},
            {"@codelist": "CL_INDICATOR_IFS", "@conceptRef": "INDICATOR"}
          ]
        }
      }
    }
  }
}`

const compactDataJSON = `{
  "CompactData": {
    "DataSet": {
      "Series": [
        {"@FREQ": "A", "@REF_AREA": "US", "@INDICATOR": "NGDP_XDC", "@UNIT_MULT": "6", "@TIME_FORMAT": "P1Y",
         "Obs": [
           {"@TIME_PERIOD": "2020", "@OBS_VALUE": "21060.5"},
           {"@TIME_PERIOD": "2021", "@OBS_VALUE": "23315.1", "@OBS_STATUS": "E"}
         ]},
        {"@FREQ": "A", "@REF_AREA": "GB", "@INDICATOR": "NGDP_XDC", "@UNIT_MULT": "6", "@TIME_FORMAT": "P1Y",
         "Obs": {"@TIME_PERIOD": "2020", "@OBS_VALUE": "2109.0"}}
      ]
    }
  }
}`

const dataflowJSON = `{
  "Structure": {
    "Dataflows": {
      "Dataflow": [
        {"KeyFamilyRef": {"KeyFamilyID": "IFS"}, "Name": {"@xml:lang": "en", "#text": "International Financial Statistics (IFS)"}},
        {"KeyFamilyRef": {"KeyFamilyID": "BOP"}, "Name": {"@xml:lang": "en", "#text": "Balance of Payments (BOP)"}}
      ]
    }
  }
}`

type testServer struct {
	*httptest.Server
	structureCalls atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, func(string) string { return compactDataJSON })
}

// newTestServerWith serves compact data chosen by the indicator code, the
// last component of the series key.
func newTestServerWith(t *testing.T, compact func(indicator string) string) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/Dataflow":
			w.Write([]byte(dataflowJSON))
		case r.URL.Path == "/DataStructure/IFS":
			ts.structureCalls.Add(1)
			w.Write([]byte(dataStructureJSON))
		case strings.HasPrefix(r.URL.Path, "/CompactData/IFS/"):
			key := strings.Split(path.Base(r.URL.Path), ".")
			w.Write([]byte(compact(key[len(key)-1])))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

// compactSeries renders one compact data series from period, value pairs.
func compactSeries(freq, area, indicator, unitMult string, obs ...string) string {
	format := map[string]string{"A": "P1Y", "Q": "P3M", "M": "P1M"}[freq]
	var points []string
	for i := 0; i+1 < len(obs); i += 2 {
		points = append(points, fmt.Sprintf(`{"@TIME_PERIOD": %q, "@OBS_VALUE": %q}`, obs[i], obs[i+1]))
	}
	return fmt.Sprintf(`{"@FREQ": %q, "@REF_AREA": %q, "@INDICATOR": %q, "@UNIT_MULT": %q, "@TIME_FORMAT": %q, "Obs": [%s]}`,
		freq, area, indicator, unitMult, format, strings.Join(points, ", "))
}

func compactData(series ...string) string {
	return `{"CompactData": {"DataSet": {"Series": [` + strings.Join(series, ", ") + `]}}}`
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("imfdata"),
		kong.Vars{"version": "test", "base_url": imf.DefaultBaseURL},
		kong.Exit(func(int) { t.Fatal("unexpected exit") }),
	)
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return execute(kctx, &cli)
}

func TestDatasetCommand(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "gdp.csv")

	err := run(t,
		"--db", filepath.Join(dir, "imf.db"),
		"--base-url", srv.URL,
		"--rate-limit", "0",
		"dataset", "IFS",
		"-f", "ref_area=US+GB",
		"-f", "indicator=NGDP_XDC",
		"--start", "2020",
		"--decode", "ref_area",
		"--out", out,
	)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}

	tbl, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tbl.Len())
	}
	r := tbl.Rows[0]
	if r.String("ref_area") != "United States" || r.String("freq") != "A" {
		t.Errorf("row 0 = %v", r)
	}
	if got := r.Float(models.ColAdjustedValue); got != 21_060_500_000 {
		t.Errorf("adjusted_value = %v", got)
	}
}

func TestDatasetCommand_TolerantDecodeAfterAnnual(t *testing.T) {
	srv := newTestServerWith(t, func(string) string {
		return compactData(
			compactSeries("Q", "XA", "NGDP_XDC", "0", "2020-Q1", "10", "2020-Q2", "10", "2020-Q3", "10", "2020-Q4", "10"),
			compactSeries("Q", "XB", "NGDP_XDC", "0", "2020-Q1", "1000", "2020-Q2", "1000", "2020-Q3", "1000", "2020-Q4", "1000"),
		)
	})
	out := filepath.Join(t.TempDir(), "annual.csv")

	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0",
		"dataset", "IFS", "-f", "freq=Q",
		"--decode", "ref_area", "--tolerate", "--annual", "mean", "-o", out)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}

	tbl, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want one row per area: %v", tbl.Len(), tbl.Rows)
	}
	var got []float64
	for _, r := range tbl.Rows {
		got = append(got, r.Float(models.ColAdjustedValue))
		if r.String("ref_area") != "" {
			t.Errorf("unknown ref_area decoded to %q, want blank", r.String("ref_area"))
		}
	}
	slices.Sort(got)
	if got[0] != 10 || got[1] != 1000 {
		t.Errorf("annual means = %v, want [10 1000]", got)
	}
}

func TestDatasetCommand_UnknownFilterDimension(t *testing.T) {
	srv := newTestServer(t)
	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0", "dataset", "IFS", "-f", "sector=S1")
	if err == nil || !strings.Contains(err.Error(), "sector") {
		t.Errorf("err = %v, want unknown dimension error", err)
	}
}

func TestParametersCommand_Refresh(t *testing.T) {
	srv := newTestServer(t)
	db := filepath.Join(t.TempDir(), "imf.db")
	out := filepath.Join(t.TempDir(), "codes.csv")

	for _, extra := range [][]string{nil, nil, {"--refresh"}} {
		args := append([]string{"--db", db, "--base-url", srv.URL, "--rate-limit", "0", "parameters", "IFS", "-o", out}, extra...)
		if err := run(t, args...); err != nil {
			t.Fatalf("parameters %v: %v", extra, err)
		}
	}
	// The second run is served from the store, the third refetches.
	if got := srv.structureCalls.Load(); got != 2 {
		t.Errorf("DataStructure calls = %d, want 2", got)
	}
}

func TestParametersCommand_UnknownDatabase(t *testing.T) {
	srv := newTestServer(t)
	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0", "parameters", "NOPE")
	if !imf.IsNotFound(err) || !strings.Contains(err.Error(), "imfdata databases") {
		t.Errorf("err = %v, want NotFoundError with a hint", err)
	}
}

func TestParametersCommand(t *testing.T) {
	srv := newTestServer(t)
	out := filepath.Join(t.TempDir(), "codes.xlsx")

	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0", "parameters", "IFS", "--dimension", "REF_AREA", "-o", out)
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	tbl, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 2 || tbl.Rows[1].String("input_code") != "GB" || tbl.Rows[1].String("parameter") != "ref_area" {
		t.Errorf("rows = %v", tbl.Rows)
	}
}

func TestDatabasesCommand(t *testing.T) {
	srv := newTestServer(t)
	out := filepath.Join(t.TempDir(), "dbs.csv")

	if err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0", "databases", "-o", out); err != nil {
		t.Fatalf("databases: %v", err)
	}
	tbl, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got := tbl.Column("database_id"); len(got) != 2 || got[0] != "IFS" {
		t.Errorf("database_id = %v", got)
	}
}

func TestDownloadAllCommand(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()

	err := run(t, "--db", filepath.Join(dir, "imf.db"), "--base-url", srv.URL, "--rate-limit", "0",
		"download-all", "--out-dir", dir, "--wait", "0s")
	// BOP has no data structure on the test server; IFS still downloads.
	if err == nil || !strings.Contains(err.Error(), "1 of 2 databases failed: BOP") {
		t.Fatalf("err = %v", err)
	}
	tbl, err := export.ReadFile(filepath.Join(dir, "IFS.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 3 {
		t.Errorf("IFS rows = %d", tbl.Len())
	}

	if err := run(t, "--db", filepath.Join(dir, "imf.db"), "audit"); err != nil {
		t.Errorf("audit: %v", err)
	}
}

func TestAuditCommand_Payload(t *testing.T) {
	srv := newTestServer(t)
	db := filepath.Join(t.TempDir(), "imf.db")

	err := run(t, "--db", db, "--base-url", srv.URL, "--rate-limit", "0", "--archive",
		"dataset", "IFS", "-o", filepath.Join(t.TempDir(), "out.csv"))
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}

	if err := run(t, "--db", db, "audit", "--payload", store.PayloadHash([]byte(compactDataJSON))); err != nil {
		t.Errorf("audit --payload: %v", err)
	}
	err = run(t, "--db", db, "audit", "--payload", store.PayloadHash([]byte("nothing")))
	if err == nil || !strings.Contains(err.Error(), "no archived payload") {
		t.Errorf("err = %v, want missing payload error", err)
	}
}

func realGDPServer(t *testing.T) *testServer {
	return newTestServerWith(t, func(indicator string) string {
		switch indicator {
		case "NGDP_XDC":
			return compactData(compactSeries("A", "US", indicator, "6", "2020", "200"))
		case "NGDP_D_SA_IX":
			return compactData(compactSeries("A", "US", indicator, "0", "2020", "50"))
		case "LP_PE_NUM":
			return compactData(compactSeries("A", "US", indicator, "6", "2020", "10"))
		case "ENDA_XDC_USD_RATE":
			return compactData(compactSeries("A", "US", indicator, "0", "2020", "4"))
		}
		return `{"CompactData": null}`
	})
}

func TestRealGDPCommand(t *testing.T) {
	srv := realGDPServer(t)
	out := filepath.Join(t.TempDir(), "real.csv")

	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0",
		"real-gdp", "-c", "US", "--labels", "-o", out)
	if err != nil {
		t.Fatalf("real-gdp: %v", err)
	}

	tbl, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	r := tbl.Rows[0]
	if r.String("ref_area") != "United States" || r.String("time_period") != "2020" {
		t.Errorf("row = %v", r)
	}
	want := map[string]float64{
		"real_value":                400_000_000,
		"real_value_per_capita":     40,
		"real_value_usd":            100_000_000,
		"real_value_usd_per_capita": 10,
	}
	for col, v := range want {
		if got := r.Float(col); math.Abs(got-v) > 1e-9*v {
			t.Errorf("%s = %v, want %v", col, got, v)
		}
	}
}

func TestRealGDPCommand_Quarterly(t *testing.T) {
	srv := newTestServerWith(t, func(indicator string) string {
		switch indicator {
		case "NGDP_XDC":
			return compactData(compactSeries("Q", "US", indicator, "0", "2020-Q1", "80", "2020-Q2", "120", "2020-Q3", "100", "2020-Q4", "100"))
		case "NGDP_D_SA_IX":
			return compactData(compactSeries("Q", "US", indicator, "0", "2020-Q1", "50", "2020-Q2", "50", "2020-Q3", "50", "2020-Q4", "50"))
		case "ENDA_XDC_USD_RATE":
			return compactData(compactSeries("Q", "US", indicator, "0", "2020-Q1", "1", "2020-Q2", "2", "2020-Q3", "3", "2020-Q4", "5"))
		}
		return `{"CompactData": null}`
	})
	out := filepath.Join(t.TempDir(), "real.csv")

	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0",
		"real-gdp", "-c", "US", "--freq", "Q", "--population=",
		"--flow-reduction", "mean", "--rate-reduction", "year-end", "-o", out)
	if err != nil {
		t.Fatalf("real-gdp: %v", err)
	}

	tbl, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	r := tbl.Rows[0]
	if got := r.Float("real_value"); got != 200 {
		t.Errorf("real_value = %v, want 200", got)
	}
	// End-of-period rate: the Q4 value, not the annual mean.
	if got := r.Float("real_value_usd"); got != 40 {
		t.Errorf("real_value_usd = %v, want 40", got)
	}
	if tbl.HasColumn("real_value_per_capita") {
		t.Error("per-capita column without a population input")
	}
}

func TestRealGDPCommand_SubAnnualNeedsReductions(t *testing.T) {
	srv := realGDPServer(t)

	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0",
		"real-gdp", "-c", "US", "--freq", "Q", "--flow-reduction", "mean")
	if !errors.Is(err, timeperiod.ErrNoReduction) {
		t.Fatalf("err = %v, want ErrNoReduction", err)
	}
	if !strings.Contains(err.Error(), "--stock-reduction, --rate-reduction") {
		t.Errorf("err = %v, should name the missing flags", err)
	}
	if srv.structureCalls.Load() != 0 {
		t.Error("flags should be checked before any request")
	}

	err = run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0",
		"real-gdp", "-c", "US", "--freq", "M", "--population=", "--exchange-rate=", "--flow-reduction", "median")
	if err == nil || !strings.Contains(err.Error(), "--flow-reduction") {
		t.Errorf("err = %v, want invalid reduction error", err)
	}
}

func TestRealGDPCommand_FileInput(t *testing.T) {
	srv := realGDPServer(t)
	dir := t.TempDir()
	nominal := filepath.Join(dir, "nominal.xlsx")

	tbl := models.NewTable("ref_area", "time_period", "time_format", "unit_mult", "obs_value")
	tbl.Rows = append(tbl.Rows, models.Row{"ref_area": "US", "time_period": "2020", "time_format": "P1Y", "unit_mult": "6", "obs_value": "400"})
	if err := export.WriteFile(nominal, tbl); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "real.csv")
	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0",
		"real-gdp", "-c", "US", "--nominal-file", nominal, "--population=", "--exchange-rate=", "-o", out)
	if err != nil {
		t.Fatalf("real-gdp: %v", err)
	}
	got, err := export.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 1 || got.Rows[0].Float("real_value") != 800_000_000 {
		t.Errorf("rows = %v", got.Rows)
	}
}

func TestMetricsFile(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	metricsPath := filepath.Join(dir, "imfdata.prom")

	err := run(t, "--db", "", "--base-url", srv.URL, "--rate-limit", "0", "--metrics-file", metricsPath,
		"databases", "-o", filepath.Join(dir, "dbs.csv"))
	if err != nil {
		t.Fatalf("databases: %v", err)
	}

	b, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	if !strings.Contains(string(b), `imfdata_api_calls_total{endpoint="Dataflow",status="200"}`) {
		t.Errorf("metrics file missing API call counter:\n%s", b)
	}
}

func TestParseFilters(t *testing.T) {
	got, err := parseFilters([]string{"REF_AREA=US+GB", "ref_area=FR", "indicator=NGDP_XDC"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got["ref_area"], ",") != "US,GB,FR" || len(got["indicator"]) != 1 {
		t.Errorf("filters = %v", got)
	}
	if _, err := parseFilters([]string{"ref_area"}); err == nil {
		t.Error("filter without = should fail")
	}
}
