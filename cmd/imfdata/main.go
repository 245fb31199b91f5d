package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/imfdata/internal/catalog"
	"github.com/lox/imfdata/internal/httputil"
	"github.com/lox/imfdata/internal/imf"
	"github.com/lox/imfdata/internal/logger"
	"github.com/lox/imfdata/internal/metrics"
	"github.com/lox/imfdata/internal/store"
)

type Globals struct {
	DB          string           `help:"Path to the SQLite cache database (empty disables it)." default:"data/imfdata.db" env:"IMF_DB"`
	AppName     string           `help:"Application name sent as the User-Agent." env:"IMF_APP_NAME"`
	BaseURL     string           `help:"IMF SDMX-JSON service URL." default:"${base_url}" env:"IMF_BASE_URL"`
	RateLimit   int              `help:"Maximum API calls per rate period." default:"5" env:"IMF_RATE_LIMIT"`
	RatePeriod  time.Duration    `help:"Rate limit period." default:"5s" env:"IMF_RATE_PERIOD"`
	CacheMaxAge time.Duration    `help:"Reuse stored parameter catalogs up to this age (0 keeps them forever)." default:"24h" env:"IMF_CACHE_MAX_AGE"`
	Archive     bool             `help:"Archive raw API responses in the database." env:"IMF_ARCHIVE"`
	MetricsFile string           `help:"Write Prometheus metrics to this file on exit." env:"IMF_METRICS_FILE"`
	Verbose     bool             `short:"v" help:"Enable debug logging." env:"IMF_VERBOSE"`
	Version     kong.VersionFlag `help:"Print version and exit."`
}

type CLI struct {
	Globals

	Databases   DatabasesCmd   `cmd:"" help:"List the databases published by the service."`
	Parameters  ParametersCmd  `cmd:"" help:"List the valid codes or parameter definitions of a database."`
	Dataset     DatasetCmd     `cmd:"" help:"Fetch, decode and rescale a dataset."`
	RealGDP     RealGDPCmd     `cmd:"" name:"real-gdp" help:"Compute real, per-capita and USD GDP from IFS series."`
	DownloadAll DownloadAllCmd `cmd:"" name:"download-all" help:"Download every database in sequence (slow, experimental)."`
	Audit       AuditCmd       `cmd:"" help:"Show fetch history and archived payload statistics."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("imfdata"),
		kong.Description("Client for the IMF SDMX-JSON statistics service."),
		kong.UsageOnError(),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.Vars{
			"version":  httputil.Version,
			"base_url": imf.DefaultBaseURL,
		},
	)

	log := logger.New(os.Stderr, cli.Verbose)
	slog.SetDefault(log)

	kctx.FatalIfErrorf(execute(kctx, &cli))
}

// execute runs the selected command, then writes the metrics textfile
// whether or not the command succeeded.
func execute(kctx *kong.Context, cli *CLI) error {
	err := kctx.Run(&cli.Globals)
	if cli.MetricsFile != "" {
		if merr := metrics.WriteTextfile(cli.MetricsFile); merr != nil {
			slog.Error("metrics: write textfile", "path", cli.MetricsFile, "error", merr)
			if err == nil {
				err = fmt.Errorf("write metrics: %w", merr)
			}
		}
	}
	return err
}

// app holds the collaborators shared by every command.
type app struct {
	log      *slog.Logger
	store    *store.Store
	client   *imf.Client
	resolver *catalog.Resolver
	db       *sql.DB
}

func (g *Globals) open() (*app, error) {
	a := &app{log: slog.Default()}

	opts := []imf.Option{
		imf.WithBaseURL(g.BaseURL),
		imf.WithRateLimit(g.RateLimit, g.RatePeriod),
		imf.WithLogger(a.log),
	}
	if g.AppName != "" {
		opts = append(opts, imf.WithUserAgent(httputil.UserAgentFor(g.AppName)))
	}

	var resolverOpts []catalog.Option
	if g.DB != "" {
		if err := os.MkdirAll(filepath.Dir(g.DB), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err := sql.Open("sqlite", g.DB)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")

		a.db = db
		a.store = store.New(db, a.log)
		if err := a.store.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		opts = append(opts, imf.WithRecorder(store.NewFetchRecorder(a.store, g.Archive)))
		resolverOpts = append(resolverOpts, catalog.WithStore(a.store, g.CacheMaxAge))
	}

	a.client = imf.NewClient(opts...)
	a.resolver = catalog.NewResolver(a.client, append(resolverOpts, catalog.WithLogger(a.log))...)
	return a, nil
}

func (a *app) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
