// Package catalog resolves the code lists of IMF databases and decodes
// coded dimension columns into their descriptions.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lox/imfdata/internal/imf"
	"github.com/lox/imfdata/internal/metrics"
	"github.com/lox/imfdata/internal/models"
	"github.com/lox/imfdata/internal/store"
)

// Fetcher is the upstream source of data structures.
type Fetcher interface {
	FetchStructure(ctx context.Context, databaseID string) (*imf.Structure, error)
	Databases(ctx context.Context) ([]models.Database, error)
}

// Resolver fetches parameter catalogs once per database and caches them for
// the session, and across sessions when a store is configured.
type Resolver struct {
	fetcher Fetcher
	store   *store.Store
	maxAge  time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	catalogs map[string]*models.ParameterTable
	defs     map[string][]models.ParameterDefinition
}

type Option func(*Resolver)

// WithStore persists catalogs in s. Stored copies older than maxAge are
// refetched; zero keeps them forever.
func WithStore(s *store.Store, maxAge time.Duration) Option {
	return func(r *Resolver) {
		r.store = s
		r.maxAge = maxAge
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

func NewResolver(f Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:  f,
		log:      slog.Default(),
		catalogs: make(map[string]*models.ParameterTable),
		defs:     make(map[string][]models.ParameterDefinition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch returns the parameter table of a database. Upstream failures keep
// their type: imf.NotFoundError for unknown databases and
// imf.TransientFetchError for calls worth retrying.
func (r *Resolver) Fetch(ctx context.Context, databaseID string) (*models.ParameterTable, error) {
	if databaseID == "" {
		return nil, errors.New("database id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pt, ok := r.catalogs[databaseID]; ok {
		metrics.CatalogCacheLookups.WithLabelValues("memory").Inc()
		return pt, nil
	}

	if r.store != nil {
		pt, err := r.store.LoadParameterTable(databaseID, r.maxAge)
		if err != nil {
			r.log.Warn("catalog: load stored catalog", "database", databaseID, "error", err)
		} else if pt != nil {
			metrics.CatalogCacheLookups.WithLabelValues("store").Inc()
			r.catalogs[databaseID] = pt
			return pt, nil
		}
	}

	st, err := r.fetchLocked(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	return st.Parameters, nil
}

// Definitions returns the parameter definitions of a database. With
// inputsOnly, only the key dimensions usable as query filters are returned.
func (r *Resolver) Definitions(ctx context.Context, databaseID string, inputsOnly bool) ([]models.ParameterDefinition, error) {
	if databaseID == "" {
		return nil, errors.New("database id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	defs, ok := r.defs[databaseID]
	if !ok {
		st, err := r.fetchLocked(ctx, databaseID)
		if err != nil {
			return nil, err
		}
		defs = st.Definitions
	}

	if !inputsOnly {
		return append([]models.ParameterDefinition(nil), defs...), nil
	}
	var out []models.ParameterDefinition
	for _, d := range defs {
		if d.KeyDimension {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Resolver) fetchLocked(ctx context.Context, databaseID string) (*imf.Structure, error) {
	metrics.CatalogCacheLookups.WithLabelValues("remote").Inc()
	st, err := r.fetcher.FetchStructure(ctx, databaseID)
	if err != nil {
		return nil, fmt.Errorf("fetch parameters for %s: %w", databaseID, err)
	}
	r.log.Debug("catalog: fetched", "database", databaseID, "dimensions", len(st.Parameters.Dimensions()))

	r.catalogs[databaseID] = st.Parameters
	r.defs[databaseID] = st.Definitions
	if r.store != nil {
		if err := r.store.SaveParameterTable(st.Parameters); err != nil {
			r.log.Warn("catalog: save catalog", "database", databaseID, "error", err)
		}
	}
	return st, nil
}

// Databases returns the database list, from the store when fresh enough.
func (r *Resolver) Databases(ctx context.Context) ([]models.Database, error) {
	if r.store != nil {
		dbs, fetchedAt, err := r.store.GetDatabases()
		if err != nil {
			r.log.Warn("catalog: load stored databases", "error", err)
		} else if len(dbs) > 0 && (r.maxAge == 0 || time.Since(fetchedAt) <= r.maxAge) {
			return dbs, nil
		}
	}

	dbs, err := r.fetcher.Databases(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch databases: %w", err)
	}
	if r.store != nil {
		if err := r.store.ReplaceDatabases(dbs); err != nil {
			r.log.Warn("catalog: save databases", "error", err)
		}
	}
	return dbs, nil
}

// Invalidate drops a cached catalog so the next Fetch goes upstream.
func (r *Resolver) Invalidate(databaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.catalogs, databaseID)
	delete(r.defs, databaseID)
	if r.store != nil {
		return r.store.DeleteParameterTable(databaseID)
	}
	return nil
}
