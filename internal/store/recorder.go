package store

import (
	"context"
	"database/sql"

	"github.com/lox/imfdata/internal/imf"
)

// FetchRecorder writes an ingest run, and optionally the raw response
// body, for every IMF API call.
type FetchRecorder struct {
	store       *Store
	archiveBody bool
}

func NewFetchRecorder(s *Store, archiveBody bool) *FetchRecorder {
	return &FetchRecorder{store: s, archiveBody: archiveBody}
}

func (r *FetchRecorder) RecordFetch(ctx context.Context, res *imf.FetchResult, body []byte) {
	var resource *string
	if res.Resource != "" {
		resource = &res.Resource
	}

	run, err := r.store.StartIngestRun(res.Endpoint, resource)
	if err != nil {
		r.store.log.Warn("store: start ingest run", "endpoint", res.Endpoint, "error", err)
		return
	}

	run.Success = res.Error == nil
	run.HTTPStatus = sql.NullInt64{Int64: int64(res.HTTPStatus), Valid: res.HTTPStatus > 0}
	run.ResponseSizeBytes = sql.NullInt64{Int64: int64(res.ResponseSize), Valid: res.ResponseSize > 0}
	run.RecordsParsed = sql.NullInt64{Int64: int64(res.RecordCount), Valid: true}
	run.Attempts = sql.NullInt64{Int64: int64(res.Attempts), Valid: res.Attempts > 0}
	if res.ParseErrors > 0 {
		run.ParseErrors = sql.NullInt64{Int64: int64(res.ParseErrors), Valid: true}
		run.ErrorMessage = sql.NullString{String: res.ParseError, Valid: true}
	}
	if res.Error != nil {
		run.ErrorMessage = sql.NullString{String: res.Error.Error(), Valid: true}
	}

	if r.archiveBody && len(body) > 0 {
		id, err := r.store.StoreRawPayload(&run.ID, res.Endpoint, resource, body)
		if err != nil {
			r.store.log.Warn("store: archive raw payload", "endpoint", res.Endpoint, "error", err)
		} else if id != 0 {
			r.store.log.Debug("store: archived payload", "endpoint", res.Endpoint, "hash", PayloadHash(body))
		}
	}

	if err := r.store.CompleteIngestRun(run); err != nil {
		r.store.log.Warn("store: complete ingest run", "id", run.ID, "error", err)
	}
}
