package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload represents a stored API response payload.
type RawPayload struct {
	ID                int64
	IngestRunID       sql.NullInt64
	FetchedAt         time.Time
	Endpoint          string
	Resource          sql.NullString
	PayloadCompressed []byte
	PayloadHash       string
	SchemaVersion     int
}

// PayloadHash returns the hex sha256 used to deduplicate payloads.
func PayloadHash(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// StoreRawPayload stores a compressed API response payload.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(runID *int64, endpoint string, resource *string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	var ingestRunID sql.NullInt64
	if runID != nil {
		ingestRunID = sql.NullInt64{Int64: *runID, Valid: true}
	}
	var resourceNull sql.NullString
	if resource != nil {
		resourceNull = sql.NullString{String: *resource, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, endpoint, resource, payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(payload_hash) DO NOTHING
	`, ingestRunID, time.Now().UTC(), endpoint, resourceNull, buf.Bytes(), PayloadHash(payload))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// GetRawPayloadByHash retrieves a payload by its hash (for deduplication checks).
func (s *Store) GetRawPayloadByHash(hash string) (*RawPayload, error) {
	row := s.db.QueryRow(`
		SELECT id, ingest_run_id, fetched_at, endpoint, resource,
		       payload_compressed, payload_hash, schema_version
		FROM raw_payloads WHERE payload_hash = ?
	`, hash)

	var p RawPayload
	err := row.Scan(&p.ID, &p.IngestRunID, &p.FetchedAt, &p.Endpoint, &p.Resource,
		&p.PayloadCompressed, &p.PayloadHash, &p.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RawPayloadStats contains storage statistics for raw payloads.
type RawPayloadStats struct {
	TotalCount      int
	TotalSizeBytes  int64
	OldestFetchedAt time.Time
	NewestFetchedAt time.Time
	CountByEndpoint map[string]int
	SizeByEndpoint  map[string]int64
}

// GetRawPayloadStats returns storage statistics for raw payloads.
func (s *Store) GetRawPayloadStats() (*RawPayloadStats, error) {
	stats := &RawPayloadStats{
		CountByEndpoint: make(map[string]int),
		SizeByEndpoint:  make(map[string]int64),
	}

	var oldest, newest sql.NullString
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_compressed)), 0),
		       MIN(SUBSTR(fetched_at, 1, 19)), MAX(SUBSTR(fetched_at, 1, 19))
		FROM raw_payloads
	`)
	if err := row.Scan(&stats.TotalCount, &stats.TotalSizeBytes, &oldest, &newest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestFetchedAt, _ = time.Parse(time.DateTime, oldest.String)
	}
	if newest.Valid {
		stats.NewestFetchedAt, _ = time.Parse(time.DateTime, newest.String)
	}

	rows, err := s.db.Query(`
		SELECT endpoint, COUNT(*), SUM(LENGTH(payload_compressed))
		FROM raw_payloads
		GROUP BY endpoint
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var endpoint string
		var count int
		var size int64
		if err := rows.Scan(&endpoint, &count, &size); err != nil {
			return nil, err
		}
		stats.CountByEndpoint[endpoint] = count
		stats.SizeByEndpoint[endpoint] = size
	}

	return stats, rows.Err()
}

// CleanupOldRawPayloads deletes raw payloads older than the specified number of days.
// Returns the number of deleted records.
func (s *Store) CleanupOldRawPayloads(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM raw_payloads
		WHERE SUBSTR(fetched_at, 1, 19) < DATETIME('now', '-' || ? || ' days')
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
