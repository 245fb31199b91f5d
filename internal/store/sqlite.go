package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/imfdata/internal/models"
)

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func New(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// ReplaceDatabases swaps the stored database list for dbs.
func (s *Store) ReplaceDatabases(dbs []models.Database) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM databases`); err != nil {
		return fmt.Errorf("clear databases: %w", err)
	}
	now := time.Now().UTC()
	for _, d := range dbs {
		if _, err := tx.Exec(`
			INSERT INTO databases (database_id, description, fetched_at)
			VALUES (?, ?, ?)
			ON CONFLICT(database_id) DO UPDATE SET description = excluded.description
		`, d.DatabaseID, d.Description, now); err != nil {
			return fmt.Errorf("insert database %s: %w", d.DatabaseID, err)
		}
	}
	return tx.Commit()
}

// GetDatabases returns the stored database list and when it was fetched.
// A zero time means nothing is stored.
func (s *Store) GetDatabases() ([]models.Database, time.Time, error) {
	rows, err := s.db.Query(`SELECT database_id, description, fetched_at FROM databases ORDER BY database_id`)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	var (
		dbs       []models.Database
		fetchedAt time.Time
	)
	for rows.Next() {
		var d models.Database
		var desc sql.NullString
		if err := rows.Scan(&d.DatabaseID, &desc, &fetchedAt); err != nil {
			return nil, time.Time{}, err
		}
		d.Description = desc.String
		dbs = append(dbs, d)
	}
	return dbs, fetchedAt, rows.Err()
}

// SaveParameterTable stores a catalog, replacing any earlier copy.
func (s *Store) SaveParameterTable(pt *models.ParameterTable) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteCatalog(tx, pt.DatabaseID); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO parameter_catalogs (database_id, fetched_at) VALUES (?, ?)`,
		pt.DatabaseID, pt.FetchedAt.UTC()); err != nil {
		return fmt.Errorf("insert catalog: %w", err)
	}

	for i, dim := range pt.Dimensions() {
		if _, err := tx.Exec(`INSERT INTO parameter_dimensions (database_id, position, dimension) VALUES (?, ?, ?)`,
			pt.DatabaseID, i, dim); err != nil {
			return fmt.Errorf("insert dimension %s: %w", dim, err)
		}
		codes, _ := pt.Codes(dim)
		for j, c := range codes {
			if _, err := tx.Exec(`
				INSERT INTO parameter_codes (database_id, dimension, position, input_code, description)
				VALUES (?, ?, ?, ?, ?)
			`, pt.DatabaseID, dim, j, c.InputCode, c.Description); err != nil {
				return fmt.Errorf("insert code %s/%s: %w", dim, c.InputCode, err)
			}
		}
	}
	return tx.Commit()
}

// LoadParameterTable returns a stored catalog, or nil when none is stored
// or the stored copy is older than maxAge. A zero maxAge never expires.
func (s *Store) LoadParameterTable(databaseID string, maxAge time.Duration) (*models.ParameterTable, error) {
	var fetchedAt time.Time
	err := s.db.QueryRow(`SELECT fetched_at FROM parameter_catalogs WHERE database_id = ?`, databaseID).Scan(&fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(fetchedAt) > maxAge {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT dimension FROM parameter_dimensions WHERE database_id = ? ORDER BY position`, databaseID)
	if err != nil {
		return nil, err
	}
	var dims []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, err
		}
		dims = append(dims, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	codes := make(map[string][]models.Code, len(dims))
	for _, d := range dims {
		codes[d] = []models.Code{}
	}
	rows, err = s.db.Query(`
		SELECT dimension, input_code, description
		FROM parameter_codes
		WHERE database_id = ?
		ORDER BY dimension, position
	`, databaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var dim string
		var c models.Code
		var desc sql.NullString
		if err := rows.Scan(&dim, &c.InputCode, &desc); err != nil {
			return nil, err
		}
		c.Description = desc.String
		codes[dim] = append(codes[dim], c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pt, err := models.NewParameterTable(databaseID, dims, codes)
	if err != nil {
		return nil, fmt.Errorf("stored catalog %s: %w", databaseID, err)
	}
	pt.FetchedAt = fetchedAt
	return pt, nil
}

// DeleteParameterTable removes a stored catalog.
func (s *Store) DeleteParameterTable(databaseID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteCatalog(tx, databaseID); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteCatalog(tx *sql.Tx, databaseID string) error {
	for _, table := range []string{"parameter_codes", "parameter_dimensions", "parameter_catalogs"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE database_id = ?`, databaseID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
