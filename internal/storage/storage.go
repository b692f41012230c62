// Package storage persists reduction runs and their flux records in
// SQLite. All write methods are no-ops on a nil Store, so the pipeline
// runs storage-less when no database is configured.
package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"photrack/internal/reduce"
)

// Store wraps SQLite-backed persistence for runs and flux records.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// Open opens (or creates) the database at path and ensures schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            finished_at TIMESTAMP,
            source TEXT,
            frames INTEGER DEFAULT 0,
            status TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS flux (
            run_id TEXT NOT NULL,
            frame INTEGER NOT NULL,
            ccd TEXT NOT NULL,
            aperture TEXT NOT NULL,
            at TIMESTAMP NOT NULL,
            x REAL,
            y REAL,
            fwhm REAL,
            beta REAL,
            flux REAL,
            fvar REAL,
            sky REAL,
            svar REAL,
            nsky INTEGER,
            nrej INTEGER,
            status INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_flux_target ON flux(run_id, ccd, aperture);`,
		`CREATE INDEX IF NOT EXISTS idx_flux_frame ON flux(run_id, frame);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one persisted reduction run.
type RunRecord struct {
	ID         string
	Source     string
	Status     string
	Frames     int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(id, source string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, source, status) VALUES (?, ?, 'running');`,
		id, source)
	return err
}

// FinishRun finalizes a run with its frame count and outcome.
func (s *Store) FinishRun(id string, frames int, status string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET finished_at=CURRENT_TIMESTAMP, frames=?, status=? WHERE id=?;`,
		frames, status, id)
	return err
}

// InsertRecords stores one frame's records in a single transaction.
func (s *Store) InsertRecords(runID string, recs []reduce.Record) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO flux (run_id, frame, ccd, aperture, at, x, y, fwhm, beta, flux, fvar, sky, svar, nsky, nrej, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		_, err := stmt.Exec(runID, rec.Frame, rec.CCD, rec.Aperture, rec.Time,
			rec.X, rec.Y, rec.FWHM, rec.Beta, rec.Flux, rec.FluxVar,
			rec.Sky, rec.SkyVar, rec.NSky, rec.NRej, int(rec.Status))
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordsForTarget returns a run's records ordered by frame. Empty ccd
// or aperture strings match everything.
func (s *Store) RecordsForTarget(runID, ccd, aperture string) ([]reduce.Record, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT frame, ccd, aperture, at, x, y, fwhm, beta, flux, fvar, sky, svar, nsky, nrej, status FROM flux WHERE run_id=?`
	args := []any{runID}
	if ccd != "" {
		query += ` AND ccd=?`
		args = append(args, ccd)
	}
	if aperture != "" {
		query += ` AND aperture=?`
		args = append(args, aperture)
	}
	query += ` ORDER BY frame, ccd, aperture;`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []reduce.Record
	for rows.Next() {
		var rec reduce.Record
		var status int
		if err := rows.Scan(&rec.Frame, &rec.CCD, &rec.Aperture, &rec.Time,
			&rec.X, &rec.Y, &rec.FWHM, &rec.Beta, &rec.Flux, &rec.FluxVar,
			&rec.Sky, &rec.SkyVar, &rec.NSky, &rec.NRej, &status); err != nil {
			return nil, err
		}
		rec.Status = reduce.Status(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, source, status, frames, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Status, &rec.Frames, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
