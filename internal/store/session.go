package store

import (
	"database/sql"
	"errors"
	"time"
)

// SessionRecord is a measurement session as stored in the database.
type SessionRecord struct {
	ID                 string     `json:"id"`
	Source             string     `json:"source"`
	StartedAt          time.Time  `json:"startedAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
	FrontScanCompleted bool       `json:"frontScanCompleted"`
	SideScanCompleted  bool       `json:"sideScanCompleted"`
	EndState           string     `json:"endState,omitempty"`
}

// SessionRepository provides CRUD operations for sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a session. Creating an existing session is a no-op.
func (r *SessionRepository) Create(rec *SessionRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO sessions (id, source, started_at, front_scan, side_scan)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Source, rec.StartedAt, rec.FrontScanCompleted, rec.SideScanCompleted,
	)
	return err
}

// UpdateScans records the scan flags of a session.
func (r *SessionRepository) UpdateScans(id string, front, side bool) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET front_scan = ?, side_scan = ? WHERE id = ?`,
		front, side, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// End marks a session as finished.
func (r *SessionRepository) End(id, state string, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET ended_at = ?, end_state = ? WHERE id = ? AND ended_at IS NULL`,
		at, state, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*SessionRecord, error) {
	row := r.db.QueryRow(
		`SELECT id, source, started_at, ended_at, front_scan, side_scan, end_state
		 FROM sessions WHERE id = ?`,
		id,
	)

	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List retrieves the most recent sessions, newest first.
func (r *SessionRepository) List(limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(
		`SELECT id, source, started_at, ended_at, front_scan, side_scan, end_state
		 FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var endedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.Source, &rec.StartedAt, &endedAt,
		&rec.FrontScanCompleted, &rec.SideScanCompleted, &rec.EndState)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}
