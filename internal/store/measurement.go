package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// MeasurementRecord is a finalized measurement.
type MeasurementRecord struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	ShoulderWidthCm float64         `json:"shoulderWidthCm"`
	HeightCm        float64         `json:"heightCm"`
	HipWidthCm      float64         `json:"hipWidthCm,omitempty"`
	Confidence      float64         `json:"confidence"`
	Quality         string          `json:"quality,omitempty"`
	Source          string          `json:"source"`
	Landmarks       json.RawMessage `json:"landmarks,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	MeasuredAt      time.Time       `json:"measuredAt"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// MeasurementRepository provides CRUD operations for measurements.
type MeasurementRepository struct {
	db *sql.DB
}

// Measurements returns the measurement repository for this store.
func (s *Store) Measurements() *MeasurementRepository {
	return &MeasurementRepository{db: s.db}
}

const measurementColumns = `id, session_id, shoulder_width_cm, height_cm, hip_width_cm,
	confidence, quality, source, landmarks, notes, measured_at, created_at`

// Create inserts a measurement.
func (r *MeasurementRepository) Create(m *MeasurementRecord) error {
	m.CreatedAt = time.Now()

	landmarks := m.Landmarks
	if landmarks == nil {
		landmarks = json.RawMessage("{}")
	}

	_, err := r.db.Exec(
		`INSERT INTO measurements (`+measurementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.ShoulderWidthCm, m.HeightCm, m.HipWidthCm,
		m.Confidence, m.Quality, m.Source, string(landmarks), m.Notes, m.MeasuredAt, m.CreatedAt,
	)
	return err
}

// GetByID retrieves a measurement by its ID.
func (r *MeasurementRepository) GetByID(id string) (*MeasurementRecord, error) {
	row := r.db.QueryRow(`SELECT `+measurementColumns+` FROM measurements WHERE id = ?`, id)

	m, err := scanMeasurement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// List retrieves measurements, newest first. An empty sessionID lists all
// sessions.
func (r *MeasurementRepository) List(sessionID string, limit int) ([]*MeasurementRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = r.db.Query(
			`SELECT `+measurementColumns+` FROM measurements ORDER BY measured_at DESC LIMIT ?`,
			limit,
		)
	} else {
		rows, err = r.db.Query(
			`SELECT `+measurementColumns+` FROM measurements WHERE session_id = ?
			 ORDER BY measured_at DESC LIMIT ?`,
			sessionID, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var measurements []*MeasurementRecord
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return measurements, nil
}

// Delete removes a measurement and its submissions.
func (r *MeasurementRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM measurements WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

func scanMeasurement(row rowScanner) (*MeasurementRecord, error) {
	m := &MeasurementRecord{}
	var landmarks string

	err := row.Scan(&m.ID, &m.SessionID, &m.ShoulderWidthCm, &m.HeightCm, &m.HipWidthCm,
		&m.Confidence, &m.Quality, &m.Source, &landmarks, &m.Notes, &m.MeasuredAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Landmarks = json.RawMessage(landmarks)
	return m, nil
}
