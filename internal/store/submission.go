package store

import (
	"database/sql"
	"errors"
	"time"
)

// SubmissionStatus is the state of a backend submission.
type SubmissionStatus string

const (
	// SubmissionPending is queued and not yet acknowledged by the backend.
	SubmissionPending SubmissionStatus = "pending"
	// SubmissionSent was accepted by the backend.
	SubmissionSent SubmissionStatus = "sent"
	// SubmissionFailed exhausted its attempts.
	SubmissionFailed SubmissionStatus = "failed"
	// SubmissionDiscarded finished after its session was reset.
	SubmissionDiscarded SubmissionStatus = "discarded"
)

// Submission is an outbox entry for one measurement.
type Submission struct {
	ID            string           `json:"id"`
	MeasurementID string           `json:"measurementId"`
	Status        SubmissionStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	RemoteID      string           `json:"remoteId,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
	Generation    uint64           `json:"generation"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// SubmissionRepository provides CRUD operations for submissions.
type SubmissionRepository struct {
	db *sql.DB
}

// Submissions returns the submission repository for this store.
func (s *Store) Submissions() *SubmissionRepository {
	return &SubmissionRepository{db: s.db}
}

const submissionColumns = `id, measurement_id, status, attempts, remote_id, last_error,
	generation, created_at, updated_at`

const listByStatusQuery = `SELECT ` + submissionColumns + ` FROM submissions WHERE status = ? ORDER BY created_at ASC`

// Create inserts a pending submission.
func (r *SubmissionRepository) Create(sub *Submission) error {
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = SubmissionPending
	}

	_, err := r.db.Exec(
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.MeasurementID, string(sub.Status), sub.Attempts, sub.RemoteID, sub.LastError,
		int64(sub.Generation), sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

// GetByID retrieves a submission by its ID.
func (r *SubmissionRepository) GetByID(id string) (*Submission, error) {
	row := r.db.QueryRow(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)

	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListByStatus retrieves submissions with the given status, oldest first.
func (r *SubmissionRepository) ListByStatus(status SubmissionStatus) ([]*Submission, error) {
	rows, err := r.db.Query(listByStatusQuery, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return subs, nil
}

// RecordAttempt increments the attempt counter and stores the error of a
// failed attempt.
func (r *SubmissionRepository) RecordAttempt(id string, attemptErr error) error {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}

	result, err := r.db.Exec(
		`UPDATE submissions SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// Finish moves a submission to a terminal status.
func (r *SubmissionRepository) Finish(id string, status SubmissionStatus, remoteID string) error {
	result, err := r.db.Exec(
		`UPDATE submissions SET status = ?, remote_id = ?, updated_at = ? WHERE id = ?`,
		string(status), remoteID, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

func scanSubmission(row rowScanner) (*Submission, error) {
	sub := &Submission{}
	var status string
	var generation int64

	err := row.Scan(&sub.ID, &sub.MeasurementID, &status, &sub.Attempts, &sub.RemoteID,
		&sub.LastError, &generation, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sub.Status = SubmissionStatus(status)
	sub.Generation = uint64(generation)
	return sub, nil
}
