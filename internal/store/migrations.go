package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Sessions table - one row per measurement session
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			front_scan INTEGER NOT NULL DEFAULT 0,
			side_scan INTEGER NOT NULL DEFAULT 0,
			end_state TEXT NOT NULL DEFAULT ''
		)`,

		// Measurements table - finalized measurements chosen for submission
		`CREATE TABLE IF NOT EXISTS measurements (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			shoulder_width_cm REAL NOT NULL,
			height_cm REAL NOT NULL,
			hip_width_cm REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
			quality TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			landmarks TEXT NOT NULL DEFAULT '{}',
			notes TEXT NOT NULL DEFAULT '',
			measured_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Submissions table - outbox of backend submissions
		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			measurement_id TEXT NOT NULL REFERENCES measurements(id) ON DELETE CASCADE,
			status TEXT NOT NULL CHECK(status IN ('pending', 'sent', 'failed', 'discarded')),
			attempts INTEGER NOT NULL DEFAULT 0,
			remote_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			generation INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_measurements_session_id ON measurements(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_measurement_id ON submissions(measurement_id)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
