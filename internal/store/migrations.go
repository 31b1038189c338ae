package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS model_forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    variable TEXT NOT NULL,
    issue_time DATETIME NOT NULL,
    valid_time DATETIME NOT NULL,
    lead_hours INTEGER NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    value REAL NOT NULL,
    unit TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(model, variable, issue_time, valid_time, latitude, longitude)
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_type TEXT NOT NULL,
    station_id TEXT NOT NULL,
    variable TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    value REAL NOT NULL,
    unit TEXT,
    quality_flag INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(station_id, variable, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_model_valid ON model_forecasts(model, variable, valid_time);
CREATE INDEX IF NOT EXISTS idx_obs_time ON observations(observed_at);
CREATE INDEX IF NOT EXISTS idx_obs_station_time ON observations(station_id, observed_at);
`,
	},
	{
		Version:     2,
		Description: "Verification scores and threshold outcomes",
		SQL: `
CREATE TABLE IF NOT EXISTS verification_scores (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    variable TEXT NOT NULL,
    forecast_id INTEGER NOT NULL REFERENCES model_forecasts(id),
    observation_id INTEGER NOT NULL REFERENCES observations(id),
    valid_time DATETIME NOT NULL,
    lead_hours INTEGER NOT NULL,
    forecast_value REAL NOT NULL,
    observed_value REAL NOT NULL,
    distance_km REAL NOT NULL,
    time_diff_hours REAL NOT NULL,
    error REAL NOT NULL,
    absolute_error REAL NOT NULL,
    squared_error REAL NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(forecast_id, observation_id)
);

CREATE TABLE IF NOT EXISTS threshold_outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    score_id INTEGER NOT NULL REFERENCES verification_scores(id),
    threshold_value REAL NOT NULL,
    operator TEXT NOT NULL,
    forecast_exceeds BOOLEAN NOT NULL,
    observed_exceeds BOOLEAN NOT NULL,
    outcome TEXT NOT NULL,
    UNIQUE(score_id, threshold_value, operator)
);

CREATE INDEX IF NOT EXISTS idx_scores_model_valid ON verification_scores(model, variable, valid_time);
CREATE INDEX IF NOT EXISTS idx_outcomes_score ON threshold_outcomes(score_id);
`,
	},
	{
		Version:     3,
		Description: "Skill summaries projection",
		SQL: `
CREATE TABLE IF NOT EXISTS skill_summaries (
    model TEXT NOT NULL,
    variable TEXT NOT NULL,
    lead_hours INTEGER NOT NULL,
    threshold_value REAL NOT NULL,
    operator TEXT NOT NULL,
    bucket_date DATE NOT NULL,
    hits INTEGER NOT NULL DEFAULT 0,
    misses INTEGER NOT NULL DEFAULT 0,
    false_alarms INTEGER NOT NULL DEFAULT 0,
    correct_negatives INTEGER NOT NULL DEFAULT 0,
    pairs INTEGER NOT NULL DEFAULT 0,
    hit_rate REAL,
    false_alarm_rate REAL,
    false_alarm_ratio REAL,
    csi REAL,
    accuracy REAL,
    bias_score REAL,
    mae REAL,
    rmse REAL,
    bias REAL,
    computed_at DATETIME NOT NULL,
    PRIMARY KEY (model, variable, lead_hours, threshold_value, operator, bucket_date)
);

CREATE INDEX IF NOT EXISTS idx_skill_model_threshold ON skill_summaries(model, variable, threshold_value);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
