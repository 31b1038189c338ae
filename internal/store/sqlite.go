package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openwx/wxverify/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the data store is reachable. Failure here is fatal to a run.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// isBusy reports whether an error is transient SQLITE_BUSY/locked contention
// from a concurrent run, as opposed to a real store failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry retries write contention a few times with exponential backoff.
// Anything that is not lock contention fails immediately.
func withRetry(op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(wrapped, bo)
}

func (s *Store) InsertForecast(f models.Forecast) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO model_forecasts (model, variable, issue_time, valid_time, lead_hours, latitude, longitude, value, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, variable, issue_time, valid_time, latitude, longitude) DO NOTHING
	`, f.Model, f.Variable, f.IssueTime, f.ValidTime, f.LeadHours, f.Latitude, f.Longitude, f.Value, f.Unit)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) InsertObservation(o models.Observation) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO observations (source_type, station_id, variable, observed_at, latitude, longitude, value, unit, quality_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, variable, observed_at) DO NOTHING
	`, o.SourceType, o.StationID, o.Variable, o.ObservedAt, o.Latitude, o.Longitude, o.Value, o.Unit, o.QualityFlag)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetObservations returns observations inside a window ordered by time then
// id, so runs over the same window always walk records in the same order.
func (s *Store) GetObservations(start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, source_type, station_id, variable, observed_at, latitude, longitude, value, unit, quality_flag, created_at
		FROM observations
		WHERE observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC, id ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var o models.Observation
		if err := rows.Scan(&o.ID, &o.SourceType, &o.StationID, &o.Variable, &o.ObservedAt, &o.Latitude, &o.Longitude, &o.Value, &o.Unit, &o.QualityFlag, &o.CreatedAt); err != nil {
			return nil, err
		}
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// GetCandidateForecasts returns forecasts for one model whose variable is any
// of the given names (canonical key plus synonyms) and whose valid time falls
// in [start, end]. Ordered by valid time then id for deterministic matching.
func (s *Store) GetCandidateForecasts(model string, variables []string, start, end time.Time) ([]models.Forecast, error) {
	if len(variables) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(variables))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(variables)+3)
	args = append(args, model)
	for _, v := range variables {
		args = append(args, v)
	}
	args = append(args, start, end)

	rows, err := s.db.Query(`
		SELECT id, model, variable, issue_time, valid_time, lead_hours, latitude, longitude, value, unit, created_at
		FROM model_forecasts
		WHERE model = ? AND variable IN (`+placeholders+`) AND valid_time >= ? AND valid_time <= ?
		ORDER BY valid_time ASC, id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forecasts []models.Forecast
	for rows.Next() {
		var f models.Forecast
		if err := rows.Scan(&f.ID, &f.Model, &f.Variable, &f.IssueTime, &f.ValidTime, &f.LeadHours, &f.Latitude, &f.Longitude, &f.Value, &f.Unit, &f.CreatedAt); err != nil {
			return nil, err
		}
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}

// ScoreExists reports whether a verification score already exists for the
// pair. Used by dry runs, which must count duplicates without writing.
func (s *Store) ScoreExists(forecastID, observationID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM verification_scores WHERE forecast_id = ? AND observation_id = ?
	`, forecastID, observationID).Scan(&count)
	return count > 0, err
}

// InsertScore persists one score plus its threshold outcomes in a single
// transaction. The UNIQUE(forecast_id, observation_id) constraint is the
// idempotence boundary: a pair that is already verified (including one a
// concurrent run just inserted) is reported via inserted=false, never as an
// error, and leaves no outcome rows behind.
func (s *Store) InsertScore(score models.Score, outcomes []models.ThresholdOutcome) (inserted bool, err error) {
	err = withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.Exec(`
			INSERT INTO verification_scores (model, variable, forecast_id, observation_id, valid_time, lead_hours,
			    forecast_value, observed_value, distance_km, time_diff_hours, error, absolute_error, squared_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(forecast_id, observation_id) DO NOTHING
		`, score.Model, score.Variable, score.ForecastID, score.ObservationID, score.ValidTime, score.LeadHours,
			score.ForecastValue, score.ObservedValue, score.DistanceKm, score.TimeDiffHours,
			score.Error, score.AbsoluteError, score.SquaredError)
		if err != nil {
			return fmt.Errorf("insert score: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			inserted = false
			return tx.Commit()
		}

		scoreID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		for _, o := range outcomes {
			if _, err := tx.Exec(`
				INSERT INTO threshold_outcomes (score_id, threshold_value, operator, forecast_exceeds, observed_exceeds, outcome)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(score_id, threshold_value, operator) DO NOTHING
			`, scoreID, o.Threshold, o.Operator, o.ForecastExceeds, o.ObservedExceeds, string(o.Outcome)); err != nil {
				return fmt.Errorf("insert outcome: %w", err)
			}
		}

		inserted = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *Store) GetScores(model, variable string, start, end time.Time) ([]models.Score, error) {
	query := `
		SELECT id, model, variable, forecast_id, observation_id, valid_time, lead_hours,
		       forecast_value, observed_value, distance_km, time_diff_hours,
		       error, absolute_error, squared_error, created_at
		FROM verification_scores
		WHERE model = ? AND valid_time >= ? AND valid_time <= ?`
	args := []any{model, start, end}
	if variable != "" {
		query += " AND variable = ?"
		args = append(args, variable)
	}
	query += " ORDER BY valid_time ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []models.Score
	for rows.Next() {
		var sc models.Score
		if err := rows.Scan(&sc.ID, &sc.Model, &sc.Variable, &sc.ForecastID, &sc.ObservationID, &sc.ValidTime, &sc.LeadHours,
			&sc.ForecastValue, &sc.ObservedValue, &sc.DistanceKm, &sc.TimeDiffHours,
			&sc.Error, &sc.AbsoluteError, &sc.SquaredError, &sc.CreatedAt); err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// OutcomeRow joins one threshold outcome with its parent score's grouping
// keys and per-pair errors, the shape the aggregator consumes.
type OutcomeRow struct {
	Model         string
	Variable      string
	LeadHours     int
	ValidTime     time.Time
	Threshold     float64
	Operator      string
	Outcome       models.Outcome
	Error         float64
	AbsoluteError float64
	SquaredError  float64
}

func (s *Store) GetOutcomeRows(model, variable string, start, end time.Time) ([]OutcomeRow, error) {
	query := `
		SELECT v.model, v.variable, v.lead_hours, v.valid_time,
		       t.threshold_value, t.operator, t.outcome,
		       v.error, v.absolute_error, v.squared_error
		FROM threshold_outcomes t
		JOIN verification_scores v ON t.score_id = v.id
		WHERE v.model = ? AND v.valid_time >= ? AND v.valid_time <= ?`
	args := []any{model, start, end}
	if variable != "" {
		query += " AND v.variable = ?"
		args = append(args, variable)
	}
	query += " ORDER BY v.valid_time ASC, v.id ASC, t.threshold_value ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []OutcomeRow
	for rows.Next() {
		var r OutcomeRow
		var outcome string
		if err := rows.Scan(&r.Model, &r.Variable, &r.LeadHours, &r.ValidTime,
			&r.Threshold, &r.Operator, &outcome,
			&r.Error, &r.AbsoluteError, &r.SquaredError); err != nil {
			return nil, err
		}
		r.Outcome = models.Outcome(outcome)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteSkillSummaries clears the projection for one model/window so it can be
// rebuilt. Summaries are never a source of truth.
func (s *Store) DeleteSkillSummaries(model, variable string, start, end time.Time) error {
	query := `DELETE FROM skill_summaries WHERE model = ? AND bucket_date >= ? AND bucket_date <= ?`
	args := []any{model, start, end}
	if variable != "" {
		query += " AND variable = ?"
		args = append(args, variable)
	}
	return withRetry(func() error {
		_, err := s.db.Exec(query, args...)
		return err
	})
}

func (s *Store) UpsertSkillSummary(sum models.SkillSummary) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO skill_summaries (model, variable, lead_hours, threshold_value, operator, bucket_date,
			    hits, misses, false_alarms, correct_negatives, pairs,
			    hit_rate, false_alarm_rate, false_alarm_ratio, csi, accuracy, bias_score,
			    mae, rmse, bias, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(model, variable, lead_hours, threshold_value, operator, bucket_date) DO UPDATE SET
				hits = excluded.hits,
				misses = excluded.misses,
				false_alarms = excluded.false_alarms,
				correct_negatives = excluded.correct_negatives,
				pairs = excluded.pairs,
				hit_rate = excluded.hit_rate,
				false_alarm_rate = excluded.false_alarm_rate,
				false_alarm_ratio = excluded.false_alarm_ratio,
				csi = excluded.csi,
				accuracy = excluded.accuracy,
				bias_score = excluded.bias_score,
				mae = excluded.mae,
				rmse = excluded.rmse,
				bias = excluded.bias,
				computed_at = excluded.computed_at
		`, sum.Model, sum.Variable, sum.LeadHours, sum.Threshold, sum.Operator, sum.BucketDate,
			sum.Hits, sum.Misses, sum.FalseAlarms, sum.CorrectNegatives, sum.Pairs,
			sum.HitRate, sum.FalseAlarmRate, sum.FalseAlarmRatio, sum.CSI, sum.Accuracy, sum.BiasScore,
			sum.MAE, sum.RMSE, sum.Bias, sum.ComputedAt)
		return err
	})
}

// GetSkillSummaries returns the projection rows for model selection, newest
// bucket first.
func (s *Store) GetSkillSummaries(model, variable string) ([]models.SkillSummary, error) {
	query := `
		SELECT model, variable, lead_hours, threshold_value, operator, bucket_date,
		       hits, misses, false_alarms, correct_negatives, pairs,
		       hit_rate, false_alarm_rate, false_alarm_ratio, csi, accuracy, bias_score,
		       mae, rmse, bias, computed_at
		FROM skill_summaries
		WHERE model = ?`
	args := []any{model}
	if variable != "" {
		query += " AND variable = ?"
		args = append(args, variable)
	}
	query += " ORDER BY bucket_date DESC, variable, lead_hours, threshold_value"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.SkillSummary
	for rows.Next() {
		var sum models.SkillSummary
		if err := rows.Scan(&sum.Model, &sum.Variable, &sum.LeadHours, &sum.Threshold, &sum.Operator, &sum.BucketDate,
			&sum.Hits, &sum.Misses, &sum.FalseAlarms, &sum.CorrectNegatives, &sum.Pairs,
			&sum.HitRate, &sum.FalseAlarmRate, &sum.FalseAlarmRatio, &sum.CSI, &sum.Accuracy, &sum.BiasScore,
			&sum.MAE, &sum.RMSE, &sum.Bias, &sum.ComputedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// CountScores is used by tests and the run summary to check persisted state.
func (s *Store) CountScores(model string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM verification_scores WHERE model = ?`, model).Scan(&count)
	return count, err
}

func (s *Store) CountOutcomes(model string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM threshold_outcomes t
		JOIN verification_scores v ON t.score_id = v.id
		WHERE v.model = ?
	`, model).Scan(&count)
	return count, err
}
