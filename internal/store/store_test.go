package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openwx/wxverify/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testForecast(validTime time.Time) models.Forecast {
	return models.Forecast{
		Model:     "GFS",
		Variable:  "temperature_2m",
		IssueTime: validTime.Add(-6 * time.Hour),
		ValidTime: validTime,
		LeadHours: 6,
		Latitude:  34.05,
		Longitude: -118.24,
		Value:     33.5,
		Unit:      "C",
	}
}

func testObservation(obsTime time.Time) models.Observation {
	return models.Observation{
		SourceType: "metar",
		StationID:  "KLAX",
		Variable:   "temperature_2m",
		ObservedAt: obsTime,
		Latitude:   34.06,
		Longitude:  -118.25,
		Value:      31.0,
		Unit:       "C",
	}
}

func TestMigrate(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}

	// Re-running is a no-op.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestGetCandidateForecasts(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := -2; i <= 2; i++ {
		fc := testForecast(base.Add(time.Duration(i) * time.Hour))
		if _, err := store.InsertForecast(fc); err != nil {
			t.Fatalf("InsertForecast: %v", err)
		}
	}
	other := testForecast(base)
	other.Model = "NAM"
	if _, err := store.InsertForecast(other); err != nil {
		t.Fatal(err)
	}

	names := []string{"temperature_2m", "temp", "air_temperature"}
	got, err := store.GetCandidateForecasts("GFS", names, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetCandidateForecasts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (±1h window)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ValidTime.Before(got[i-1].ValidTime) {
			t.Error("candidates not ordered by valid time")
		}
	}
	for _, fc := range got {
		if fc.Model != "GFS" {
			t.Errorf("candidate model = %q, want GFS", fc.Model)
		}
	}
}

func TestGetCandidateForecasts_SynonymVariable(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	fc := testForecast(base)
	fc.Variable = "air_temperature" // collector wrote a synonym
	if _, err := store.InsertForecast(fc); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetCandidateForecasts("GFS", []string{"temperature_2m", "air_temperature"}, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetCandidateForecasts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestInsertScore_Idempotent(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	fcID, err := store.InsertForecast(testForecast(base))
	if err != nil {
		t.Fatal(err)
	}
	obsID, err := store.InsertObservation(testObservation(base.Add(20 * time.Minute)))
	if err != nil {
		t.Fatal(err)
	}

	score := models.Score{
		Model:         "GFS",
		Variable:      "temperature_2m",
		ForecastID:    fcID,
		ObservationID: obsID,
		ValidTime:     base,
		LeadHours:     6,
		ForecastValue: 33.5,
		ObservedValue: 31.0,
		DistanceKm:    1.45,
		TimeDiffHours: 0.33,
		Error:         2.5,
		AbsoluteError: 2.5,
		SquaredError:  6.25,
	}
	outcomes := []models.ThresholdOutcome{
		{Threshold: 0.0, Operator: ">", ForecastExceeds: true, ObservedExceeds: true, Outcome: models.OutcomeHit},
		{Threshold: 35.0, Operator: ">", ForecastExceeds: false, ObservedExceeds: false, Outcome: models.OutcomeCorrectNegative},
	}

	inserted, err := store.InsertScore(score, outcomes)
	if err != nil {
		t.Fatalf("InsertScore: %v", err)
	}
	if !inserted {
		t.Fatal("first InsertScore reported duplicate")
	}

	// Second insert for the same pair is a no-op, not an error.
	inserted, err = store.InsertScore(score, outcomes)
	if err != nil {
		t.Fatalf("second InsertScore: %v", err)
	}
	if inserted {
		t.Error("second InsertScore reported inserted")
	}

	nScores, err := store.CountScores("GFS")
	if err != nil {
		t.Fatal(err)
	}
	if nScores != 1 {
		t.Errorf("scores = %d, want 1", nScores)
	}
	nOutcomes, err := store.CountOutcomes("GFS")
	if err != nil {
		t.Fatal(err)
	}
	if nOutcomes != 2 {
		t.Errorf("outcomes = %d, want 2", nOutcomes)
	}

	exists, err := store.ScoreExists(fcID, obsID)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("ScoreExists = false after insert")
	}
}

func TestGetOutcomeRows(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	fcID, _ := store.InsertForecast(testForecast(base))
	obsID, _ := store.InsertObservation(testObservation(base))

	score := models.Score{
		Model: "GFS", Variable: "temperature_2m",
		ForecastID: fcID, ObservationID: obsID,
		ValidTime: base, LeadHours: 6,
		ForecastValue: 33.5, ObservedValue: 31.0,
		Error: 2.5, AbsoluteError: 2.5, SquaredError: 6.25,
	}
	outcomes := []models.ThresholdOutcome{
		{Threshold: 0.0, Operator: ">", ForecastExceeds: true, ObservedExceeds: true, Outcome: models.OutcomeHit},
	}
	if _, err := store.InsertScore(score, outcomes); err != nil {
		t.Fatal(err)
	}

	rows, err := store.GetOutcomeRows("GFS", "", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetOutcomeRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Outcome != models.OutcomeHit || r.LeadHours != 6 || r.AbsoluteError != 2.5 {
		t.Errorf("row = %+v", r)
	}

	// Variable filter excludes non-matching rows.
	rows, err = store.GetOutcomeRows("GFS", "wind_speed_10m", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("filtered len = %d, want 0", len(rows))
	}
}

func TestSkillSummaryUpsertAndRebuildCycle(t *testing.T) {
	store := setupTestStore(t)

	bucket := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	sum := models.SkillSummary{
		Model: "GFS", Variable: "temperature_2m", LeadHours: 6,
		Threshold: 0.0, Operator: ">", BucketDate: bucket,
		Hits: 3, Misses: 1, Pairs: 4,
		HitRate:    sql.NullFloat64{Float64: 0.75, Valid: true},
		CSI:        sql.NullFloat64{Float64: 0.75, Valid: true},
		MAE:        sql.NullFloat64{Float64: 1.8, Valid: true},
		ComputedAt: bucket.Add(26 * time.Hour),
	}

	if err := store.UpsertSkillSummary(sum); err != nil {
		t.Fatalf("UpsertSkillSummary: %v", err)
	}

	// Upsert replaces, never duplicates.
	sum.Hits = 4
	sum.Pairs = 5
	if err := store.UpsertSkillSummary(sum); err != nil {
		t.Fatalf("second UpsertSkillSummary: %v", err)
	}

	got, err := store.GetSkillSummaries("GFS", "")
	if err != nil {
		t.Fatalf("GetSkillSummaries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Hits != 4 || got[0].Pairs != 5 {
		t.Errorf("summary = %+v, want updated counts", got[0])
	}
	if !got[0].HitRate.Valid || got[0].HitRate.Float64 != 0.75 {
		t.Errorf("HitRate = %+v", got[0].HitRate)
	}
	// Rates that were never defined stay NULL through the round trip.
	if got[0].FalseAlarmRate.Valid {
		t.Errorf("FalseAlarmRate = %+v, want NULL", got[0].FalseAlarmRate)
	}

	if err := store.DeleteSkillSummaries("GFS", "", bucket, bucket); err != nil {
		t.Fatalf("DeleteSkillSummaries: %v", err)
	}
	got, err = store.GetSkillSummaries("GFS", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d after delete, want 0", len(got))
	}
}

func TestGetObservations_StableOrder(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		obs := testObservation(base.Add(time.Duration(i) * time.Minute))
		obs.StationID = "KLAX"
		if _, err := store.InsertObservation(obs); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetObservations(base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ObservedAt.Before(got[i-1].ObservedAt) {
			t.Error("observations not in time order")
		}
	}
}
