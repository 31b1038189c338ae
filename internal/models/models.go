package models

import (
	"database/sql"
	"time"
)

// Forecast is a single model forecast value at a point, as written by the
// collectors. Read-only from the engine's perspective.
type Forecast struct {
	ID        int64
	Model     string // "GFS", "NAM", "HRRR", ...
	Variable  string
	IssueTime time.Time
	ValidTime time.Time
	LeadHours int
	Latitude  float64
	Longitude float64
	Value     float64
	Unit      string
	CreatedAt time.Time
}

// Observation is a surface station or buoy reading, as written by the
// collectors. Read-only from the engine's perspective.
type Observation struct {
	ID          int64
	SourceType  string // "metar" or "buoy"
	StationID   string
	Variable    string
	ObservedAt  time.Time
	Latitude    float64
	Longitude   float64
	Value       float64
	Unit        string
	QualityFlag int
	CreatedAt   time.Time
}

// Score holds the per-pair statistical metrics in canonical units.
type Score struct {
	ID            int64
	Model         string
	Variable      string
	ForecastID    int64
	ObservationID int64
	ValidTime     time.Time
	LeadHours     int
	ForecastValue float64
	ObservedValue float64
	DistanceKm    float64
	TimeDiffHours float64
	Error         float64
	AbsoluteError float64
	SquaredError  float64
	CreatedAt     time.Time
}

// Outcome is one cell of the contingency table.
type Outcome string

const (
	OutcomeHit             Outcome = "hit"
	OutcomeMiss            Outcome = "miss"
	OutcomeFalseAlarm      Outcome = "false_alarm"
	OutcomeCorrectNegative Outcome = "correct_negative"
)

// ThresholdOutcome records how one matched pair classified against one
// configured threshold.
type ThresholdOutcome struct {
	ID              int64
	ScoreID         int64
	Threshold       float64
	Operator        string // ">", ">=", "<", "<="
	ForecastExceeds bool
	ObservedExceeds bool
	Outcome         Outcome
}

// SkillSummary is a recomputable projection over scores and outcomes. It is
// never a source of truth; it can be dropped and rebuilt at any time.
type SkillSummary struct {
	Model            string
	Variable         string
	LeadHours        int
	Threshold        float64
	Operator         string
	BucketDate       time.Time // UTC day of the forecast valid time
	Hits             int
	Misses           int
	FalseAlarms      int
	CorrectNegatives int
	Pairs            int
	HitRate          sql.NullFloat64
	FalseAlarmRate   sql.NullFloat64
	FalseAlarmRatio  sql.NullFloat64
	CSI              sql.NullFloat64
	Accuracy         sql.NullFloat64
	BiasScore        sql.NullFloat64
	MAE              sql.NullFloat64
	RMSE             sql.NullFloat64
	Bias             sql.NullFloat64
	ComputedAt       time.Time
}
