package verify

import (
	"database/sql"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/openwx/wxverify/internal/models"
)

// ContingencyCounts tallies threshold outcomes for one group.
type ContingencyCounts struct {
	Hits             int
	Misses           int
	FalseAlarms      int
	CorrectNegatives int
}

func (c *ContingencyCounts) Add(o models.Outcome) {
	switch o {
	case models.OutcomeHit:
		c.Hits++
	case models.OutcomeMiss:
		c.Misses++
	case models.OutcomeFalseAlarm:
		c.FalseAlarms++
	case models.OutcomeCorrectNegative:
		c.CorrectNegatives++
	}
}

func (c ContingencyCounts) Total() int {
	return c.Hits + c.Misses + c.FalseAlarms + c.CorrectNegatives
}

// DecisionScores are the aggregate decision-quality rates for one group.
// Every rate is NULL when its denominator is zero: with sparse or rare-event
// data "no information" must stay distinct from a genuine 0 score.
type DecisionScores struct {
	HitRate         sql.NullFloat64 // POD: hits / (hits + misses)
	FalseAlarmRate  sql.NullFloat64 // false_alarms / (false_alarms + correct_negatives)
	FalseAlarmRatio sql.NullFloat64 // false_alarms / (false_alarms + hits)
	CSI             sql.NullFloat64 // hits / (hits + misses + false_alarms)
	Accuracy        sql.NullFloat64 // (hits + correct_negatives) / total
	BiasScore       sql.NullFloat64 // (hits + false_alarms) / (hits + misses)
}

func ratio(num, den int) sql.NullFloat64 {
	if den == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(num) / float64(den), Valid: true}
}

// Score derives the decision rates from a contingency table.
func (c ContingencyCounts) Score() DecisionScores {
	return DecisionScores{
		HitRate:         ratio(c.Hits, c.Hits+c.Misses),
		FalseAlarmRate:  ratio(c.FalseAlarms, c.FalseAlarms+c.CorrectNegatives),
		FalseAlarmRatio: ratio(c.FalseAlarms, c.FalseAlarms+c.Hits),
		CSI:             ratio(c.Hits, c.Hits+c.Misses+c.FalseAlarms),
		Accuracy:        ratio(c.Hits+c.CorrectNegatives, c.Total()),
		BiasScore:       ratio(c.Hits+c.FalseAlarms, c.Hits+c.Misses),
	}
}

// StatSummary holds the aggregate statistical metrics for one group of
// matched pairs.
type StatSummary struct {
	Pairs int
	MAE   sql.NullFloat64
	RMSE  sql.NullFloat64
	Bias  sql.NullFloat64
}

// Summarize rolls per-pair errors up into MAE, RMSE, and mean bias. An empty
// group yields NULL metrics, not zeros.
func Summarize(errs, absErrs, sqErrs []float64) StatSummary {
	n := len(errs)
	if n == 0 {
		return StatSummary{}
	}

	mae, _ := stats.Mean(absErrs)
	mse, _ := stats.Mean(sqErrs)
	bias, _ := stats.Mean(errs)

	return StatSummary{
		Pairs: n,
		MAE:   sql.NullFloat64{Float64: mae, Valid: true},
		RMSE:  sql.NullFloat64{Float64: math.Sqrt(mse), Valid: true},
		Bias:  sql.NullFloat64{Float64: bias, Valid: true},
	}
}
