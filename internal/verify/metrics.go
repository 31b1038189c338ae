package verify

import (
	"fmt"

	"github.com/openwx/wxverify/internal/models"
)

// StatMetrics are the per-pair statistical errors, computed once at match
// time. MAE/RMSE/bias are derived from them at aggregation, never here.
type StatMetrics struct {
	Error         float64
	AbsoluteError float64
	SquaredError  float64
}

// Statistical computes signed, absolute, and squared error for a pair in
// canonical units.
func Statistical(forecast, observed float64) StatMetrics {
	err := forecast - observed
	abs := err
	if abs < 0 {
		abs = -abs
	}
	return StatMetrics{
		Error:         err,
		AbsoluteError: abs,
		SquaredError:  err * err,
	}
}

// Threshold pairs a decision level with its comparison operator.
type Threshold struct {
	Value    float64
	Operator string // ">", ">=", "<", "<="
}

func (t Threshold) exceeds(v float64) (bool, error) {
	switch t.Operator {
	case ">":
		return v > t.Value, nil
	case ">=":
		return v >= t.Value, nil
	case "<":
		return v < t.Value, nil
	case "<=":
		return v <= t.Value, nil
	default:
		return false, fmt.Errorf("invalid threshold operator %q", t.Operator)
	}
}

// Classify evaluates one matched pair against each threshold independently
// and returns one contingency-table outcome per threshold. The outcome is a
// pure function of the two exceedance booleans:
//
//	forecast yes, observed yes -> hit
//	forecast no,  observed yes -> miss
//	forecast yes, observed no  -> false_alarm
//	forecast no,  observed no  -> correct_negative
func Classify(forecast, observed float64, thresholds []Threshold) ([]models.ThresholdOutcome, error) {
	outcomes := make([]models.ThresholdOutcome, 0, len(thresholds))
	for _, th := range thresholds {
		fcExceeds, err := th.exceeds(forecast)
		if err != nil {
			return nil, err
		}
		obExceeds, _ := th.exceeds(observed)

		var outcome models.Outcome
		switch {
		case fcExceeds && obExceeds:
			outcome = models.OutcomeHit
		case !fcExceeds && obExceeds:
			outcome = models.OutcomeMiss
		case fcExceeds && !obExceeds:
			outcome = models.OutcomeFalseAlarm
		default:
			outcome = models.OutcomeCorrectNegative
		}

		outcomes = append(outcomes, models.ThresholdOutcome{
			Threshold:       th.Value,
			Operator:        th.Operator,
			ForecastExceeds: fcExceeds,
			ObservedExceeds: obExceeds,
			Outcome:         outcome,
		})
	}
	return outcomes, nil
}
