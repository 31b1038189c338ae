package verify

import (
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openwx/wxverify/internal/models"
	"github.com/openwx/wxverify/internal/store"
)

// Aggregator rebuilds skill summaries from persisted scores and outcomes.
// Summaries are a pure projection: rebuilding the same window twice produces
// identical rows regardless of how the underlying pairs were inserted.
type Aggregator struct {
	store *store.Store
	clock clockwork.Clock
}

func NewAggregator(st *store.Store, clock clockwork.Clock) *Aggregator {
	return &Aggregator{store: st, clock: clock}
}

type groupKey struct {
	Model     string
	Variable  string
	LeadHours int
	Threshold float64
	Operator  string
	Bucket    time.Time
}

// Rebuild recomputes skill summaries for one model over a look-back window,
// optionally restricted to one canonical variable. Existing summary rows in
// the window are dropped first so stale groups cannot survive. Returns the
// number of summary rows written.
func (a *Aggregator) Rebuild(model, variable string, lookBack time.Duration) (int, error) {
	if model == "" {
		return 0, fmt.Errorf("model is required")
	}
	if lookBack <= 0 {
		return 0, fmt.Errorf("look-back window must be positive, got %s", lookBack)
	}

	end := a.clock.Now().UTC()
	start := end.Add(-lookBack)

	// Buckets touched by the window are rebuilt whole: a look-back starting
	// mid-day must not recompute its first day from partial data, so the row
	// query spans every touched bucket from midnight to midnight.
	bucketStart := bucketOf(start)
	bucketEnd := bucketOf(end)
	rowEnd := bucketEnd.AddDate(0, 0, 1).Add(-time.Nanosecond)

	rows, err := a.store.GetOutcomeRows(model, variable, bucketStart, rowEnd)
	if err != nil {
		return 0, fmt.Errorf("load outcome rows: %w", err)
	}

	if err := a.store.DeleteSkillSummaries(model, variable, bucketStart, bucketEnd); err != nil {
		return 0, fmt.Errorf("clear summaries: %w", err)
	}

	type groupAgg struct {
		counts  ContingencyCounts
		errs    []float64
		absErrs []float64
		sqErrs  []float64
	}
	groups := make(map[groupKey]*groupAgg)

	for _, row := range rows {
		k := groupKey{
			Model:     row.Model,
			Variable:  row.Variable,
			LeadHours: row.LeadHours,
			Threshold: row.Threshold,
			Operator:  row.Operator,
			Bucket:    bucketOf(row.ValidTime),
		}
		g := groups[k]
		if g == nil {
			g = &groupAgg{}
			groups[k] = g
		}
		g.counts.Add(row.Outcome)
		g.errs = append(g.errs, row.Error)
		g.absErrs = append(g.absErrs, row.AbsoluteError)
		g.sqErrs = append(g.sqErrs, row.SquaredError)
	}

	computedAt := a.clock.Now().UTC()
	written := 0
	for k, g := range groups {
		scores := g.counts.Score()
		stat := Summarize(g.errs, g.absErrs, g.sqErrs)

		sum := models.SkillSummary{
			Model:            k.Model,
			Variable:         k.Variable,
			LeadHours:        k.LeadHours,
			Threshold:        k.Threshold,
			Operator:         k.Operator,
			BucketDate:       k.Bucket,
			Hits:             g.counts.Hits,
			Misses:           g.counts.Misses,
			FalseAlarms:      g.counts.FalseAlarms,
			CorrectNegatives: g.counts.CorrectNegatives,
			Pairs:            g.counts.Total(),
			HitRate:          scores.HitRate,
			FalseAlarmRate:   scores.FalseAlarmRate,
			FalseAlarmRatio:  scores.FalseAlarmRatio,
			CSI:              scores.CSI,
			Accuracy:         scores.Accuracy,
			BiasScore:        scores.BiasScore,
			MAE:              stat.MAE,
			RMSE:             stat.RMSE,
			Bias:             stat.Bias,
			ComputedAt:       computedAt,
		}
		if err := a.store.UpsertSkillSummary(sum); err != nil {
			return written, fmt.Errorf("upsert summary %s/%s lead=%d threshold=%g: %w",
				k.Model, k.Variable, k.LeadHours, k.Threshold, err)
		}
		written++
	}

	log.Printf("aggregate: %s rebuilt %d summaries from %d outcome rows", model, written, len(rows))
	return written, nil
}

// bucketOf buckets a valid time into its UTC day.
func bucketOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
