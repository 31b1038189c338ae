package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/openwx/wxverify/internal/metrics"
	"github.com/openwx/wxverify/internal/models"
	"github.com/openwx/wxverify/internal/store"
	"github.com/openwx/wxverify/internal/units"
)

// Options configure a single verification run over one bounded window.
type Options struct {
	Model      string       // required
	Variable   string       // optional filter; any registered name or synonym
	LookBack   time.Duration // window is [now-LookBack, now]
	Windows    MatchWindows
	Thresholds []Threshold // explicit override; empty means registry defaults
	Operator   string      // operator for registry-default thresholds
	DryRun     bool
	Workers    int
}

func (o *Options) validate(registry *units.Registry) error {
	if o.Model == "" {
		return errors.New("model is required")
	}
	if o.LookBack <= 0 {
		return fmt.Errorf("look-back window must be positive, got %s", o.LookBack)
	}
	if o.Windows.SpatialKm <= 0 {
		return fmt.Errorf("spatial window must be positive, got %v km", o.Windows.SpatialKm)
	}
	if o.Windows.TemporalHours <= 0 {
		return fmt.Errorf("temporal window must be positive, got %v h", o.Windows.TemporalHours)
	}
	if o.Windows.TimeWeight < 0 {
		return fmt.Errorf("time weight must not be negative, got %v", o.Windows.TimeWeight)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Operator == "" {
		o.Operator = ">"
	}
	if _, err := (Threshold{Operator: o.Operator}).exceeds(0); err != nil {
		return err
	}
	for _, th := range o.Thresholds {
		if _, err := th.exceeds(0); err != nil {
			return err
		}
	}
	if o.Variable != "" {
		if _, err := registry.Resolve(o.Variable); err != nil {
			return fmt.Errorf("variable filter: %w", err)
		}
	}
	return nil
}

// ThresholdKey groups decision results within a run summary.
type ThresholdKey struct {
	Variable  string
	Threshold float64
	Operator  string
}

// DecisionGroup is one (variable, threshold) cell of the run summary.
type DecisionGroup struct {
	Counts ContingencyCounts
	Scores DecisionScores
}

// Summary reports what one run did. A dry run produces the same counts as a
// real run over the same data.
type Summary struct {
	Model       string
	WindowStart time.Time
	WindowEnd   time.Time
	DryRun      bool

	ObservationsScanned int
	PairsVerified       int
	AlreadyVerified     int
	Unmatched           int
	Skipped             map[string]int // reason -> count

	Statistical map[string]StatSummary         // by canonical variable
	Decision    map[ThresholdKey]DecisionGroup // by (variable, threshold, operator)
}

// Runner is the verification engine: it pairs observations with forecasts
// inside a bounded window, scores each pair, and persists the results
// idempotently.
type Runner struct {
	store    *store.Store
	registry *units.Registry
	clock    clockwork.Clock
}

func NewRunner(st *store.Store, registry *units.Registry, clock clockwork.Clock) *Runner {
	return &Runner{store: st, registry: registry, clock: clock}
}

// pairResult is what one observation contributed to the run.
type pairResult struct {
	skipReason string
	unmatched  bool
	duplicate  bool

	variable string
	metrics  StatMetrics
	outcomes []models.ThresholdOutcome
}

// Run verifies one (model, window) batch. Per-record problems are logged,
// counted, and never abort the batch; only store or configuration failures
// return an error.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := opts.validate(r.registry); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	end := r.clock.Now().UTC()
	start := end.Add(-opts.LookBack)

	log.Printf("verify: starting %s run %s to %s (spatial %.0fkm, temporal %.1fh, dry_run=%v)",
		opts.Model, start.Format(time.RFC3339), end.Format(time.RFC3339),
		opts.Windows.SpatialKm, opts.Windows.TemporalHours, opts.DryRun)

	var filterKey string
	if opts.Variable != "" {
		filterKey, _ = r.registry.Resolve(opts.Variable)
	}

	observations, err := r.store.GetObservations(start, end)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	summary := &Summary{
		Model:       opts.Model,
		WindowStart: start,
		WindowEnd:   end,
		DryRun:      opts.DryRun,
		Skipped:     make(map[string]int),
		Statistical: make(map[string]StatSummary),
		Decision:    make(map[ThresholdKey]DecisionGroup),
	}

	var mu sync.Mutex
	errsByVar := make(map[string][]float64)
	absByVar := make(map[string][]float64)
	sqByVar := make(map[string][]float64)
	counts := make(map[ThresholdKey]*ContingencyCounts)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for _, obs := range observations {
		obs := obs

		key, err := r.registry.Resolve(obs.Variable)
		if err != nil {
			log.Printf("verify: skipped obs %d (station %s): unknown variable %q", obs.ID, obs.StationID, obs.Variable)
			metrics.ObservationsSkipped.WithLabelValues(opts.Model, "unknown_variable").Inc()
			// Workers spawned for earlier observations write this map
			// under mu; the dispatch loop must too.
			mu.Lock()
			summary.Skipped["unknown_variable"]++
			mu.Unlock()
			continue
		}
		if filterKey != "" && key != filterKey {
			continue
		}
		summary.ObservationsScanned++

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			res, err := r.verifyOne(obs, key, opts)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.skipReason != "":
				summary.Skipped[res.skipReason]++
				metrics.ObservationsSkipped.WithLabelValues(opts.Model, res.skipReason).Inc()
			case res.unmatched:
				summary.Unmatched++
				metrics.ObservationsUnmatched.WithLabelValues(opts.Model, res.variable).Inc()
			case res.duplicate:
				summary.AlreadyVerified++
				metrics.PairsAlreadyVerified.WithLabelValues(opts.Model, res.variable).Inc()
			default:
				summary.PairsVerified++
				metrics.PairsVerified.WithLabelValues(opts.Model, res.variable).Inc()
				errsByVar[res.variable] = append(errsByVar[res.variable], res.metrics.Error)
				absByVar[res.variable] = append(absByVar[res.variable], res.metrics.AbsoluteError)
				sqByVar[res.variable] = append(sqByVar[res.variable], res.metrics.SquaredError)
				for _, o := range res.outcomes {
					k := ThresholdKey{Variable: res.variable, Threshold: o.Threshold, Operator: o.Operator}
					if counts[k] == nil {
						counts[k] = &ContingencyCounts{}
					}
					counts[k].Add(o.Outcome)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for variable, errs := range errsByVar {
		summary.Statistical[variable] = Summarize(errs, absByVar[variable], sqByVar[variable])
	}
	for k, c := range counts {
		summary.Decision[k] = DecisionGroup{Counts: *c, Scores: c.Score()}
	}

	log.Printf("verify: %s done: %d verified, %d already verified, %d unmatched, %d skipped",
		opts.Model, summary.PairsVerified, summary.AlreadyVerified, summary.Unmatched, summary.TotalSkipped())

	return summary, nil
}

// verifyOne processes a single observation. Only store failures are returned
// as errors; everything else lands in the result.
func (r *Runner) verifyOne(obs models.Observation, key string, opts Options) (pairResult, error) {
	res := pairResult{variable: key}

	if flag, ok := units.CheckCoordinates(obs.Latitude, obs.Longitude); !ok {
		log.Printf("verify: skipped obs %d (station %s): %s (%.3f, %.3f)", obs.ID, obs.StationID, flag, obs.Latitude, obs.Longitude)
		res.skipReason = flag
		return res, nil
	}

	observed, err := r.registry.ToCanonical(key, obs.Unit, obs.Value)
	if err != nil {
		log.Printf("verify: skipped obs %d (station %s): %v", obs.ID, obs.StationID, err)
		res.skipReason = "unsupported_unit"
		return res, nil
	}

	if flag, ok := r.registry.CheckValue(key, observed); !ok {
		log.Printf("verify: skipped obs %d (station %s): %s value %v", obs.ID, obs.StationID, flag, obs.Value)
		res.skipReason = flag
		return res, nil
	}

	names, err := r.registry.AllNames(key)
	if err != nil {
		return res, err
	}
	winStart, winEnd := WindowAround(obs.ObservedAt, opts.Windows.TemporalHours)
	candidates, err := r.store.GetCandidateForecasts(opts.Model, names, winStart, winEnd)
	if err != nil {
		return res, fmt.Errorf("load candidate forecasts: %w", err)
	}

	match := BestMatch(obs, candidates, opts.Windows)
	if match == nil {
		res.unmatched = true
		return res, nil
	}

	forecast, err := r.registry.ToCanonical(key, match.Forecast.Unit, match.Forecast.Value)
	if err != nil {
		log.Printf("verify: skipped obs %d: forecast %d has %v", obs.ID, match.Forecast.ID, err)
		res.skipReason = "unsupported_unit"
		return res, nil
	}

	res.metrics = Statistical(forecast, observed)

	thresholds := opts.Thresholds
	if len(thresholds) == 0 {
		defaults, err := r.registry.Thresholds(key)
		if err != nil {
			return res, err
		}
		thresholds = make([]Threshold, 0, len(defaults))
		for _, v := range defaults {
			thresholds = append(thresholds, Threshold{Value: v, Operator: opts.Operator})
		}
	}

	res.outcomes, err = Classify(forecast, observed, thresholds)
	if err != nil {
		return res, err
	}

	if opts.DryRun {
		exists, err := r.store.ScoreExists(match.Forecast.ID, obs.ID)
		if err != nil {
			return res, fmt.Errorf("check existing score: %w", err)
		}
		res.duplicate = exists
		return res, nil
	}

	score := models.Score{
		Model:         opts.Model,
		Variable:      key,
		ForecastID:    match.Forecast.ID,
		ObservationID: obs.ID,
		ValidTime:     match.Forecast.ValidTime,
		LeadHours:     match.Forecast.LeadHours,
		ForecastValue: forecast,
		ObservedValue: observed,
		DistanceKm:    match.DistanceKm,
		TimeDiffHours: match.TimeDiffHours,
		Error:         res.metrics.Error,
		AbsoluteError: res.metrics.AbsoluteError,
		SquaredError:  res.metrics.SquaredError,
	}

	inserted, err := r.store.InsertScore(score, res.outcomes)
	if err != nil {
		return res, fmt.Errorf("persist score: %w", err)
	}
	res.duplicate = !inserted
	return res, nil
}

func (s *Summary) TotalSkipped() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

// Report renders the run summary in the shape the scheduler logs expect.
func (s *Summary) Report() string {
	var b strings.Builder

	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(&b, "verification of %s%s: %s to %s\n", s.Model, mode,
		s.WindowStart.Format("2006-01-02 15:04"), s.WindowEnd.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "  pairs verified:   %d\n", s.PairsVerified)
	fmt.Fprintf(&b, "  already verified: %d\n", s.AlreadyVerified)
	fmt.Fprintf(&b, "  unmatched:        %d\n", s.Unmatched)

	reasons := make([]string, 0, len(s.Skipped))
	for reason := range s.Skipped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(&b, "  skipped: %d %s\n", s.Skipped[reason], reason)
	}

	vars := make([]string, 0, len(s.Statistical))
	for v := range s.Statistical {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	for _, v := range vars {
		st := s.Statistical[v]
		fmt.Fprintf(&b, "  %s: MAE=%.3f RMSE=%.3f bias=%+.3f (n=%d)\n",
			v, st.MAE.Float64, st.RMSE.Float64, st.Bias.Float64, st.Pairs)
	}

	keys := make([]ThresholdKey, 0, len(s.Decision))
	for k := range s.Decision {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Variable != keys[j].Variable {
			return keys[i].Variable < keys[j].Variable
		}
		return keys[i].Threshold < keys[j].Threshold
	})
	for _, k := range keys {
		g := s.Decision[k]
		fmt.Fprintf(&b, "  %s %s %g: hits=%d misses=%d fa=%d cn=%d csi=%s pod=%s\n",
			k.Variable, k.Operator, k.Threshold,
			g.Counts.Hits, g.Counts.Misses, g.Counts.FalseAlarms, g.Counts.CorrectNegatives,
			fmtRate(g.Scores.CSI), fmtRate(g.Scores.HitRate))
	}

	return b.String()
}

// fmtRate renders a nullable rate; "undef" marks a zero denominator, which
// must stay distinguishable from a genuine 0.
func fmtRate(v sql.NullFloat64) string {
	if !v.Valid {
		return "undef"
	}
	return fmt.Sprintf("%.3f", v.Float64)
}
