package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/openwx/wxverify/internal/store"
	"github.com/openwx/wxverify/internal/units"
	"github.com/openwx/wxverify/internal/verify"
)

type cli struct {
	DB string `help:"Path to SQLite database." env:"WXVERIFY_DB" default:"data/wxverify.db"`

	Verify    verifyCmd    `cmd:"" help:"Match observations to forecasts and score them."`
	Aggregate aggregateCmd `cmd:"" help:"Rebuild skill summaries from persisted scores."`
	Migrate   migrateCmd   `cmd:"" help:"Apply schema migrations and exit."`
}

type appContext struct {
	ctx      context.Context
	store    *store.Store
	registry *units.Registry
	clock    clockwork.Clock
}

type verifyCmd struct {
	Model         string    `help:"Model to verify (GFS, NAM, ...)." required:""`
	HoursBack     int       `help:"Look-back window in hours." default:"24" env:"WXVERIFY_HOURS_BACK"`
	Variable      string    `help:"Restrict to one variable (any registered name or synonym)."`
	Thresholds    []float64 `help:"Explicit decision thresholds in canonical units (default: per-variable registry)." sep:","`
	Operator      string    `help:"Comparison operator for thresholds." default:">" enum:">,>=,<,<="`
	SpatialKm     float64   `help:"Max matching distance in km." default:"50" env:"WXVERIFY_SPATIAL_KM"`
	TemporalHours float64   `help:"Max matching time offset in hours." default:"1" env:"WXVERIFY_TEMPORAL_HOURS"`
	TimeWeight    float64   `help:"Km-equivalent of one hour of time offset in the tie-break score." default:"10" env:"WXVERIFY_TIME_WEIGHT"`
	Workers       int       `help:"Concurrent observation workers." default:"4"`
	DryRun        bool      `help:"Match and score but write nothing."`
}

func (c *verifyCmd) Run(app *appContext) error {
	var thresholds []verify.Threshold
	for _, v := range c.Thresholds {
		thresholds = append(thresholds, verify.Threshold{Value: v, Operator: c.Operator})
	}

	runner := verify.NewRunner(app.store, app.registry, app.clock)
	summary, err := runner.Run(app.ctx, verify.Options{
		Model:    c.Model,
		Variable: c.Variable,
		LookBack: time.Duration(c.HoursBack) * time.Hour,
		Windows: verify.MatchWindows{
			SpatialKm:     c.SpatialKm,
			TemporalHours: c.TemporalHours,
			TimeWeight:    c.TimeWeight,
		},
		Thresholds: thresholds,
		Operator:   c.Operator,
		DryRun:     c.DryRun,
		Workers:    c.Workers,
	})
	if err != nil {
		return err
	}

	// Zero matched pairs is a valid, reportable outcome, not a failure.
	fmt.Print(summary.Report())
	return nil
}

type aggregateCmd struct {
	Model     string `help:"Model to aggregate." required:""`
	HoursBack int    `help:"Look-back window in hours." default:"168"`
	Variable  string `help:"Restrict to one variable (any registered name or synonym)."`
}

func (c *aggregateCmd) Run(app *appContext) error {
	variable := c.Variable
	if variable != "" {
		key, err := app.registry.Resolve(variable)
		if err != nil {
			return err
		}
		variable = key
	}

	agg := verify.NewAggregator(app.store, app.clock)
	written, err := agg.Rebuild(c.Model, variable, time.Duration(c.HoursBack)*time.Hour)
	if err != nil {
		return err
	}

	summaries, err := app.store.GetSkillSummaries(c.Model, variable)
	if err != nil {
		return err
	}

	fmt.Printf("rebuilt %d skill summaries for %s\n", written, c.Model)
	for _, s := range summaries {
		fmt.Printf("%s %s lead=%dh %s %g [%s]: pairs=%d csi=%s pod=%s far=%s mae=%s\n",
			s.BucketDate.Format("2006-01-02"), s.Variable, s.LeadHours, s.Operator, s.Threshold, s.Model,
			s.Pairs, fmtNull(s.CSI), fmtNull(s.HitRate), fmtNull(s.FalseAlarmRatio), fmtNull(s.MAE))
	}
	return nil
}

type migrateCmd struct{}

func (c *migrateCmd) Run(app *appContext) error {
	version, err := app.store.MigrationVersion()
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %d\n", version)
	return nil
}

func fmtNull(v sql.NullFloat64) string {
	if !v.Valid {
		return "undef"
	}
	return fmt.Sprintf("%.3f", v.Float64)
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("wxverify"),
		kong.Description("Forecast verification engine: scores model forecasts against observations."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	db, err := sql.Open("sqlite", c.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Ping(); err != nil {
		log.Fatalf("store unreachable: %v", err)
	}
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	registry := units.DefaultRegistry()
	if err := registry.Validate(); err != nil {
		log.Fatalf("unit registry: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := &appContext{
		ctx:      ctx,
		store:    st,
		registry: registry,
		clock:    clockwork.NewRealClock(),
	}

	err = kctx.Run(app)
	kctx.FatalIfErrorf(err)
}
