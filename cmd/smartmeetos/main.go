// Command smartmeetos runs the calendar poller daemon: it watches a Google
// calendar, dispatches a notetaker bot to eligible meetings, harvests and
// merges transcripts, and feeds them through the LLM pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/calendar"
	"github.com/smartmeetos/smartmeetos/internal/config"
	"github.com/smartmeetos/smartmeetos/internal/scheduling"
	"github.com/smartmeetos/smartmeetos/notetaker"
	"github.com/smartmeetos/smartmeetos/observer"
	"github.com/smartmeetos/smartmeetos/pipeline"
	"github.com/smartmeetos/smartmeetos/provider/openaicompat"
	"github.com/smartmeetos/smartmeetos/state"
	"github.com/smartmeetos/smartmeetos/store/postgres"
	"github.com/smartmeetos/smartmeetos/store/sqlite"
	"github.com/smartmeetos/smartmeetos/transcript"
)

func main() {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to TOML config (default smartmeetos.toml)")
	calendarID := flag.String("calendar", "", "calendar ID to poll (overrides config)")
	pollSeconds := flag.Int("poll-seconds", 0, "poll interval in seconds (overrides config)")
	windowMinutes := flag.Int("window-minutes", 0, "lookahead window in minutes (overrides config)")
	dryRun := flag.Bool("dry-run", false, "classify and log, never dispatch")
	enableBot := flag.Bool("notetaker", true, "enable bot dispatch (false implies dry-run)")
	listCalendars := flag.Bool("list-calendars", false, "list visible calendars and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Load(*configPath)
	if *calendarID != "" {
		cfg.Calendar.CalendarID = *calendarID
	}
	if *pollSeconds > 0 {
		cfg.Scheduler.PollSeconds = *pollSeconds
	}
	if *windowMinutes > 0 {
		cfg.Scheduler.WindowMinutes = *windowMinutes
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Calendar source
	secret, err := os.ReadFile(cfg.Calendar.ClientSecretPath)
	if err != nil {
		fatal(logger, "read client secret", err)
	}
	token, err := os.ReadFile(cfg.Calendar.TokenPath)
	if err != nil {
		fatal(logger, "read oauth token", err)
	}
	httpClient, err := calendar.OAuthClient(ctx, secret, token)
	if err != nil {
		fatal(logger, "build oauth client", err)
	}
	source := calendar.NewGoogleSource(httpClient, calendar.GoogleLogger(logger))

	if *listCalendars {
		cals, err := source.ListCalendars(ctx)
		if err != nil {
			fatal(logger, "list calendars", err)
		}
		for _, c := range cals {
			primary := ""
			if c.Primary {
				primary = " (primary)"
			}
			fmt.Printf("%s\t%s\t%s%s\n", c.ID, c.Summary, c.AccessRole, primary)
		}
		return
	}

	// 2. State store (trigger state, lock, transcripts)
	st := state.New(cfg.State.Dir, state.WithLogger(logger))

	// 3. Row store
	var rows smartmeetos.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			fatal(logger, "connect postgres", err)
		}
		defer pool.Close()
		rows = postgres.New(pool)
	default:
		rows = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := rows.Init(ctx); err != nil {
		fatal(logger, "init store", err)
	}
	defer rows.Close()

	// 4. LLM provider, observability, pipeline
	var llm smartmeetos.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	llm = smartmeetos.WithRetry(llm, smartmeetos.RetryLogger(logger))
	limiter := smartmeetos.NewLimiter(cfg.RateLimit.RPM, cfg.RateLimit.TPM)

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, nil)
		if err != nil {
			fatal(logger, "init observer", err)
		}
		defer shutdown(context.Background()) //nolint:errcheck
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}

	runnerOpts := []pipeline.RunnerOption{
		pipeline.RunnerLogger(logger),
		pipeline.RunnerChunkerOptions(
			pipeline.WithMaxChars(cfg.Pipeline.MaxChunkChars),
			pipeline.WithOverlapChars(cfg.Pipeline.OverlapChars),
		),
		pipeline.RunnerExtractWorkers(cfg.Pipeline.ExtractWorkers),
		pipeline.RunnerAggregateWorkers(cfg.Pipeline.AggregateWorkers),
	}
	if inst != nil {
		runnerOpts = append(runnerOpts, pipeline.RunnerTracer(observer.NewTracer()))
	}
	var processor observer.TranscriptProcessor = pipeline.NewRunner(llm, rows, limiter, runnerOpts...)
	if inst != nil {
		processor = observer.WrapPipeline(processor, inst)
	}

	// 5. Notetaker supervisor plus post-run merge and pipeline
	client := notetaker.NewClient(cfg.Notetaker.APIKey,
		notetaker.WithBaseURL(cfg.Notetaker.BaseURL),
		notetaker.WithGrantID(cfg.Notetaker.GrantID),
		notetaker.WithBotName(cfg.Notetaker.BotName),
		notetaker.WithClientLogger(logger))
	sup := notetaker.NewSupervisor(client, st, notetaker.DefaultConfig(),
		notetaker.SupervisorLogger(logger),
		notetaker.SupervisorSettings(notetaker.MeetingSettings{
			Transcription:  cfg.Notetaker.Transcription,
			AudioRecording: cfg.Notetaker.AudioRecording,
		}))
	runner := &meetingRunner{
		sup:       sup,
		merger:    transcript.NewMerger(st, transcript.MergerLogger(logger)),
		processor: processor,
		sink:      smartmeetos.NopSink{},
		logger:    logger,
		ctx:       ctx,
	}

	// 6. Scheduler
	schedCfg := scheduling.DefaultConfig()
	schedCfg.CalendarID = cfg.Calendar.CalendarID
	schedCfg.PollInterval = time.Duration(cfg.Scheduler.PollSeconds) * time.Second
	schedCfg.Window = time.Duration(cfg.Scheduler.WindowMinutes) * time.Minute
	schedCfg.Lookback = time.Duration(cfg.Scheduler.LookbackMinutes) * time.Minute
	schedCfg.DryRun = *dryRun || !*enableBot

	sched := scheduling.New(source, st, runner, schedCfg, scheduling.WithLogger(logger))

	logger.Info("smartmeetos started",
		"calendar", cfg.Calendar.CalendarID,
		"poll", schedCfg.PollInterval,
		"dry_run", schedCfg.DryRun)
	sched.Run(ctx)
	runner.wait()
	logger.Info("smartmeetos stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
