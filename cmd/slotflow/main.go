package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"slotflow/internal/accounts"
	"slotflow/internal/alert"
	"slotflow/internal/api"
	"slotflow/internal/config"
	"slotflow/internal/orchestrator"
	"slotflow/internal/pipeline"
	"slotflow/internal/pipeline/shell"
	"slotflow/internal/publish"
	"slotflow/internal/recurrence"
	"slotflow/internal/slots"
	"slotflow/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config (empty = defaults)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	loc := cfg.Location()

	var repo store.Repository
	switch cfg.Store.Driver {
	case "memory":
		repo = store.NewMemoryRepo()
	default:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.Path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		repo = store.NewSQLiteRepo(db)
	}

	alloc := slots.New(repo, slots.Options{
		MinInterval: cfg.Allocator.MinInterval,
		Jitter:      cfg.Allocator.Jitter,
		Location:    loc,
	})

	registry := pipeline.NewRegistry()
	for id, pc := range cfg.Pipelines {
		registry.Register(id, shell.Executor{Command: pc.Command, Args: pc.Args})
		log.Info().Str("pipeline_id", id).Str("command", pc.Command).Msg("pipeline registered")
	}

	publisher := publish.NewWebhook(cfg.Publisher.Endpoint, cfg.Publisher.Timeout)
	dir := accounts.NewStatic(cfg.Accounts)
	alerts := alert.NewService(alert.LogDeliver, cfg.Alerts.RatePerSec, cfg.Alerts.QueueSize)

	orch := orchestrator.New(orchestrator.Config{
		TickEvery:         cfg.Orchestrator.TickEvery,
		ProduceWorkers:    cfg.Orchestrator.ProduceWorkers,
		PublishWorkers:    cfg.Orchestrator.PublishWorkers,
		LeadTime:          cfg.Orchestrator.LeadTime,
		MaxRetries:        cfg.Orchestrator.MaxRetries,
		RetryDelay:        cfg.Orchestrator.RetryDelay,
		RetryAnchor:       orchestrator.RetryAnchor(cfg.Orchestrator.RetryAnchor),
		Retention:         cfg.Orchestrator.Retention,
		StageTimeout:      cfg.Orchestrator.StageTimeout,
		DaysAhead:         cfg.Orchestrator.DaysAhead,
		StartHour:         cfg.Orchestrator.StartHour,
		EndHour:           cfg.Orchestrator.EndHour,
		Strategy:          slots.Strategy(cfg.Orchestrator.Strategy),
		SlotRetentionDays: cfg.Orchestrator.SlotRetentionDays,
	}, repo, alloc, registry, publisher, dir, alerts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := orch.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recover tasks")
	} else {
		log.Info().Int("recovered", n).Msg("recovered in-flight tasks")
	}

	rec := recurrence.NewService(repo, orch.HandleFire, cfg.Recurrence.PollEvery, loc)

	go alerts.Start(ctx)
	go orch.Start(ctx)
	go rec.Start(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(repo, alloc, rec, orch, loc)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	rec.Stop()
	orch.Stop()
	alerts.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
