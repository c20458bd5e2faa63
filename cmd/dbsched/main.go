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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"dbsched/internal/api"
	"dbsched/internal/config"
	"dbsched/internal/handlers/httpcall"
	"dbsched/internal/handlers/shell"
	"dbsched/internal/scheduler"
	"dbsched/internal/stats"
	"dbsched/internal/store"
	"dbsched/internal/task"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dsn     = flag.String("dsn", "", "database DSN (overrides config)")
		driver  = flag.String("driver", "", "database driver: sqlite or postgres (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dsn != "" {
		cfg.DB.DSN = *dsn
	}
	if *driver != "" {
		cfg.DB.Driver = *driver
	}

	db, dialect, err := openDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	st := store.NewSQL(db, dialect, log.Logger)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	tasks := task.NewRegistry(
		shell.Task(),
		httpcall.Task(),
	)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector())

	sched := scheduler.New(st, tasks, scheduler.Config{
		Name:              cfg.Scheduler.Name,
		Workers:           cfg.Scheduler.Workers,
		PollInterval:      cfg.Scheduler.PollInterval.Std(),
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval.Std(),
		DeadThreshold:     cfg.Scheduler.DeadThreshold.Std(),
		Stats:             stats.NewPrometheus(metrics),
		Logger:            log.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	client := scheduler.NewClient(st, log.Logger)
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(client, st, tasks, metrics)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	<-done

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func openDB(cfg config.Config) (*sql.DB, store.Dialect, error) {
	switch cfg.DB.Driver {
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB.DSN)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		return db, store.SQLite(), nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.DB.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, store.Postgres(), nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}
