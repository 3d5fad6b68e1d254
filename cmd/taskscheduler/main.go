package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskscheduler/internal/admission"
	"taskscheduler/internal/api"
	"taskscheduler/internal/config"
	"taskscheduler/internal/core"
	"taskscheduler/internal/domain"
	httph "taskscheduler/internal/handlers/http"
	"taskscheduler/internal/handlers/noop"
	"taskscheduler/internal/handlers/shell"
	"taskscheduler/internal/handlers/sleep"
	"taskscheduler/internal/scheduler"
	"taskscheduler/internal/store"
	"taskscheduler/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (optional, watched for changes)")
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		dbPath  = flag.String("db", "taskscheduler.db", "SQLite DB path")
		workers = flag.Int("workers", 8, "size of the shared worker pool")
		debug   = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	// Explicit flags win over the file, on reload too.
	pinned := map[string]bool{}
	flag.Visit(func(f *flag.Flag) {
		pinned[f.Name] = true
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "db":
			cfg.DB = *dbPath
		case "workers":
			cfg.Workers = *workers
		case "debug":
			cfg.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setupLogging(cfg.Log)

	db, err := store.Open(cfg.DB, cfg.BusyTimeoutDur)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	handlers := worker.NewRegistry()
	handlers.Register("noop", noop.Noop{})
	handlers.Register("sleep", sleep.Sleep{Default: cfg.SleepDefaultDur})
	if cfg.Handlers.Shell {
		handlers.Register("shell", shell.Shell{})
	}
	if cfg.Handlers.HTTP {
		handlers.Register("http", httph.HTTP{})
	}

	pool := worker.NewPool(cfg.Workers)
	adm := admission.New(pool, cfg.Limits())
	svc := core.New(repo, scheduler.NewProvider(cfg.Location), adm, pool, handlers, core.Options{
		RetryDelay:     cfg.RetryDelayDur,
		DefaultTimeout: cfg.DefaultTimeoutDur,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep, err := svc.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}
	log.Info().Int("one_shot", rep.OneShot).Int("recurring", rep.Recurring).Int("interrupted", rep.Interrupted).Msg("recovered tasks")

	if *cfgPath != "" {
		rl := newReloader(svc, cfg, pinned["workers"])
		go func() {
			if err := config.Watch(ctx, *cfgPath, rl.apply); err != nil {
				log.Error().Err(err).Msg("config watch stopped")
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(svc, cfg.Debug)}
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
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if err := svc.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("running tasks interrupted")
	}
}

func setupLogging(lc config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(strings.ToLower(lc.Level)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if strings.ToLower(lc.Format) != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

type tuner interface {
	ResizeWorkers(n int) error
	ConfigureConcurrency(category string, max int) error
}

// reloader hot-reloads the settings that can change without a restart. Only
// limits that changed in the file are applied, so limits set over the API
// survive unrelated edits.
type reloader struct {
	svc        tuner
	pinWorkers bool
	limits     map[domain.Category]int
}

func newReloader(svc tuner, cfg *config.Config, pinWorkers bool) *reloader {
	return &reloader{svc: svc, pinWorkers: pinWorkers, limits: cfg.Limits()}
}

func (r *reloader) apply(cfg *config.Config) {
	if r.pinWorkers {
		log.Debug().Int("workers", cfg.Workers).Msg("workers pinned by flag; ignoring file value")
	} else if err := r.svc.ResizeWorkers(cfg.Workers); err != nil {
		log.Warn().Err(err).Msg("apply workers")
	}

	next := cfg.Limits()
	for name, max := range next {
		if prev, ok := r.limits[name]; ok && prev == max {
			continue
		}
		if err := r.svc.ConfigureConcurrency(string(name), max); err != nil {
			log.Warn().Err(err).Str("category", string(name)).Msg("apply category limit")
		}
	}
	for name := range r.limits {
		if _, ok := next[name]; ok {
			continue
		}
		// Dropped from the file: back to the limit of a category never configured.
		if err := r.svc.ConfigureConcurrency(string(name), admission.DefaultLimit); err != nil {
			log.Warn().Err(err).Str("category", string(name)).Msg("revert category limit")
		}
	}
	r.limits = next
}
