// Package app bootstraps the converge process: it loads configuration,
// initializes logging, wires the engine with the shipped controllers and runs
// everything until a shutdown signal arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"converge/internal/config"
	"converge/internal/controller"
	"converge/internal/replicas"
	"converge/internal/store"
	"converge/pkg/logging"
)

// Application encapsulates a fully wired engine and its HTTP sidecar. The
// lifecycle is two-phase: NewApplication builds and validates everything,
// Run blocks until termination.
type Application struct {
	cfg    config.Config
	store  *store.Memory
	engine *controller.Engine
}

// NewApplication performs the bootstrap sequence: configure logging, load
// configuration and register the controllers the binary ships with.
func NewApplication(appCfg *Config) (*Application, error) {
	cfg, err := config.Load(appCfg.ConfigPath)
	if err != nil {
		logging.Error("Bootstrap", err, "failed to load configuration")
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	if appCfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stdout)

	m := store.NewMemory(store.MemoryOptions{})
	engine := controller.NewEngine(m, controller.EngineOptions{})

	optsFor := func(kind string) controller.Options {
		opts := controller.Options{
			Workers:   cfg.Controller.Workers,
			Resync:    cfg.Controller.Resync.Std(),
			BaseDelay: cfg.Controller.BackoffBase.Std(),
			MaxDelay:  cfg.Controller.BackoffMax.Std(),
		}
		if cfg.Election.Enabled {
			// Each controller runs its own elector, so each needs its own
			// lease: on a shared name only one controller per process could
			// ever win, starving the rest.
			opts.LeaseName = leaseNameFor(cfg.Election.LeaseName, kind)
			opts.Identity = cfg.Election.Identity
			opts.LeaseDuration = cfg.Election.LeaseDuration.Std()
			opts.RenewInterval = cfg.Election.RenewInterval.Std()
			opts.PollInterval = cfg.Election.PollInterval.Std()
		}
		return opts
	}

	caches := engine.Caches()
	if err := engine.RegisterController(replicas.KindWorkload, replicas.NewWorkloadReconciler(m, caches), optsFor(replicas.KindWorkload)); err != nil {
		return nil, fmt.Errorf("registering workload controller: %w", err)
	}
	if err := engine.RegisterController(replicas.KindInstance, replicas.NewInstanceReconciler(m, caches), optsFor(replicas.KindInstance)); err != nil {
		return nil, fmt.Errorf("registering instance controller: %w", err)
	}

	return &Application{
		cfg:    cfg,
		store:  m,
		engine: engine,
	}, nil
}

// leaseNameFor derives a per-controller lease name from the configured base.
func leaseNameFor(base, kind string) string {
	return base + "-" + strings.ToLower(kind)
}

// Store exposes the application's state store, mainly for tests and for
// commands that seed records.
func (a *Application) Store() *store.Memory {
	return a.store
}

// Run executes the engine until the context ends or a termination signal
// arrives, then shuts down within the configured grace period.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	if a.cfg.Metrics.Enabled {
		httpServer = a.serveHTTP()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.engine.Run(context.Background()) }()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
	}

	logging.Info("Bootstrap", "shutdown signal received, draining (grace %s)", a.cfg.ShutdownGrace.Std())
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if err := a.engine.Shutdown(a.cfg.ShutdownGrace.Std()); err != nil {
		return err
	}
	return <-runErr
}

// serveHTTP starts the metrics and health endpoints in the background. A
// failed listener is logged but does not take the engine down.
func (a *Application) serveHTTP() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.engine.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !a.engine.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    a.cfg.Metrics.ListenAddress,
		Handler: mux,
	}
	go func() {
		logging.Info("Bootstrap", "metrics listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Bootstrap", err, "metrics server stopped")
		}
	}()
	return srv
}
