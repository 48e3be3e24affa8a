package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/executor"
	"github.com/me/gpusched/internal/health"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/metrics"
	"github.com/me/gpusched/internal/provider"
	"github.com/me/gpusched/internal/router"
	"github.com/me/gpusched/internal/scheduler"
	"github.com/me/gpusched/internal/server"
	"github.com/me/gpusched/internal/store"
	"github.com/me/gpusched/internal/verify"
)

func main() {
	cfg := config.DefaultServerConfig()
	cfg.ApplyEnv()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.StoreURL, "store", cfg.StoreURL, "State store: sqlite path, sqlite://path, redis://host:port/db or memory (default ~/.gpusched/gpusched.db)")
	flag.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Scheduler config file (YAML)")
	flag.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "Expose Prometheus metrics on /metrics")
	cors := flag.String("cors-origins", strings.Join(cfg.CORSOrigins, ","), "Comma-separated allowed CORS origins")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.CORSOrigins = nil
	for _, o := range strings.Split(*cors, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	sc, err := config.LoadSchedulerConfig(cfg.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Resolve store location.
	if cfg.StoreURL == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".gpusched")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		cfg.StoreURL = filepath.Join(dir, "gpusched.db")
	}

	st, err := store.Open(cfg.StoreURL, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}
	logger.Info("store ready", "url", cfg.StoreURL)
	if c, ok := st.(store.Counter); ok {
		if counts, err := c.CountByStatus(context.Background()); err != nil {
			logger.Warn("count stored tasks", "error", err)
		} else {
			logger.Info("stored tasks", "counts", counts)
		}
	}

	// Metrics.
	m := metrics.New()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.Register(promReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// GPU and host telemetry.
	mon := health.NewMonitor(
		health.CommandSource{Command: sc.Telemetry.Command, Args: sc.Telemetry.Args},
		sc.Thresholds, logger, health.WithObserver(m.ObserveGPUs))
	go mon.Run(ctx, sc.HealthPollInterval)
	host := health.NewHostSampler()
	go host.Run(ctx, sc.HealthPollInterval)

	// Providers.
	reg := provider.NewRegistry(logger,
		provider.WithTTL(sc.StatusTTL),
		provider.WithStatusTimeout(sc.StatusTimeout),
		provider.WithStatusObserver(m.ObserveProvider))
	for _, pc := range sc.EnabledProviders() {
		p, err := provider.New(pc, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "provider %s: %v\n", pc.Name, err)
			os.Exit(1)
		}
		if err := reg.Register(p); err != nil {
			fmt.Fprintf(os.Stderr, "register provider: %v\n", err)
			os.Exit(1)
		}
	}
	go reg.Run(ctx)

	rt := router.FromConfig(sc)
	eng := executor.NewEngine(reg, rt, logger,
		executor.WithAttemptTimeout(sc.GenerationTimeout),
		executor.WithAttemptObserver(m.ObserveAttempt))
	ver := verify.New(eng, rt, logger)

	sched, err := scheduler.NewLoop(scheduler.ConfigFrom(sc), scheduler.Deps{
		Health:    mon,
		Host:      host,
		Providers: reg,
		Routes:    rt,
		Runner:    eng,
		Verifier:  ver,
		Store:     st,
		Observer:  m,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create scheduler: %v\n", err)
		os.Exit(1)
	}

	serverOpts := []server.Option{
		server.WithRouter(rt),
		server.WithChains(eng),
		server.WithVerifier(ver),
		server.WithProviders(reg),
		server.WithStoreKind(storeKind(cfg.StoreURL)),
	}
	if cfg.Metrics {
		serverOpts = append(serverOpts, server.WithMetrics(promReg))
	}
	srv := server.New(cfg, sched, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server so the final snapshot is written
	// and event streams are closed.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func storeKind(url string) string {
	switch {
	case url == "memory":
		return "memory"
	case strings.HasPrefix(url, "redis"):
		return "redis"
	default:
		return "sqlite"
	}
}
