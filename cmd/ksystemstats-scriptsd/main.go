//go:build linux

// Command ksystemstats-scriptsd runs the script sensor collector as a
// standalone daemon: it scans the script root, keeps sessions in sync with
// the directory via inotify, polls values on a fixed tick, and exposes
// collector self-metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/KerJoe/ksystemstats-scripts"
	"github.com/KerJoe/ksystemstats-scripts/config"
	"github.com/KerJoe/ksystemstats-scripts/internal/obs"
	"github.com/KerJoe/ksystemstats-scripts/session"
)

const version = "0.2.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		scriptRoot    string
		pollInterval  time.Duration
		metricsListen string
		logLevel      string
		showVersion   bool
	)

	pflag.StringVar(&configPath, "config", "", "path to YAML config file")
	pflag.StringVar(&scriptRoot, "script-root", "", "script directory (overrides config)")
	pflag.DurationVar(&pollInterval, "poll-interval", 0, "value poll period (overrides config)")
	pflag.StringVar(&metricsListen, "metrics-listen", "", "Prometheus listen address, e.g. :9464 (overrides config)")
	pflag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("ksystemstats-scriptsd %s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if scriptRoot != "" {
		cfg.ScriptRoot = scriptRoot
	}
	if pollInterval > 0 {
		cfg.PollInterval = config.Duration(pollInterval)
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := obs.New(promReg)

	container := scripts.NewContainer("scripts", "Scripts")
	registry := session.New(cfg.ScriptRoot, container,
		session.WithLogger(log),
		session.WithMetrics(metrics),
		session.WithStartTimeout(cfg.StartTimeout.Std()),
		session.WithGracePeriod(cfg.GracePeriod.Std()),
		session.WithScannerBuffer(cfg.ScannerBuffer),
	)
	defer registry.Close()

	log.Info("scanning script root", "root", cfg.ScriptRoot)
	if err := registry.ScanAndSync(); err != nil {
		return err
	}
	if err := registry.WaitInit(ctx); err != nil {
		// Individual scripts failing to come up is not fatal to the daemon.
		log.Warn("some scripts did not finish discovery", "error", err)
	}
	logSchema(log, container)

	if cfg.MetricsListen != "" {
		go serveMetrics(ctx, log, cfg.MetricsListen, promReg)
	}

	watchErr := make(chan error, 1)
	go func() { watchErr <- registry.Watch(ctx) }()

	ticker := time.NewTicker(cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			registry.UpdateAll()
		case err := <-watchErr:
			if err != nil {
				return fmt.Errorf("directory watch: %w", err)
			}
			return nil
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		}
	}
}

// logSchema logs every discovered sensor once at startup.
func logSchema(log *slog.Logger, container *scripts.Container) {
	for _, object := range container.Objects() {
		for _, p := range object.Properties() {
			prefix, unit := p.Unit()
			log.Info("sensor registered",
				"id", container.ID()+"/"+object.ID()+"/"+p.ID(),
				"name", p.Name(),
				"type", p.VariantType().String(),
				"unit", prefix.String()+unit.String(),
			)
		}
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}
