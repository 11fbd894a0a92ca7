//go:build !windows

package session

import (
	"log/slog"
	"time"

	"github.com/KerJoe/ksystemstats-scripts/internal/obs"
)

// Default registry configuration values.
const (
	defaultStartTimeout  = 30 * time.Second
	defaultGracePeriod   = 5 * time.Second
	defaultScannerBuffer = 1 << 20 // 1 MB
	defaultSettleDelay   = 200 * time.Millisecond
)

// settings holds resolved construction-time configuration shared by a
// registry and its sessions.
type settings struct {
	logger        *slog.Logger
	metrics       *obs.Metrics
	spawn         Spawner
	startTimeout  time.Duration
	gracePeriod   time.Duration
	scannerBuffer int
	settleDelay   time.Duration
}

// Option configures a Registry at construction time.
type Option func(*settings)

// WithLogger sets the logger. Sessions derive per-script loggers from it.
func WithLogger(log *slog.Logger) Option {
	return func(o *settings) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMetrics attaches collector self-metrics. Nil disables instrumentation.
func WithMetrics(m *obs.Metrics) Option {
	return func(o *settings) {
		o.metrics = m
	}
}

// WithSpawner overrides how script processes are started. Used by tests to
// substitute an in-process fake for the exec-backed default.
func WithSpawner(spawn Spawner) Option {
	return func(o *settings) {
		if spawn != nil {
			o.spawn = spawn
		}
	}
}

// WithStartTimeout bounds the WaitInit barrier per session.
// Values <= 0 are ignored.
func WithStartTimeout(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithGracePeriod sets the duration to wait after SIGTERM before sending
// SIGKILL to a terminated script. Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithScannerBuffer sets the maximum reply line size in bytes.
// Values <= 0 are ignored.
func WithScannerBuffer(size int) Option {
	return func(o *settings) {
		if size > 0 {
			o.scannerBuffer = size
		}
	}
}

// WithSettleDelay sets how long the directory watcher waits after a change
// notification before rescanning, coalescing event bursts.
// Values <= 0 are ignored.
func WithSettleDelay(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.settleDelay = d
		}
	}
}

func resolveOptions(opts ...Option) settings {
	o := settings{
		logger:        slog.Default(),
		spawn:         Spawn,
		startTimeout:  defaultStartTimeout,
		gracePeriod:   defaultGracePeriod,
		scannerBuffer: defaultScannerBuffer,
		settleDelay:   defaultSettleDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
