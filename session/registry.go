//go:build !windows

package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/KerJoe/ksystemstats-scripts"
	"github.com/KerJoe/ksystemstats-scripts/internal/obs"
)

// Registry maps script identities (paths relative to the script root) to
// their sessions. It reacts to script-set changes by creating sessions for
// new identities and restarting existing ones, and fans the host's update
// tick out to every session.
//
// Sessions for scripts removed from disk are deliberately left registered
// and running; only teardown removes them. Known limitation carried over
// from the protocol's reference behavior.
type Registry struct {
	root      string
	container *scripts.Container
	log       *slog.Logger
	metrics   *obs.Metrics
	opts      settings

	// mu guards the session map only, never held around process I/O.
	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a registry over the given script root directory. The root is
// an explicit configuration value; it is created on first scan if absent.
// Discovered sensors are registered in container.
func New(root string, container *scripts.Container, opts ...Option) *Registry {
	o := resolveOptions(opts...)
	return &Registry{
		root:      root,
		container: container,
		log:       o.logger,
		metrics:   o.metrics,
		opts:      o,
		sessions:  make(map[string]*Session),
	}
}

// Root returns the script root directory.
func (r *Registry) Root() string { return r.root }

// ScanAndSync enumerates all executable files under the script root
// recursively. New identities get a fresh session; identities already
// present are restarted in place so their host-side registrations stay
// stable. A single script's spawn failure never blocks the others; the only
// returned errors are root-level filesystem failures.
func (r *Registry) ScanAndSync() error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("session: create script root: %w", err)
	}

	var found []string
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: scan %s: %w", r.root, err)
	}

	for _, path := range found {
		identity, err := filepath.Rel(r.root, path)
		if err != nil {
			r.log.Error("skipping script with unresolvable path", "path", path, "error", err)
			continue
		}

		r.mu.Lock()
		s, known := r.sessions[identity]
		r.mu.Unlock()

		if known {
			if err := s.Restart(); err != nil {
				r.log.Error("script restart failed", "script", identity, "error", err)
			}
			continue
		}

		object := scripts.NewObject(identity, identity)
		r.container.AddObject(object)
		s = newSession(identity, path, object, r.opts)

		r.mu.Lock()
		r.sessions[identity] = s
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.SessionsActive.Inc()
		}

		// A failed spawn leaves the session registered but non-functional;
		// the next change notification restarts it.
		if err := s.start(); err != nil {
			r.log.Error("script session failed to start", "script", identity, "error", err)
		}
	}
	return nil
}

// OnDirectoryChanged re-syncs the session set with the script root, then
// waits for every session's most recent discovery to finish, so a caller
// polling immediately afterwards sees a consistent schema.
func (r *Registry) OnDirectoryChanged(ctx context.Context) error {
	r.log.Info("script directory changed, rescanning", "root", r.root)
	if err := r.ScanAndSync(); err != nil {
		return err
	}
	return r.WaitInit(ctx)
}

// WaitInit blocks until schema discovery has settled for every session.
// Per-session failures are collected, not short-circuited: one hung or
// broken script does not hide the others' readiness.
func (r *Registry) WaitInit(ctx context.Context) error {
	var errs []error
	for _, s := range r.snapshot() {
		if err := s.WaitInit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateAll starts a value poll on every session. Cheap and non-blocking:
// each session independently no-ops if a routine is already active.
func (r *Registry) UpdateAll() {
	for _, s := range r.snapshot() {
		s.Update()
	}
}

// Session returns the session for the given identity, or nil.
func (r *Registry) Session(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[identity]
}

// Close terminates every session and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Terminate()
		if r.metrics != nil {
			r.metrics.SessionsActive.Dec()
		}
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
