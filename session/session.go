//go:build !windows

package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KerJoe/ksystemstats-scripts"
	"github.com/KerJoe/ksystemstats-scripts/internal/obs"
)

// paramOrder is the fixed metadata query sequence of schema discovery, one
// request/reply round-trip per entry. The ordering is script-observable and
// scripts may rely on it.
var paramOrder = [...]string{
	"initial_value",
	"name",
	"short_name",
	"prefix",
	"description",
	"min",
	"max",
	"unit",
	"variant_type",
	"value",
}

// Indices into a sensor's collected parameter replies, matching paramOrder.
const (
	paramInitialValue = iota
	paramName
	paramShortName
	paramPrefix
	paramDescription
	paramMin
	paramMax
	paramUnit
	paramVariantType
	paramValue
	paramCount
)

// activity is the session's routine slot. At most one routine is active per
// session at any time; Update is a no-op unless the slot is idle.
type activity int

const (
	actIdle activity = iota
	actDiscovering
	actPolling
)

// routine is the resumable computation driving the request/reply protocol:
// which reply the session is waiting for, plus the partial results
// accumulated so far. Cancellation is discarding the struct.
type routine struct {
	act activity

	// Discovery: sensor-name tokens from the "?" reply. nil until the
	// enumeration reply has arrived.
	names []string

	// Discovery: parameter replies collected so far for names[sensor].
	// len(params) is the index of the outstanding parameter request.
	params []string

	// Index of the sensor being worked on: into names during discovery,
	// into Session.sensors during a poll.
	sensor int

	// Poll start time, for duration metrics.
	started time.Time
}

// Session owns one script's child process, its half-duplex line protocol,
// and the routine state machine. It is created when a script is first
// observed and restarted in place when the script set changes; its identity
// (path relative to the script root) is stable across restarts.
type Session struct {
	identity string
	path     string

	log     *slog.Logger
	metrics *obs.Metrics
	opts    settings
	spawn   Spawner
	object  *scripts.Object

	mu      sync.Mutex
	proc    Proc
	gen     uint64 // read-pump generation; lines from older pumps are stale
	rt      routine
	pending bool // exactly one outstanding request per session
	sensors []*scripts.Property

	init   *initBarrier // current spawn's discovery barrier
	closed bool
}

// initBarrier resolves exactly once per spawn. Waiters hold their own
// reference, so a spawn superseded by Restart still reports its own outcome
// instead of inheriting the replacement's.
type initBarrier struct {
	done    chan struct{}
	err     error
	settled bool
}

func newSession(identity, path string, object *scripts.Object, opts settings) *Session {
	return &Session{
		identity: identity,
		path:     path,
		object:   object,
		log:      opts.logger.With("script", identity),
		metrics:  opts.metrics,
		opts:     opts,
		spawn:    opts.spawn,
	}
}

// Identity returns the session's stable key: the script path relative to the
// script root.
func (s *Session) Identity() string { return s.identity }

// Sensors returns the descriptors built by the most recent completed or
// in-progress discovery, in discovery order.
func (s *Session) Sensors() []*scripts.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*scripts.Property, len(s.sensors))
	copy(out, s.sensors)
	return out
}

// start spawns the script process and begins schema discovery.
func (s *Session) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() error {
	s.init = &initBarrier{done: make(chan struct{})}

	proc, err := s.spawn(s.path)
	if err != nil {
		err = fmt.Errorf("session: spawn %s: %w", s.identity, err)
		s.log.Error("script failed to start", "error", err)
		s.settleInit(err)
		return err
	}
	s.proc = proc
	s.gen++
	go s.readLoop(s.gen, proc)

	s.beginDiscovery()
	return nil
}

// beginDiscovery resets the sensor list and issues the enumeration request.
// Caller holds s.mu.
func (s *Session) beginDiscovery() {
	s.rt = routine{act: actDiscovering}
	s.sensors = nil
	s.send("?", "")
}

// Update starts a value poll over all discovered sensors. It is a no-op
// while a discovery or a previous poll is still active — ticks are never
// queued, a skipped tick is simply dropped.
func (s *Session) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.proc == nil || s.rt.act != actIdle || len(s.sensors) == 0 {
		return
	}
	s.rt = routine{act: actPolling, started: time.Now()}
	s.send(s.sensors[0].ID(), "value")
}

// Restart terminates the current process, discards any in-flight routine,
// and respawns the same executable. Partially built sensor state from an
// interrupted discovery is left in place; the fresh discovery overwrites it.
// Already-registered descriptors keep their identity across the restart.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return scripts.ErrTerminated
	}
	if s.proc != nil {
		s.gen++ // stale replies from the old pump are dropped
		s.rt = routine{}
		s.pending = false
		terminate(s.proc, s.opts.gracePeriod)
		s.proc = nil
	}
	// Release anyone still waiting on the superseded spawn's discovery.
	s.settleInit(scripts.ErrRestarted)
	if s.metrics != nil {
		s.metrics.RestartsTotal.Inc()
	}
	s.log.Info("restarting script")
	return s.startLocked()
}

// Terminate closes the process and discards any pending routine. The session
// cannot be restarted afterwards; used on registry teardown.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.rt = routine{}
	s.pending = false
	if s.proc != nil {
		terminate(s.proc, s.opts.gracePeriod)
		s.proc = nil
	}
	s.settleInit(scripts.ErrTerminated)
}

// WaitInit blocks until the current spawn's schema discovery has settled
// (completed, or failed with the reported error). A Restart while waiting
// settles the superseded spawn with ErrRestarted. The start timeout bounds
// the wait so a silent script cannot hang the host forever.
func (s *Session) WaitInit(ctx context.Context) error {
	s.mu.Lock()
	b := s.init
	s.mu.Unlock()
	if b == nil {
		return fmt.Errorf("session: %s: %w", s.identity, scripts.ErrUnavailable)
	}

	timer := time.NewTimer(s.opts.startTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("session: %s: %w", s.identity, scripts.ErrInitTimeout)
	}
}

// settleInit resolves the current spawn's init barrier. The error is written
// before the channel close, so waiters may read it without the lock.
// Caller holds s.mu.
func (s *Session) settleInit(err error) {
	b := s.init
	if b == nil || b.settled {
		return
	}
	b.settled = true
	b.err = err
	close(b.done)
}

// send writes one request line: verb, or verb<TAB>argument, newline
// terminated. A write failure aborts the active routine; the session is left
// non-functional until the next restart trigger. Caller holds s.mu.
func (s *Session) send(verb, argument string) {
	line := verb
	if argument != "" {
		line += "\t" + argument
	}
	line += "\n"

	if _, err := s.proc.Write([]byte(line)); err != nil {
		s.log.Error("request write failed", "error", err)
		s.abortRoutine(fmt.Errorf("session: write: %w", err))
		return
	}
	s.pending = true
	if s.metrics != nil {
		s.metrics.RequestsTotal.Inc()
	}
	s.log.Debug("request sent", "verb", verb, "argument", argument)
}

// abortRoutine discards the active routine after a transport failure.
// Caller holds s.mu.
func (s *Session) abortRoutine(err error) {
	s.rt = routine{}
	s.pending = false
	s.settleInit(err)
}

// readLoop pumps the process's output stream, delivering one complete line
// at a time to the state machine. Each delivery is fully processed before
// the next line is read, which preserves strict request/reply pairing even
// when the OS hands several buffered lines over in one readiness event.
func (s *Session) readLoop(gen uint64, proc Proc) {
	scanner := bufio.NewScanner(proc.Stdout())
	initCap := min(4096, s.opts.scannerBuffer)
	scanner.Buffer(make([]byte, 0, initCap), s.opts.scannerBuffer)

	for scanner.Scan() {
		s.handleLine(gen, scanner.Text())
	}
	scanErr := scanner.Err()
	waitErr := proc.Wait()
	s.handleEOF(gen, scanErr, waitErr)
}

// handleLine advances the routine state machine with one reply line.
func (s *Session) handleLine(gen uint64, line string) {
	line = strings.TrimRight(line, " \t\r")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.gen {
		s.log.Debug("dropping stale line from replaced process", "line", line)
		return
	}
	if !s.pending || s.rt.act == actIdle {
		// Unsolicited output: a protocol violation, not fatal to the session.
		s.log.Warn("reply with no pending request, dropped", "line", line)
		if s.metrics != nil {
			s.metrics.ProtocolErrors.Inc()
		}
		return
	}
	s.pending = false
	s.log.Debug("reply received", "line", line)

	switch s.rt.act {
	case actDiscovering:
		s.advanceDiscovery(line)
	case actPolling:
		s.advancePoll(line)
	}
}

// advanceDiscovery consumes one reply of the schema discovery sequence:
// the "?" enumeration first, then the fixed parameter set per sensor.
// Caller holds s.mu.
func (s *Session) advanceDiscovery(line string) {
	if s.rt.names == nil {
		names := splitSensorNames(line)
		if len(names) == 0 {
			// Empty reply: zero sensors. Valid, not an error.
			s.finishDiscovery()
			return
		}
		s.rt.names = names
		s.rt.sensor = 0
		s.send(names[0], paramOrder[0])
		return
	}

	s.rt.params = append(s.rt.params, line)
	if len(s.rt.params) < paramCount {
		s.send(s.rt.names[s.rt.sensor], paramOrder[len(s.rt.params)])
		return
	}

	s.buildSensor(s.rt.names[s.rt.sensor], s.rt.params)
	s.rt.params = nil
	s.rt.sensor++
	if s.rt.sensor < len(s.rt.names) {
		s.send(s.rt.names[s.rt.sensor], paramOrder[0])
		return
	}
	s.finishDiscovery()
}

// buildSensor turns one sensor's collected parameter replies into a
// descriptor, registers it on the session's object, and appends it to the
// sensor list in discovery order. Caller holds s.mu.
func (s *Session) buildSensor(token string, replies []string) {
	vt := scripts.ParseVariantType(replies[paramVariantType])

	text := replies[paramValue]
	if text == "" {
		// Older protocol variant: the initial reading arrives as
		// initial_value instead of value.
		text = replies[paramInitialValue]
	}
	value, err := vt.Coerce(text)
	if err != nil {
		s.log.Warn("initial value coercion failed", "sensor", token, "error", err)
		if s.metrics != nil {
			s.metrics.CoercionFailures.Inc()
		}
	}

	name := replies[paramName]
	if name == "" {
		name = token
	}

	p := scripts.NewProperty(token, name, value)
	p.SetVariantType(vt)
	if v := replies[paramShortName]; v != "" {
		p.SetShortName(v)
	}
	if v := replies[paramPrefix]; v != "" {
		p.SetPrefix(v)
	}
	if v := replies[paramDescription]; v != "" {
		p.SetDescription(v)
	}
	if v := replies[paramMin]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.SetMin(f)
		} else {
			s.log.Debug("ignoring unparseable min", "sensor", token, "min", v)
		}
	}
	if v := replies[paramMax]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.SetMax(f)
		} else {
			s.log.Debug("ignoring unparseable max", "sensor", token, "max", v)
		}
	}
	if v := replies[paramUnit]; v != "" {
		p.SetUnit(scripts.ResolveUnit(v))
	}

	// AddProperty replaces a same-id descriptor in place, so a rediscovery
	// after restart keeps the host-side registration stable.
	s.object.AddProperty(p)
	s.sensors = append(s.sensors, p)
}

// finishDiscovery transitions the session back to idle and resolves the
// init barrier. Caller holds s.mu.
func (s *Session) finishDiscovery() {
	s.rt = routine{}
	s.log.Info("schema discovered", "sensors", len(s.sensors))
	s.settleInit(nil)
}

// advancePoll consumes one value reply and requests the next sensor's value.
// The target field is always overwritten: on coercion failure the type's
// zero value is substituted and polling continues. Caller holds s.mu.
func (s *Session) advancePoll(line string) {
	p := s.sensors[s.rt.sensor]
	value, err := p.VariantType().Coerce(line)
	if err != nil {
		s.log.Warn("value coercion failed", "sensor", p.ID(), "error", err)
		if s.metrics != nil {
			s.metrics.CoercionFailures.Inc()
		}
	}
	p.SetValue(value)

	s.rt.sensor++
	if s.rt.sensor < len(s.sensors) {
		s.send(s.sensors[s.rt.sensor].ID(), "value")
		return
	}
	if s.metrics != nil {
		s.metrics.PollDuration.Observe(time.Since(s.rt.started).Seconds())
	}
	s.rt = routine{}
}

// handleEOF handles the end of a process's output stream. For the current
// generation this is an unexpected transport failure: the routine is
// discarded and the session left non-functional until the next restart
// trigger. Stale generations are the expected aftermath of Restart or
// Terminate and are ignored.
func (s *Session) handleEOF(gen uint64, scanErr, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.gen {
		return
	}

	err := waitErr
	if err == nil {
		err = scanErr
	}
	if err == nil {
		err = scripts.ErrTerminated
	}
	s.log.Error("script output stream closed", "error", err)

	s.proc = nil
	s.rt = routine{}
	s.pending = false
	s.settleInit(fmt.Errorf("session: %s: %w", s.identity, err))
}

// splitSensorNames splits a "?" reply into sensor-name tokens, dropping
// empty fields.
func splitSensorNames(line string) []string {
	if line == "" {
		return nil
	}
	fields := strings.Split(line, "\t")
	names := fields[:0]
	for _, f := range fields {
		if f != "" {
			names = append(names, f)
		}
	}
	return names
}
