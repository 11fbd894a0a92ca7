//go:build !windows

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KerJoe/ksystemstats-scripts"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(spawn Spawner) settings {
	return settings{
		logger:        discardLogger(),
		spawn:         spawn,
		startTimeout:  2 * time.Second,
		gracePeriod:   100 * time.Millisecond,
		scannerBuffer: 1 << 16,
		settleDelay:   10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// In-process fake script (protocol peer over io.Pipe)
// ---------------------------------------------------------------------------

// fakeProc speaks the wire protocol in-process: each request line written to
// it is answered with the scripted reply (empty for unknown requests), except
// requests marked silent, which are never answered. Replies go through a
// dedicated writer goroutine so a request issued from inside the reply
// handler cannot deadlock against the synchronous pipe.
type fakeProc struct {
	script map[string]string
	silent map[string]bool

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	replies chan string
	raw     chan string

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	requests []string
}

func newFakeProc(script map[string]string) *fakeProc {
	r, w := io.Pipe()
	f := &fakeProc{
		script:  script,
		silent:  make(map[string]bool),
		stdoutR: r,
		stdoutW: w,
		replies: make(chan string, 256),
		raw:     make(chan string, 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go f.writeLoop()
	return f
}

func (f *fakeProc) writeLoop() {
	for {
		select {
		case reply := <-f.replies:
			if _, err := io.WriteString(f.stdoutW, reply+"\n"); err != nil {
				return
			}
		case chunk := <-f.raw:
			if _, err := io.WriteString(f.stdoutW, chunk); err != nil {
				return
			}
		case <-f.quit:
			f.stdoutW.Close()
			return
		}
	}
}

func (f *fakeProc) Write(b []byte) (int, error) {
	select {
	case <-f.quit:
		return 0, io.ErrClosedPipe
	default:
	}
	line := strings.TrimSuffix(string(b), "\n")
	f.mu.Lock()
	f.requests = append(f.requests, line)
	f.mu.Unlock()
	if f.silent[line] {
		return len(b), nil
	}
	f.replies <- f.script[line]
	return len(b), nil
}

func (f *fakeProc) Stdout() io.Reader      { return f.stdoutR }
func (f *fakeProc) CloseInput() error      { return nil }
func (f *fakeProc) Signal(os.Signal) error { f.stop(); return nil }
func (f *fakeProc) Kill() error            { f.stop(); return nil }
func (f *fakeProc) Done() <-chan struct{}  { return f.done }

func (f *fakeProc) stop() { f.quitOnce.Do(func() { close(f.quit) }) }

func (f *fakeProc) Wait() error {
	<-f.quit
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

// inject writes an unsolicited reply line.
func (f *fakeProc) inject(line string) { f.replies <- line }

// writeRaw writes bytes to stdout verbatim, without a trailing newline.
func (f *fakeProc) writeRaw(chunk string) { f.raw <- chunk }

func (f *fakeProc) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeProc) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// twoSensorScript is the canonical fixture: two integer sensors with all
// metadata empty except variant_type and value.
func twoSensorScript() map[string]string {
	return map[string]string{
		"?":                 "cpu\tmem",
		"cpu\tvariant_type": "int",
		"cpu\tvalue":        "42",
		"mem\tvariant_type": "int",
		"mem\tvalue":        "7",
	}
}

// startFakeSession spawns a session backed by a single fakeProc.
func startFakeSession(t *testing.T, script map[string]string) (*Session, *fakeProc) {
	t.Helper()
	proc := newFakeProc(script)
	spawn := func(string) (Proc, error) { return proc, nil }
	s := newSession("test.sh", "/nonexistent/test.sh", scripts.NewObject("test.sh", "test.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)
	return s, proc
}

// ---------------------------------------------------------------------------
// Schema discovery
// ---------------------------------------------------------------------------

func TestDiscoveryRoundTrip(t *testing.T) {
	s, _ := startFakeSession(t, twoSensorScript())

	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	sensors := s.Sensors()
	if len(sensors) != 2 {
		t.Fatalf("got %d sensors, want 2", len(sensors))
	}
	// Descriptor order must equal the order of the "?" reply.
	if sensors[0].ID() != "cpu" || sensors[1].ID() != "mem" {
		t.Fatalf("got order %s, %s; want cpu, mem", sensors[0].ID(), sensors[1].ID())
	}
	if got := sensors[0].Value(); got != int64(42) {
		t.Errorf("cpu value = %v (%T), want 42", got, got)
	}
	if got := sensors[1].Value(); got != int64(7) {
		t.Errorf("mem value = %v (%T), want 7", got, got)
	}
}

func TestDiscoveryParameterOrder(t *testing.T) {
	script := map[string]string{"?": "cpu"}
	s, proc := startFakeSession(t, script)
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	want := []string{
		"?",
		"cpu\tinitial_value",
		"cpu\tname",
		"cpu\tshort_name",
		"cpu\tprefix",
		"cpu\tdescription",
		"cpu\tmin",
		"cpu\tmax",
		"cpu\tunit",
		"cpu\tvariant_type",
		"cpu\tvalue",
	}
	got := proc.Requests()
	if len(got) != len(want) {
		t.Fatalf("got %d requests %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoveryEmptySchema(t *testing.T) {
	s, proc := startFakeSession(t, map[string]string{"?": ""})
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}
	if n := len(s.Sensors()); n != 0 {
		t.Fatalf("got %d sensors, want 0", n)
	}
	if n := proc.requestCount(); n != 1 {
		t.Fatalf("got %d requests after empty enumeration, want 1", n)
	}
	// Zero sensors is valid: a subsequent update must not issue requests.
	s.Update()
	time.Sleep(20 * time.Millisecond)
	if n := proc.requestCount(); n != 1 {
		t.Fatalf("update on empty schema issued requests: %d total", n)
	}
}

func TestDiscoveryMetadata(t *testing.T) {
	script := map[string]string{
		"?":                  "fan",
		"fan\tname":          "Fan Speed",
		"fan\tshort_name":    "Fan",
		"fan\tdescription":   "chassis fan",
		"fan\tmin":           "0",
		"fan\tmax":           "100",
		"fan\tunit":          "%",
		"fan\tvariant_type":  "double",
		"fan\tinitial_value": "33.5",
	}
	s, _ := startFakeSession(t, script)
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	p := s.Sensors()[0]
	if p.Name() != "Fan Speed" || p.ShortName() != "Fan" || p.Description() != "chassis fan" {
		t.Errorf("metadata = %q/%q/%q", p.Name(), p.ShortName(), p.Description())
	}
	if v, ok := p.Min(); !ok || v != 0 {
		t.Errorf("min = %v, %v", v, ok)
	}
	if v, ok := p.Max(); !ok || v != 100 {
		t.Errorf("max = %v, %v", v, ok)
	}
	if prefix, unit := p.Unit(); prefix != scripts.PrefixUnity || unit != scripts.UnitPercent {
		t.Errorf("unit = %v, %v", prefix, unit)
	}
	// value reply is empty, so initial_value supplies the first reading.
	if got := p.Value(); got != 33.5 {
		t.Errorf("value = %v, want 33.5", got)
	}
}

func TestDiscoveryFallbackDisplayName(t *testing.T) {
	s, _ := startFakeSession(t, map[string]string{"?": "raw_token"})
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}
	if got := s.Sensors()[0].Name(); got != "raw_token" {
		t.Errorf("display name = %q, want sensor token fallback", got)
	}
}

func TestWaitInitSplitReplies(t *testing.T) {
	script := twoSensorScript()
	proc := newFakeProc(script)
	proc.silent["?"] = true
	spawn := func(string) (Proc, error) { return proc, nil }
	s := newSession("split.sh", "/nonexistent/split.sh", scripts.NewObject("split.sh", "split.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	// Deliver the enumeration reply split across two read events; the
	// barrier must hold until the full schema is discovered.
	waitFor(t, "enumeration request", func() bool { return proc.requestCount() == 1 })
	proc.writeRaw("cpu\tm")
	time.Sleep(20 * time.Millisecond)
	proc.writeRaw("em\n")

	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}
	if n := len(s.Sensors()); n != 2 {
		t.Fatalf("got %d sensors after split reply, want 2", n)
	}
}

func TestWaitInitTimeout(t *testing.T) {
	proc := newFakeProc(nil)
	proc.silent["?"] = true
	spawn := func(string) (Proc, error) { return proc, nil }
	cfg := testSettings(spawn)
	cfg.startTimeout = 50 * time.Millisecond
	s := newSession("hang.sh", "/nonexistent/hang.sh", scripts.NewObject("hang.sh", "hang.sh"), cfg)
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	if err := s.WaitInit(testCtx(t)); !errors.Is(err, scripts.ErrInitTimeout) {
		t.Fatalf("WaitInit = %v, want ErrInitTimeout", err)
	}
}

func TestWaitInitSpawnFailure(t *testing.T) {
	spawn := func(string) (Proc, error) { return nil, scripts.ErrUnavailable }
	s := newSession("gone.sh", "/nonexistent/gone.sh", scripts.NewObject("gone.sh", "gone.sh"), testSettings(spawn))
	if err := s.start(); err == nil {
		t.Fatal("start succeeded for failing spawner")
	}
	if err := s.WaitInit(testCtx(t)); !errors.Is(err, scripts.ErrUnavailable) {
		t.Fatalf("WaitInit = %v, want ErrUnavailable", err)
	}
}

// ---------------------------------------------------------------------------
// Value polling
// ---------------------------------------------------------------------------

func TestPollUpdatesSingleSensor(t *testing.T) {
	script := twoSensorScript()
	s, proc := startFakeSession(t, script)
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	proc.script["cpu\tvalue"] = "99"
	s.Update()

	sensors := s.Sensors()
	waitFor(t, "poll to finish", func() bool { return sensors[0].Value() == int64(99) })
	if got := sensors[1].Value(); got != int64(7) {
		t.Errorf("mem value = %v, want 7 (unchanged)", got)
	}
}

func TestPollCoercionFailureFallsBackToZero(t *testing.T) {
	script := twoSensorScript()
	s, proc := startFakeSession(t, script)
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	proc.script["cpu\tvalue"] = "oops"
	proc.script["mem\tvalue"] = "8"
	s.Update()

	sensors := s.Sensors()
	// The failure must not terminate the routine: mem still gets polled.
	waitFor(t, "poll past failed sensor", func() bool { return sensors[1].Value() == int64(8) })
	if got := sensors[0].Value(); got != int64(0) {
		t.Errorf("cpu value after coercion failure = %v, want 0", got)
	}
}

func TestUpdateNoOpWhileDiscovering(t *testing.T) {
	script := twoSensorScript()
	proc := newFakeProc(script)
	proc.silent["cpu\tname"] = true // stall discovery mid-sensor
	spawn := func(string) (Proc, error) { return proc, nil }
	s := newSession("busy.sh", "/nonexistent/busy.sh", scripts.NewObject("busy.sh", "busy.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	waitFor(t, "discovery to stall", func() bool { return proc.requestCount() == 3 })
	before := proc.requestCount()
	for i := 0; i < 5; i++ {
		s.Update() // must not start a second routine
	}
	time.Sleep(20 * time.Millisecond)
	if n := proc.requestCount(); n != before {
		t.Fatalf("update during discovery issued requests: %d → %d", before, n)
	}
}

func TestUpdateNoOpWhilePolling(t *testing.T) {
	script := twoSensorScript()
	s, proc := startFakeSession(t, script)
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	proc.silent["cpu\tvalue"] = true // stall the poll on its first sensor
	s.Update()
	waitFor(t, "poll to stall", func() bool {
		reqs := proc.Requests()
		return reqs[len(reqs)-1] == "cpu\tvalue"
	})

	before := proc.requestCount()
	s.Update()
	time.Sleep(20 * time.Millisecond)
	if n := proc.requestCount(); n != before {
		t.Fatalf("overlapping update issued requests: %d → %d", before, n)
	}
}

// ---------------------------------------------------------------------------
// Protocol violations and transport failures
// ---------------------------------------------------------------------------

func TestUnsolicitedLineDropped(t *testing.T) {
	s, proc := startFakeSession(t, twoSensorScript())
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	proc.inject("stray output")
	time.Sleep(20 * time.Millisecond)

	// The session remains functional: a poll still works.
	proc.script["cpu\tvalue"] = "1"
	proc.script["mem\tvalue"] = "2"
	s.Update()
	sensors := s.Sensors()
	waitFor(t, "poll after stray line", func() bool {
		return sensors[0].Value() == int64(1) && sensors[1].Value() == int64(2)
	})
}

func TestStreamCloseAbandonsSession(t *testing.T) {
	script := twoSensorScript()
	proc := newFakeProc(script)
	proc.silent["mem\tvariant_type"] = true
	spawn := func(string) (Proc, error) { return proc, nil }
	s := newSession("dying.sh", "/nonexistent/dying.sh", scripts.NewObject("dying.sh", "dying.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	waitFor(t, "discovery to reach mem", func() bool {
		reqs := proc.Requests()
		return len(reqs) > 0 && reqs[len(reqs)-1] == "mem\tvariant_type"
	})
	proc.stop() // script dies mid-discovery

	if err := s.WaitInit(testCtx(t)); err == nil {
		t.Fatal("WaitInit succeeded after stream close")
	}
	// Not restarted automatically: updates are no-ops until a restart trigger.
	before := proc.requestCount()
	s.Update()
	time.Sleep(20 * time.Millisecond)
	if n := proc.requestCount(); n != before {
		t.Fatalf("update after stream close issued requests: %d → %d", before, n)
	}
}

// ---------------------------------------------------------------------------
// Restart
// ---------------------------------------------------------------------------

func TestRestartMidDiscovery(t *testing.T) {
	script := twoSensorScript()
	first := newFakeProc(script)
	first.silent["cpu\tmin"] = true // stall the first discovery
	second := newFakeProc(twoSensorScript())

	var spawned int
	spawn := func(string) (Proc, error) {
		spawned++
		if spawned == 1 {
			return first, nil
		}
		return second, nil
	}
	s := newSession("re.sh", "/nonexistent/re.sh", scripts.NewObject("re.sh", "re.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	waitFor(t, "first discovery to stall", func() bool {
		reqs := first.Requests()
		return len(reqs) > 0 && reqs[len(reqs)-1] == "cpu\tmin"
	})
	oldCount := first.requestCount()

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit after restart: %v", err)
	}

	// The abandoned routine must not have sent anything further to the old
	// process, and the fresh discovery must be complete on the new one.
	if n := first.requestCount(); n != oldCount {
		t.Errorf("old process received requests after restart: %d → %d", oldCount, n)
	}
	if n := len(s.Sensors()); n != 2 {
		t.Errorf("got %d sensors after restart, want 2", n)
	}
	if spawned != 2 {
		t.Errorf("spawned %d processes, want 2", spawned)
	}
}

func TestStaleReplyAfterRestartDropped(t *testing.T) {
	first := newFakeProc(twoSensorScript())
	first.silent["cpu\tmin"] = true // stall the first discovery mid-request
	second := newFakeProc(twoSensorScript())
	second.silent["?"] = true // hold the new discovery at its first request

	var spawned int
	spawn := func(string) (Proc, error) {
		spawned++
		if spawned == 1 {
			return first, nil
		}
		return second, nil
	}
	s := newSession("ghost.sh", "/nonexistent/ghost.sh", scripts.NewObject("ghost.sh", "ghost.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	waitFor(t, "first discovery to stall", func() bool {
		reqs := first.Requests()
		return len(reqs) > 0 && reqs[len(reqs)-1] == "cpu\tmin"
	})
	s.mu.Lock()
	oldGen := s.gen
	s.mu.Unlock()

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, "new enumeration request", func() bool { return second.requestCount() == 1 })

	// A late reply from the replaced process must not pair with the new
	// discovery's outstanding enumeration request.
	s.handleLine(oldGen, "ghost\tsensors")
	time.Sleep(20 * time.Millisecond)
	if n := second.requestCount(); n != 1 {
		t.Fatalf("stale reply advanced the new discovery: %d requests", n)
	}

	// The real enumeration reply then pairs normally.
	second.inject("cpu\tmem")
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}
	sensors := s.Sensors()
	if len(sensors) != 2 || sensors[0].ID() != "cpu" || sensors[1].ID() != "mem" {
		t.Fatalf("discovery corrupted by stale reply: %v", propertyIDsOf(sensors))
	}
}

func propertyIDsOf(props []*scripts.Property) []string {
	ids := make([]string, len(props))
	for i, p := range props {
		ids[i] = p.ID()
	}
	return ids
}

func TestWaitInitReleasedByRestart(t *testing.T) {
	first := newFakeProc(nil)
	first.silent["?"] = true // first spawn never finishes discovery
	second := newFakeProc(twoSensorScript())

	var spawned int
	spawn := func(string) (Proc, error) {
		spawned++
		if spawned == 1 {
			return first, nil
		}
		return second, nil
	}
	s := newSession("stuck.sh", "/nonexistent/stuck.sh", scripts.NewObject("stuck.sh", "stuck.sh"), testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)

	waitFor(t, "enumeration request", func() bool { return first.requestCount() == 1 })
	ctx := testCtx(t)
	got := make(chan error, 1)
	go func() { got <- s.WaitInit(ctx) }()
	time.Sleep(20 * time.Millisecond) // let the waiter block on the stalled spawn

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	// The waiter must be released with the restart outcome immediately, not
	// ride out the full start timeout.
	select {
	case err := <-got:
		if !errors.Is(err, scripts.ErrRestarted) {
			t.Fatalf("WaitInit = %v, want ErrRestarted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitInit still blocked after restart")
	}

	// The replacement spawn's own barrier settles normally.
	if err := s.WaitInit(ctx); err != nil {
		t.Fatalf("WaitInit after restart: %v", err)
	}
	if n := len(s.Sensors()); n != 2 {
		t.Fatalf("got %d sensors after restart, want 2", n)
	}
}

func TestRestartKeepsRegisteredDescriptors(t *testing.T) {
	object := scripts.NewObject("keep.sh", "keep.sh")
	procs := make(chan *fakeProc, 2)
	spawn := func(string) (Proc, error) {
		p := newFakeProc(twoSensorScript())
		procs <- p
		return p, nil
	}
	s := newSession("keep.sh", "/nonexistent/keep.sh", object, testSettings(spawn))
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Terminate)
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	idsBefore := propertyIDs(object)
	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := s.WaitInit(testCtx(t)); err != nil {
		t.Fatalf("WaitInit after restart: %v", err)
	}

	idsAfter := propertyIDs(object)
	if len(idsBefore) != len(idsAfter) {
		t.Fatalf("property set changed across restart: %v → %v", idsBefore, idsAfter)
	}
	for i := range idsBefore {
		if idsBefore[i] != idsAfter[i] {
			t.Fatalf("property order changed across restart: %v → %v", idsBefore, idsAfter)
		}
	}
}

func propertyIDs(o *scripts.Object) []string {
	props := o.Properties()
	ids := make([]string, len(props))
	for i, p := range props {
		ids[i] = p.ID()
	}
	return ids
}
