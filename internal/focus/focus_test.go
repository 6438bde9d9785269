package focus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emberware/ember/internal/coach"
	"github.com/emberware/ember/internal/transcript"
	"github.com/emberware/ember/pkg/live"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectCalls int
	lastConfig   live.ConnectionConfig
	connectErr   error
	disconnects  int
	silentTexts  []string
}

func (c *fakeConn) Connect(ctx context.Context, cfg live.ConnectionConfig) error {
	c.mu.Lock()
	c.connectCalls++
	c.lastConfig = cfg
	err := c.connectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) SendSilentContent(text string, _ bool, _ live.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silentTexts = append(c.silentTexts, text)
	return nil
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeConn) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *fakeConn) dropCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeCapture struct {
	mu        sync.Mutex
	recording bool
	starts    int
	stops     int
}

func (f *fakeCapture) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.recording = true
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.recording = false
}

func (f *fakeCapture) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

type fakePlayback struct{ speaking atomic.Bool }

func (f *fakePlayback) Speaking() bool { return f.speaking.Load() }

type fakeAmbient struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeAmbient) Start(context.Context) error { f.starts.Add(1); return nil }

func (f *fakeAmbient) Stop() { f.stops.Add(1) }

type fakeEpochs struct{ epoch atomic.Uint64 }

func (f *fakeEpochs) Epoch() uint64 { return f.epoch.Load() }

func (f *fakeEpochs) Stale(captured uint64) bool { return f.epoch.Load() != captured }

type fakeCoach struct {
	mu      sync.Mutex
	instr   string
	err     error
	fetches int
	priors  []string
	hold    chan struct{} // when set, FetchInstruction blocks until closed
	onFetch func()
}

func (f *fakeCoach) FetchInstruction(ctx context.Context, task, prior string) (*coach.Instruction, error) {
	f.mu.Lock()
	f.fetches++
	f.priors = append(f.priors, prior)
	hold := f.hold
	hook := f.onFetch
	err := f.err
	instr := f.instr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &coach.Instruction{Text: instr}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	creates []string
	updates []storeUpdate
}

type storeUpdate struct {
	id       string
	duration time.Duration
	delta    int
	closed   bool
}

func (f *fakeStore) CreateFocusSession(_ context.Context, id, task string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, id)
	return nil
}

func (f *fakeStore) UpdateFocusSession(_ context.Context, id string, d time.Duration, delta int, closed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, storeUpdate{id: id, duration: d, delta: delta, closed: closed})
	return nil
}

func (f *fakeStore) waitForCreate(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.creates) > 0 {
			id := f.creates[0]
			f.mu.Unlock()
			return id
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("focus session was never registered")
	return ""
}

func (f *fakeStore) waitForClosedUpdate(t *testing.T) storeUpdate {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, u := range f.updates {
			if u.closed {
				f.mu.Unlock()
				return u
			}
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("focus session was never finalized")
	return storeUpdate{}
}

type staticPre string

func (s staticPre) ActiveInstruction() string { return string(s) }

type fixture struct {
	conn    *fakeConn
	capture *fakeCapture
	play    *fakePlayback
	ambient *fakeAmbient
	epochs  *fakeEpochs
	coach   *fakeCoach
	store   *fakeStore
	tx      *transcript.Assembler
	ctl     *Controller
}

func newFixture(t *testing.T, tweak func(*Params)) *fixture {
	t.Helper()
	f := &fixture{
		conn:    &fakeConn{connected: true},
		capture: &fakeCapture{recording: true},
		play:    &fakePlayback{},
		ambient: &fakeAmbient{},
		epochs:  &fakeEpochs{},
		coach:   &fakeCoach{instr: "resumed instruction"},
		store:   &fakeStore{},
		tx:      transcript.NewAssembler(nil),
	}
	p := Params{
		Conn:          f.conn,
		Capture:       f.capture,
		Playback:      f.play,
		Ambient:       f.ambient,
		Epochs:        f.epochs,
		Transcript:    f.tx,
		Coach:         f.coach,
		Store:         f.store,
		PreFocus:      staticPre("pre-focus instruction"),
		Voice:         "Aoede",
		DrainWait:     50 * time.Millisecond,
		ReconnectHold: 50 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&p)
	}
	ctl, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.ctl = ctl
	t.Cleanup(func() { f.ctl.stopSupervision() })
	return f
}

func enter(t *testing.T, f *fixture, task string) {
	t.Helper()
	if err := f.ctl.Enter(context.Background(), task); err != nil {
		t.Fatalf("Enter: %v", err)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestEnter_SuspendsAndRegisters(t *testing.T) {
	f := newFixture(t, nil)
	enter(t, f, "write the report")

	if f.conn.Connected() {
		t.Error("connection not suspended")
	}
	if f.capture.Recording() {
		t.Error("microphone still recording")
	}
	if f.ambient.starts.Load() != 1 {
		t.Errorf("ambient starts = %d, want 1", f.ambient.starts.Load())
	}
	if f.ctl.Mode() != ModeFocusing {
		t.Errorf("mode = %v, want focusing", f.ctl.Mode())
	}
	if !f.ctl.Focusing() {
		t.Error("Focusing() = false during open session")
	}

	id := f.store.waitForCreate(t)
	if sess := f.ctl.CurrentSession(); sess == nil || sess.ID != id {
		t.Errorf("registered id %q does not match session %+v", id, sess)
	}
}

func TestEnter_RejectsDoubleEntry(t *testing.T) {
	f := newFixture(t, nil)
	enter(t, f, "a")
	if err := f.ctl.Enter(context.Background(), "b"); err == nil {
		t.Fatal("second Enter succeeded with a session already open")
	}
}

func TestEnter_WaitsForUtteranceDrain(t *testing.T) {
	f := newFixture(t, nil)
	f.play.speaking.Store(true)

	done := make(chan error, 1)
	go func() { done <- f.ctl.Enter(context.Background(), "task") }()

	time.Sleep(10 * time.Millisecond)
	f.play.speaking.Store(false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Enter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enter did not return after utterance drained")
	}
}

func TestEnter_DrainTimesOut(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.DrainWait = 20 * time.Millisecond })
	f.play.speaking.Store(true) // never drains

	start := time.Now()
	enter(t, f, "task")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Enter blocked %v past the drain deadline", elapsed)
	}
	if f.conn.Connected() {
		t.Error("connection not suspended after drain timeout")
	}
}

func TestIdleSupervisor_SuspendsExactlyOnce(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.IdleWindow = 40 * time.Millisecond })
	enter(t, f, "task")
	dropsAfterEnter := f.conn.dropCount()

	// Simulate an awake, idle connection.
	f.conn.setConnected(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.conn.Connected() {
		time.Sleep(5 * time.Millisecond)
	}
	if f.conn.Connected() {
		t.Fatal("idle window elapsed without a suspension")
	}

	// Stay disconnected: no further suspensions may fire.
	time.Sleep(150 * time.Millisecond)
	if got := f.conn.dropCount() - dropsAfterEnter; got != 1 {
		t.Errorf("idle suspensions = %d, want exactly 1", got)
	}
	if f.ctl.Mode() != ModeFocusing {
		t.Errorf("mode = %v, want focusing", f.ctl.Mode())
	}
}

func TestIdleSupervisor_ActivityResetsWindow(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.IdleWindow = 60 * time.Millisecond })
	enter(t, f, "task")
	before := f.conn.dropCount()

	// Connected but speaking: never idle.
	f.conn.setConnected(true)
	f.play.speaking.Store(true)

	time.Sleep(200 * time.Millisecond)
	if got := f.conn.dropCount(); got != before {
		t.Errorf("suspension fired while the assistant was speaking (drops %d -> %d)", before, got)
	}
}

func TestWake_ReconnectsWithContext(t *testing.T) {
	f := newFixture(t, nil)

	f.tx.AddUserFragment("let's plan the trip")
	f.tx.AddAssistantFragment("sure, where to?")
	f.tx.TurnComplete()

	enter(t, f, "plan the trip")

	if err := f.ctl.Wake(context.Background()); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	if !f.conn.Connected() {
		t.Fatal("not connected after wake")
	}
	if f.conn.lastConfig.Instruction != "resumed instruction" {
		t.Errorf("instruction = %q", f.conn.lastConfig.Instruction)
	}
	if !f.capture.Recording() {
		t.Error("microphone not re-enabled")
	}
	if f.ctl.Mode() != ModeCoaching {
		t.Errorf("mode = %v, want coaching", f.ctl.Mode())
	}
	if sess := f.ctl.CurrentSession(); sess == nil || sess.ReconnectCount != 1 {
		t.Errorf("session = %+v, want reconnectCount 1", sess)
	}

	f.coach.mu.Lock()
	prior := f.coach.priors[len(f.coach.priors)-1]
	f.coach.mu.Unlock()
	if !strings.Contains(prior, "where to?") {
		t.Errorf("prior context %q is missing the recent turn", prior)
	}

	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	if len(f.conn.silentTexts) != 1 {
		t.Fatalf("silent messages = %d, want 1", len(f.conn.silentTexts))
	}
	if !strings.Contains(f.conn.silentTexts[0], "plan the trip") {
		t.Errorf("wake context %q is missing the task", f.conn.silentTexts[0])
	}
}

func TestWake_NoOpWhileConnected(t *testing.T) {
	f := newFixture(t, nil)
	enter(t, f, "task")
	f.conn.setConnected(true)

	if err := f.ctl.Wake(context.Background()); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if f.conn.calls() != 0 {
		t.Errorf("connect attempts = %d, want 0", f.conn.calls())
	}
}

func TestWake_SuppressedByReconnectHold(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.ReconnectHold = time.Hour })
	enter(t, f, "task")

	if err := f.ctl.Wake(context.Background()); err != nil {
		t.Fatalf("first Wake: %v", err)
	}
	f.conn.setConnected(false) // simulate an idle suspension

	if err := f.ctl.Wake(context.Background()); err != nil {
		t.Fatalf("held Wake: %v", err)
	}
	if f.conn.calls() != 1 {
		t.Errorf("connect attempts = %d, want 1 (second wake inside hold)", f.conn.calls())
	}
}

func TestWake_RequiresOpenSession(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ctl.Wake(context.Background()); !errors.Is(err, ErrNotFocusing) {
		t.Fatalf("Wake error = %v, want ErrNotFocusing", err)
	}
}

func TestWake_ConcurrentCallsShareOneAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.coach.hold = make(chan struct{})
	enter(t, f, "task")

	results := make(chan error, 2)
	go func() { results <- f.ctl.Wake(context.Background()) }()

	// Wait for the first wake to be inside the fetch.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.coach.mu.Lock()
		started := f.coach.fetches > 0
		f.coach.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	go func() { results <- f.ctl.Wake(context.Background()) }()

	var inFlight bool
	select {
	case err := <-results:
		inFlight = errors.Is(err, ErrWakeInFlight)
	case <-time.After(time.Second):
		t.Fatal("second Wake did not return")
	}
	if !inFlight {
		t.Error("second concurrent Wake was not rejected")
	}

	close(f.coach.hold)
	if err := <-results; err != nil {
		t.Fatalf("first Wake: %v", err)
	}
	if f.conn.calls() != 1 {
		t.Errorf("connect attempts = %d, want 1", f.conn.calls())
	}
}

func TestWake_StaleEpochAbortsFocusSession(t *testing.T) {
	f := newFixture(t, nil)
	f.coach.onFetch = func() { f.epochs.epoch.Add(1) } // teardown races the fetch
	enter(t, f, "task")

	if err := f.ctl.Wake(context.Background()); err != nil {
		t.Fatalf("stale wake must abort silently, got: %v", err)
	}
	if f.conn.calls() != 0 {
		t.Error("superseded wake still connected")
	}
	if f.ctl.Focusing() {
		t.Error("focus session survived the losing race with session end")
	}
	if f.ambient.stops.Load() == 0 {
		t.Error("ambient feedback kept playing after the abort")
	}

	u := f.store.waitForClosedUpdate(t)
	if !u.closed {
		t.Error("aborted session record not closed")
	}
}

func TestWake_ConnectFailureStaysFocusing(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.connectErr = errors.New("backend unavailable")
	enter(t, f, "task")

	if err := f.ctl.Wake(context.Background()); err == nil {
		t.Fatal("expected wake connect error")
	}
	if f.ctl.Mode() != ModeFocusing {
		t.Errorf("mode = %v, want focusing after failed wake", f.ctl.Mode())
	}
	if !f.ctl.Focusing() {
		t.Error("failed wake must not close the focus session")
	}
}

func TestExit_ReconnectsWithPreFocusInstruction(t *testing.T) {
	f := newFixture(t, nil)

	f.tx.AddUserFragment("remember the budget")
	f.tx.AddAssistantFragment("noted")
	f.tx.TurnComplete()

	enter(t, f, "task")
	if err := f.ctl.Exit(context.Background()); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	if !f.conn.Connected() {
		t.Fatal("not reconnected after exit")
	}
	if f.conn.lastConfig.Instruction != "pre-focus instruction" {
		t.Errorf("instruction = %q, want the pre-focus one", f.conn.lastConfig.Instruction)
	}
	if f.ctl.Focusing() {
		t.Error("session still open after Exit")
	}
	if f.ctl.Mode() != ModeCoaching {
		t.Errorf("mode = %v, want coaching", f.ctl.Mode())
	}
	if f.ambient.stops.Load() == 0 {
		t.Error("ambient feedback not stopped")
	}

	f.conn.mu.Lock()
	texts := append([]string(nil), f.conn.silentTexts...)
	f.conn.mu.Unlock()
	if len(texts) != 1 || !strings.Contains(texts[0], "remember the budget") {
		t.Errorf("exit context = %v, want accumulated conversation", texts)
	}

	// Both turns closed before the session opened, so none count.
	u := f.store.waitForClosedUpdate(t)
	if u.delta != 0 {
		t.Errorf("chat count delta = %d, want 0", u.delta)
	}
}

func TestExit_WithoutSessionIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ctl.Exit(context.Background()); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if f.conn.calls() != 0 {
		t.Error("Exit connected without an open session")
	}
}

func TestFocusElapsed(t *testing.T) {
	f := newFixture(t, nil)
	if f.ctl.FocusElapsed() != 0 {
		t.Error("elapsed non-zero without a session")
	}
	enter(t, f, "task")
	time.Sleep(10 * time.Millisecond)
	if f.ctl.FocusElapsed() <= 0 {
		t.Error("elapsed not advancing during a session")
	}
}

func TestChatDelta_CountsTurnsDuringFocus(t *testing.T) {
	f := newFixture(t, nil)

	// Turns before the session must not count.
	f.tx.AddUserFragment("before")
	f.tx.TurnComplete()

	enter(t, f, "task")
	f.tx.AddUserFragment("during one")
	f.tx.AddAssistantFragment("reply")
	f.tx.TurnComplete()

	if err := f.ctl.Exit(context.Background()); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	u := f.store.waitForClosedUpdate(t)
	if u.delta != 2 {
		t.Errorf("chat count delta = %d, want 2 (user + assistant turn)", u.delta)
	}
}
