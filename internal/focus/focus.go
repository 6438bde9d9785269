// Package focus implements the low-activity companion mode. While a focus
// session is open the live connection is suspended whenever the conversation
// goes idle, ambient feedback keeps playing, and an explicit wake trigger
// reconnects with the recent conversation context re-injected so the session
// continues coherently.
package focus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emberware/ember/internal/coach"
	"github.com/emberware/ember/internal/observe"
	"github.com/emberware/ember/internal/tools"
	"github.com/emberware/ember/internal/transcript"
	"github.com/emberware/ember/pkg/live"
)

const (
	defaultIdleWindow    = 30 * time.Second
	defaultReconnectHold = 10 * time.Second
	defaultDrainWait     = 8 * time.Second
	defaultConnectWait   = 10 * time.Second

	idlePollInterval  = time.Second
	drainPollInterval = 100 * time.Millisecond

	// priorTurnCount bounds how much transcript history is carried across a
	// reconnect.
	priorTurnCount = 6

	// topicPreviewLen bounds the "last topic" excerpt in the wake message.
	topicPreviewLen = 120
)

// Mode is the connection-facing state of the controller.
type Mode string

const (
	// ModeCoaching is the normal connected, conversing state.
	ModeCoaching Mode = "coaching"
	// ModeFocusing is the suspended state: disconnected, ambient-only.
	ModeFocusing Mode = "focusing"
	// ModeConnecting is the transient state while a reconnect is running.
	ModeConnecting Mode = "connecting"
)

var (
	// ErrWakeInFlight is returned when Wake is called while another wake
	// attempt is still running.
	ErrWakeInFlight = errors.New("focus: a wake is already in flight")

	// ErrNotFocusing is returned by Wake when no focus session is open.
	ErrNotFocusing = errors.New("focus: no focus session open")
)

// Conn is the slice of the live connection the controller drives.
// Satisfied by *live.Manager.
type Conn interface {
	Connect(ctx context.Context, cfg live.ConnectionConfig) error
	Disconnect() error
	Connected() bool
	SendSilentContent(text string, commitTurn bool, role live.Role) error
}

// Capture is the microphone surface the controller needs.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Recording() bool
}

// Playback exposes the speaking state published by the output pipeline.
type Playback interface {
	Speaking() bool
}

// Ambient is the background feedback loop. Satisfied by *feedback.Player.
type Ambient interface {
	Start(ctx context.Context) error
	Stop()
}

// Epochs is the cancellation-epoch surface of the session controller. A
// teardown that races a wake bumps the epoch, and the wake must detect the
// mismatch and abort. Satisfied by *orchestrator.Orchestrator.
type Epochs interface {
	Epoch() uint64
	Stale(captured uint64) bool
}

// InstructionSource re-fetches the system instruction on wake, carrying the
// recent conversation as prior context. Satisfied by *coach.Client.
type InstructionSource interface {
	FetchInstruction(ctx context.Context, task, priorContext string) (*coach.Instruction, error)
}

// PreFocus supplies the instruction the session was running before focus
// mode was entered. Satisfied by *orchestrator.Orchestrator.
type PreFocus interface {
	ActiveInstruction() string
}

// SessionStore records focus sessions with the backend. Satisfied by
// *coach.Client.
type SessionStore interface {
	CreateFocusSession(ctx context.Context, sessionID, task string) error
	UpdateFocusSession(ctx context.Context, sessionID string, duration time.Duration, chatCountDelta int, closed bool) error
}

// ToolSource supplies tool declarations for the rebuilt connection config.
type ToolSource interface {
	Declarations() []live.ToolDeclaration
}

// Session is one open focus session.
type Session struct {
	ID             string
	Task           string
	StartedAt      time.Time
	ReconnectCount int
}

// Params collects the controller's collaborators and knobs.
type Params struct {
	Conn       Conn
	Capture    Capture
	Playback   Playback
	Ambient    Ambient // nil disables ambient feedback
	Epochs     Epochs
	Transcript *transcript.Assembler
	Coach      InstructionSource     // nil falls back to the pre-focus instruction
	PreFocus   PreFocus              // nil means no pre-focus instruction is carried
	Store      SessionStore          // nil skips focus-session records
	Creds      live.CredentialSource // nil defers credential fetch to the connection
	Tools      ToolSource            // nil reconnects without tools
	Log        *slog.Logger
	Metrics    *observe.Metrics

	Voice          string
	IdleWindow     time.Duration // default 30s
	ReconnectHold  time.Duration // default 10s
	DrainWait      time.Duration // default 8s
	ConnectTimeout time.Duration // default 10s
}

// Controller is the focus-mode state machine.
type Controller struct {
	conn     Conn
	capture  Capture
	play     Playback
	ambient  Ambient
	epochs   Epochs
	tx       *transcript.Assembler
	coach    InstructionSource
	preFocus PreFocus
	store    SessionStore
	creds    live.CredentialSource
	tools    ToolSource
	log      *slog.Logger
	metrics  *observe.Metrics

	voice          string
	idleWindow     time.Duration
	reconnectHold  time.Duration
	drainWait      time.Duration
	connectTimeout time.Duration

	// wakeMu guarantees at most one reconnect attempt at a time,
	// independent of the session start mutex.
	wakeMu sync.Mutex

	mu             sync.Mutex
	mode           Mode
	session        *Session
	preInstruction string
	lastReconnect  time.Time
	chatDelta      int
	idleCancel     context.CancelFunc
	idleDone       chan struct{}
}

var _ tools.FocusStatus = (*Controller)(nil)

// New creates a focus controller. It subscribes to the transcript so closed
// turns during a focus session feed the chat-count delta reported to the
// backend.
func New(p Params) (*Controller, error) {
	if p.Conn == nil || p.Capture == nil || p.Playback == nil || p.Epochs == nil || p.Transcript == nil {
		return nil, errors.New("focus: Conn, Capture, Playback, Epochs, and Transcript are required")
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		conn:           p.Conn,
		capture:        p.Capture,
		play:           p.Playback,
		ambient:        p.Ambient,
		epochs:         p.Epochs,
		tx:             p.Transcript,
		coach:          p.Coach,
		preFocus:       p.PreFocus,
		store:          p.Store,
		creds:          p.Creds,
		tools:          p.Tools,
		log:            p.Log.With("component", "focus"),
		metrics:        p.Metrics,
		voice:          p.Voice,
		idleWindow:     p.IdleWindow,
		reconnectHold:  p.ReconnectHold,
		drainWait:      p.DrainWait,
		connectTimeout: p.ConnectTimeout,
		mode:           ModeCoaching,
	}
	if c.idleWindow <= 0 {
		c.idleWindow = defaultIdleWindow
	}
	if c.reconnectHold <= 0 {
		c.reconnectHold = defaultReconnectHold
	}
	if c.drainWait <= 0 {
		c.drainWait = defaultDrainWait
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectWait
	}

	c.tx.Subscribe(func(transcript.Turn) {
		c.mu.Lock()
		if c.session != nil {
			c.chatDelta++
		}
		c.mu.Unlock()
	})
	return c, nil
}

// Mode returns the connection-facing state.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Focusing reports whether a focus session is open. True across the whole
// Enter..Exit span, including wake intervals where the connection is up.
func (c *Controller) Focusing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// FocusElapsed returns how long the current focus session has been open, or
// zero when none is.
func (c *Controller) FocusElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return time.Since(c.session.StartedAt)
}

// CurrentSession returns a copy of the open focus session, or nil.
func (c *Controller) CurrentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Enter opens a focus session: waits (bounded) for the current assistant
// utterance to finish, suspends the connection, starts ambient feedback and
// the idle supervisor, and registers the session with the backend
// asynchronously.
func (c *Controller) Enter(ctx context.Context, task string) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return fmt.Errorf("focus: session %s already open", c.session.ID)
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Task:      task,
		StartedAt: time.Now(),
	}
	c.session = sess
	c.chatDelta = 0
	if c.preFocus != nil {
		c.preInstruction = c.preFocus.ActiveInstruction()
	}
	idleCtx, cancel := context.WithCancel(context.Background())
	idleDone := make(chan struct{})
	c.idleCancel = cancel
	c.idleDone = idleDone
	c.mu.Unlock()

	c.drainUtterance(ctx)

	c.capture.Stop()
	if err := c.conn.Disconnect(); err != nil {
		c.log.Warn("suspending connection", "error", err)
	}
	if c.ambient != nil {
		if err := c.ambient.Start(ctx); err != nil {
			c.log.Warn("starting ambient feedback", "error", err)
		}
	}

	c.mu.Lock()
	c.mode = ModeFocusing
	c.mu.Unlock()

	go c.superviseIdle(idleCtx, idleDone)

	c.metrics.FocusSessions.Add(ctx, 1)
	c.log.Info("focus session opened", "session", sess.ID, "task", task)

	if c.store != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.store.CreateFocusSession(rctx, sess.ID, sess.Task); err != nil {
				c.log.Warn("registering focus session", "session", sess.ID, "error", err)
			}
		}()
	}
	return nil
}

// drainUtterance waits for the assistant to stop speaking, up to the drain
// deadline.
func (c *Controller) drainUtterance(ctx context.Context) {
	deadline := time.Now().Add(c.drainWait)
	for c.play.Speaking() {
		if time.Now().After(deadline) {
			c.log.Debug("utterance drain timed out")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
	}
}

// superviseIdle watches for the awake-but-idle condition and suspends the
// connection when it holds for a full idle window. One suspension per idle
// stretch: disconnecting clears the connected condition, which resets the
// timer.
func (c *Controller) superviseIdle(ctx context.Context, done chan struct{}) {
	defer close(done)

	poll := idlePollInterval
	if c.idleWindow < 4*poll {
		poll = c.idleWindow / 4
	}
	if poll <= 0 {
		poll = time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		idle := c.conn.Connected() && !c.play.Speaking() && !c.capture.Recording()
		if !idle {
			idleSince = time.Time{}
			continue
		}
		if idleSince.IsZero() {
			idleSince = time.Now()
			continue
		}
		if time.Since(idleSince) < c.idleWindow {
			continue
		}

		c.log.Info("idle window elapsed, suspending connection")
		c.capture.Stop()
		if err := c.conn.Disconnect(); err != nil {
			c.log.Warn("idle suspend", "error", err)
		}
		c.mu.Lock()
		c.mode = ModeFocusing
		c.mu.Unlock()
		idleSince = time.Time{}
	}
}

// Wake resumes the suspended connection. At most one attempt runs at a time;
// calls are no-ops while connected or within the just-reconnected hold. A
// session teardown that races the fetches wins: the attempt detects the
// epoch mismatch and aborts the whole focus session.
func (c *Controller) Wake(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNotFocusing
	}
	if c.conn.Connected() {
		c.mu.Unlock()
		c.log.Debug("wake ignored, already connected")
		return nil
	}
	if hold := time.Since(c.lastReconnect); hold < c.reconnectHold {
		c.mu.Unlock()
		c.log.Debug("wake suppressed by reconnect hold", "since_reconnect", hold)
		return nil
	}
	task := c.session.Task
	c.mu.Unlock()

	if !c.wakeMu.TryLock() {
		return ErrWakeInFlight
	}
	defer c.wakeMu.Unlock()

	epoch := c.epochs.Epoch()
	c.setMode(ModeConnecting)

	instruction, credential, err := c.fetchReconnectConfig(ctx, task)
	if err != nil {
		c.setMode(ModeFocusing)
		return fmt.Errorf("focus: wake: %w", err)
	}

	// The parent session ended while we were fetching; it owns the outcome.
	if c.epochs.Stale(epoch) {
		c.log.Info("wake superseded by session teardown, aborting focus session")
		c.abort()
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	err = c.conn.Connect(connectCtx, live.ConnectionConfig{
		Instruction: instruction,
		Voice:       c.voice,
		Tools:       c.toolDeclarations(),
		Credential:  credential,
	})
	cancel()
	if err != nil {
		c.setMode(ModeFocusing)
		return fmt.Errorf("focus: wake connect: %w", err)
	}

	if c.epochs.Stale(epoch) {
		c.log.Info("teardown raced wake connect, disconnecting")
		if err := c.conn.Disconnect(); err != nil {
			c.log.Warn("disconnecting superseded wake", "error", err)
		}
		c.abort()
		return nil
	}

	if err := c.capture.Start(ctx); err != nil {
		c.log.Warn("re-enabling microphone", "error", err)
	}
	if err := c.conn.SendSilentContent(c.wakeContext(), false, live.RoleSystem); err != nil {
		c.log.Warn("injecting wake context", "error", err)
	}

	c.mu.Lock()
	c.session.ReconnectCount++
	c.lastReconnect = time.Now()
	c.mode = ModeCoaching
	sessID := c.session.ID
	count := c.session.ReconnectCount
	started := c.session.StartedAt
	delta := c.chatDelta
	c.chatDelta = 0
	c.mu.Unlock()

	c.metrics.Reconnects.Add(ctx, 1)
	c.log.Info("woke from focus", "session", sessID, "reconnects", count)

	if c.store != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.store.UpdateFocusSession(rctx, sessID, time.Since(started), delta, false); err != nil {
				c.log.Warn("updating focus session", "session", sessID, "error", err)
			}
		}()
	}
	return nil
}

// fetchReconnectConfig runs the instruction and credential fetches in
// parallel. With no instruction source the pre-focus instruction is reused
// as-is.
func (c *Controller) fetchReconnectConfig(ctx context.Context, task string) (instruction, credential string, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	if c.coach != nil {
		g.Go(func() error {
			instr, err := c.coach.FetchInstruction(gctx, task, c.priorContext())
			if err != nil {
				return fmt.Errorf("fetch instruction: %w", err)
			}
			mu.Lock()
			instruction = instr.Text
			mu.Unlock()
			return nil
		})
	} else {
		instruction = c.currentPreInstruction()
	}

	if c.creds != nil {
		g.Go(func() error {
			cred, err := c.creds.Credential(gctx)
			if err != nil {
				return fmt.Errorf("fetch credential: %w", err)
			}
			mu.Lock()
			credential = cred
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return instruction, credential, nil
}

// wakeContext builds the one silent message sent after a wake reconnect.
func (c *Controller) wakeContext() string {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return "[SESSION_RECONNECT] The session was resumed."
	}

	elapsed := time.Since(sess.StartedAt).Round(time.Second)
	msg := fmt.Sprintf("[SESSION_RECONNECT] The user has been focusing on %q for %s and just asked to resume.", sess.Task, elapsed)
	if topic := c.lastTopic(); topic != "" {
		msg += fmt.Sprintf(" The last thing discussed was: %s", topic)
	}
	return msg
}

// lastTopic returns a bounded excerpt of the most recent closed turn.
func (c *Controller) lastTopic() string {
	turns := c.tx.RecentTurns(1)
	if len(turns) == 0 {
		return ""
	}
	topic := turns[0].Text
	if len(topic) > topicPreviewLen {
		topic = topic[:topicPreviewLen] + "…"
	}
	return topic
}

// priorContext renders the recent closed turns for the instruction fetch.
func (c *Controller) priorContext() string {
	turns := c.tx.RecentTurns(priorTurnCount)
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Exit closes the focus session: stops ambient feedback and the idle
// supervisor, reconnects with the pre-focus instruction plus the accumulated
// context, and finalizes the session record asynchronously.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	delta := c.chatDelta
	instruction := c.preInstruction
	c.mu.Unlock()

	c.stopSupervision()
	if c.ambient != nil {
		c.ambient.Stop()
	}

	var connectErr error
	if !c.conn.Connected() {
		connectErr = c.reconnectWithInstruction(ctx, instruction)
	}

	duration := time.Since(sess.StartedAt)
	c.mu.Lock()
	c.session = nil
	c.preInstruction = ""
	c.chatDelta = 0
	c.mode = ModeCoaching
	c.mu.Unlock()

	c.metrics.FocusSessions.Add(ctx, -1)
	c.log.Info("focus session closed", "session", sess.ID, "duration", duration.Round(time.Second), "reconnects", sess.ReconnectCount)

	if c.store != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.store.UpdateFocusSession(rctx, sess.ID, duration, delta, true); err != nil {
				c.log.Warn("finalizing focus session", "session", sess.ID, "error", err)
			}
		}()
	}
	return connectErr
}

// reconnectWithInstruction restores the connection for the exit path. An
// empty instruction falls back to a fresh fetch when possible.
func (c *Controller) reconnectWithInstruction(ctx context.Context, instruction string) error {
	c.setMode(ModeConnecting)

	var credential string
	if instruction == "" && c.coach != nil {
		var err error
		instruction, credential, err = c.fetchReconnectConfig(ctx, c.sessionTask())
		if err != nil {
			c.setMode(ModeFocusing)
			return fmt.Errorf("focus: exit: %w", err)
		}
	} else if c.creds != nil {
		cred, err := c.creds.Credential(ctx)
		if err != nil {
			c.setMode(ModeFocusing)
			return fmt.Errorf("focus: exit credential: %w", err)
		}
		credential = cred
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.conn.Connect(connectCtx, live.ConnectionConfig{
		Instruction: instruction,
		Voice:       c.voice,
		Tools:       c.toolDeclarations(),
		Credential:  credential,
	}); err != nil {
		c.setMode(ModeFocusing)
		return fmt.Errorf("focus: exit connect: %w", err)
	}

	if err := c.capture.Start(ctx); err != nil {
		c.log.Warn("re-enabling microphone", "error", err)
	}
	if prior := c.priorContext(); prior != "" {
		msg := "[SESSION_RECONNECT] Focus time just ended. Conversation so far:\n" + prior
		if err := c.conn.SendSilentContent(msg, false, live.RoleSystem); err != nil {
			c.log.Warn("injecting exit context", "error", err)
		}
	}
	return nil
}

// abort discards the focus session after a losing race with a full session
// teardown. No reconnect, no record finalize beyond the duration update.
func (c *Controller) abort() {
	c.mu.Lock()
	sess := c.session
	delta := c.chatDelta
	c.session = nil
	c.preInstruction = ""
	c.chatDelta = 0
	c.mode = ModeCoaching
	c.mu.Unlock()

	c.stopSupervision()
	if c.ambient != nil {
		c.ambient.Stop()
	}
	if sess == nil {
		return
	}

	c.metrics.FocusSessions.Add(context.Background(), -1)
	if c.store != nil {
		duration := time.Since(sess.StartedAt)
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.store.UpdateFocusSession(rctx, sess.ID, duration, delta, true); err != nil {
				c.log.Warn("finalizing aborted focus session", "session", sess.ID, "error", err)
			}
		}()
	}
}

func (c *Controller) stopSupervision() {
	c.mu.Lock()
	cancel := c.idleCancel
	done := c.idleDone
	c.idleCancel = nil
	c.idleDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) toolDeclarations() []live.ToolDeclaration {
	if c.tools == nil {
		return nil
	}
	return c.tools.Declarations()
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Controller) sessionTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Task
}

func (c *Controller) currentPreInstruction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preInstruction
}
