// Package orchestrator is the top-level session controller. It brings a
// session up (devices, instruction, credential, connect) in parallel under
// one timeout, prevents overlapping starts, and stamps every asynchronous
// continuation with an epoch so superseded work can detect staleness and
// abort its side effects.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberware/ember/internal/coach"
	"github.com/emberware/ember/internal/observe"
	"github.com/emberware/ember/internal/transcript"
	"github.com/emberware/ember/pkg/live"
)

// State is the lifecycle state of the orchestrator.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
	StateError    State = "error"
)

// ErrStartInFlight is returned when Start is called while another start is
// still running.
var ErrStartInFlight = errors.New("orchestrator: a start is already in flight")

// Connection is the slice of the live connection the orchestrator drives.
// Satisfied by *live.Manager.
type Connection interface {
	SetHandlers(live.Handlers)
	Connect(ctx context.Context, cfg live.ConnectionConfig) error
	Disconnect() error
	Connected() bool
	Status() live.Status
	LastError() error
	SendText(text string) error
	SendSilentContent(text string, commitTurn bool, role live.Role) error
}

// Capture is the microphone pipeline surface the orchestrator needs.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Toggle(ctx context.Context) (bool, error)
	Recording() bool
}

// Playback is the output pipeline surface the orchestrator needs.
type Playback interface {
	EnsureReady(ctx context.Context) error
	Play(ctx context.Context, chunk []byte) error
	Stop()
	MarkTurnComplete()
	Cleanup()
	Speaking() bool
}

// Video is the camera pipeline surface. May be absent.
type Video interface {
	Start(ctx context.Context) error
	Stop()
	Toggle(ctx context.Context) (bool, error)
	Running() bool
}

// InstructionFetcher supplies the system instruction for a session.
// Satisfied by *coach.Client.
type InstructionFetcher interface {
	FetchInstruction(ctx context.Context, task, priorContext string) (*coach.Instruction, error)
}

// ToolSource supplies tool declarations and the dispatch handler.
type ToolSource interface {
	Declarations() []live.ToolDeclaration
	Dispatch(name, args string) (string, error)
}

// Params collects the orchestrator's collaborators and knobs.
type Params struct {
	Conn       Connection
	Capture    Capture
	Playback   Playback
	Video      Video // nil disables the camera surface
	Transcript *transcript.Assembler
	Coach      InstructionFetcher    // nil requires a custom instruction per start
	Creds      live.CredentialSource // nil leaves the credential fetch to the connection layer
	Tools      ToolSource            // nil connects without tools
	Log        *slog.Logger
	Metrics    *observe.Metrics

	Voice          string
	StartTimeout   time.Duration // default 15s
	ConnectTimeout time.Duration // default 10s
	SettleDelay    time.Duration // default 500ms
}

// StartOptions tunes a single Start call.
type StartOptions struct {
	// Instruction overrides the fetched system instruction. When set, the
	// backend instruction fetch is skipped.
	Instruction string

	// EnableCamera brings the camera up alongside the microphone.
	EnableCamera bool
}

// Snapshot is the read-only status surface.
type Snapshot struct {
	State     State
	Connected bool
	Recording bool
	Speaking  bool
	Camera    bool
	Task      string
	LastError error
}

// Orchestrator drives the session lifecycle.
type Orchestrator struct {
	conn    Connection
	capture Capture
	play    Playback
	video   Video
	tx      *transcript.Assembler
	coach   InstructionFetcher
	creds   live.CredentialSource
	tools   ToolSource
	log     *slog.Logger
	metrics *observe.Metrics

	voice          string
	startTimeout   time.Duration
	connectTimeout time.Duration
	settleDelay    time.Duration

	epoch   atomic.Uint64
	startMu sync.Mutex

	mu          sync.Mutex
	state       State
	task        string
	instruction string
	lastErr     error
	cleaning    bool
}

// New creates an orchestrator and wires the inbound dispatch handlers into
// the pipelines.
func New(p Params) (*Orchestrator, error) {
	if p.Conn == nil || p.Capture == nil || p.Playback == nil || p.Transcript == nil {
		return nil, errors.New("orchestrator: Conn, Capture, Playback, and Transcript are required")
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	o := &Orchestrator{
		conn:           p.Conn,
		capture:        p.Capture,
		play:           p.Playback,
		video:          p.Video,
		tx:             p.Transcript,
		coach:          p.Coach,
		creds:          p.Creds,
		tools:          p.Tools,
		log:            p.Log.With("component", "orchestrator"),
		metrics:        p.Metrics,
		voice:          p.Voice,
		startTimeout:   p.StartTimeout,
		connectTimeout: p.ConnectTimeout,
		settleDelay:    p.SettleDelay,
		state:          StateIdle,
	}
	if o.startTimeout <= 0 {
		o.startTimeout = 15 * time.Second
	}
	if o.connectTimeout <= 0 {
		o.connectTimeout = 10 * time.Second
	}
	if o.settleDelay < 0 {
		o.settleDelay = 0
	}

	o.conn.SetHandlers(o.handlers())
	return o, nil
}

// handlers builds the inbound dispatch wiring. Precedence (interruption
// before turn completion before transcription before audio) is enforced by
// the connection layer; these callbacks only route.
func (o *Orchestrator) handlers() live.Handlers {
	h := live.Handlers{
		OnInterrupted: func() {
			o.metrics.Interruptions.Add(context.Background(), 1)
			o.play.Stop()
		},
		OnTurnComplete: func() {
			o.play.MarkTurnComplete()
			o.tx.TurnComplete()
		},
		OnUserTranscription:  o.tx.AddUserFragment,
		OnModelTranscription: o.tx.AddAssistantFragment,
		OnText:               o.tx.AddAssistantFragment,
		OnAudio: func(pcm []byte) {
			if err := o.play.Play(context.Background(), pcm); err != nil {
				o.log.Warn("playing inbound audio", "error", err)
			}
		},
		OnClose: func(err error) {
			if err != nil {
				o.log.Warn("connection closed", "error", err)
			}
		},
	}
	if o.tools != nil {
		h.OnToolCall = o.tools.Dispatch
	}
	return h
}

// Epoch returns the current cancellation epoch. Asynchronous continuations
// capture it before suspending and compare with strict equality afterwards.
func (o *Orchestrator) Epoch() uint64 {
	return o.epoch.Load()
}

// Stale reports whether captured is no longer the current epoch.
func (o *Orchestrator) Stale(captured uint64) bool {
	return o.epoch.Load() != captured
}

// Start brings up a full session for the given task. It returns
// [ErrStartInFlight] when another start is still running. A stale result
// (epoch advanced during bring-up) aborts silently.
func (o *Orchestrator) Start(ctx context.Context, task string, opts StartOptions) error {
	if !o.startMu.TryLock() {
		return ErrStartInFlight
	}
	defer o.startMu.Unlock()

	// An old session still live means this is a restart.
	if o.conn.Connected() || o.currentState() == StateActive {
		o.log.Info("replacing live session")
		o.Cleanup()
		if o.settleDelay > 0 {
			select {
			case <-time.After(o.settleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	epoch := o.Epoch()
	o.setState(StateStarting, nil)
	o.setTask(task)
	began := time.Now()

	instruction, memorySummary, credential, err := o.bringUp(ctx, task, opts)
	if err != nil {
		o.Cleanup()
		o.setState(StateError, err)
		return err
	}

	// A teardown during bring-up wins; release what this start acquired.
	if o.Stale(epoch) {
		o.log.Info("start superseded during bring-up, aborting", "epoch", epoch)
		o.stopPipelines()
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	connectBegan := time.Now()
	err = o.conn.Connect(connectCtx, live.ConnectionConfig{
		Instruction: instruction,
		Voice:       o.voice,
		Tools:       o.toolDeclarations(),
		Credential:  credential,
	})
	cancel()
	if err != nil {
		o.Cleanup()
		o.setState(StateError, err)
		o.metrics.ConnectErrors.Add(ctx, 1)
		return fmt.Errorf("orchestrator: connect: %w", err)
	}
	o.metrics.ConnectDuration.Record(ctx, time.Since(connectBegan).Seconds())

	// The session belongs to this epoch only; a teardown that raced the
	// connect owns the outcome and the new session must go.
	if o.Stale(epoch) {
		o.log.Info("start superseded during connect, disconnecting", "epoch", epoch)
		if err := o.conn.Disconnect(); err != nil {
			o.log.Warn("disconnecting superseded session", "error", err)
		}
		o.stopPipelines()
		return nil
	}

	if memorySummary != "" {
		if err := o.conn.SendSilentContent(memorySummary, false, live.RoleSystem); err != nil {
			o.log.Warn("injecting memory summary", "error", err)
		}
	}

	o.mu.Lock()
	o.instruction = instruction
	o.mu.Unlock()

	o.setState(StateActive, nil)
	o.metrics.ActiveSessions.Add(ctx, 1)
	o.metrics.StartDuration.Record(ctx, time.Since(began).Seconds())
	o.log.Info("session active", "task", task, "elapsed", time.Since(began))
	return nil
}

// bringUp runs hardware acquisition and backend fetches in parallel under
// the start timeout.
func (o *Orchestrator) bringUp(ctx context.Context, task string, opts StartOptions) (instruction, memorySummary, credential string, err error) {
	if opts.Instruction == "" && o.coach == nil {
		return "", "", "", errors.New("orchestrator: no instruction supplied and no instruction fetcher configured")
	}

	ctx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.capture.Start(gctx)
	})

	if opts.EnableCamera && o.video != nil {
		g.Go(func() error {
			return o.video.Start(gctx)
		})
	}

	var mu sync.Mutex
	instruction = opts.Instruction
	if instruction == "" {
		g.Go(func() error {
			instr, err := o.coach.FetchInstruction(gctx, task, "")
			if err != nil {
				return fmt.Errorf("fetch instruction: %w", err)
			}
			mu.Lock()
			instruction = instr.Text
			memorySummary = instr.MemorySummary
			mu.Unlock()
			return nil
		})
	}

	if o.creds != nil {
		g.Go(func() error {
			c, err := o.creds.Credential(gctx)
			if err != nil {
				return fmt.Errorf("fetch credential: %w", err)
			}
			mu.Lock()
			credential = c
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		return o.play.EnsureReady(gctx)
	})

	if err := g.Wait(); err != nil {
		return "", "", "", fmt.Errorf("orchestrator: bring-up: %w", err)
	}
	return instruction, memorySummary, credential, nil
}

func (o *Orchestrator) toolDeclarations() []live.ToolDeclaration {
	if o.tools == nil {
		return nil
	}
	return o.tools.Declarations()
}

// Cleanup tears the session down: bumps the epoch so in-flight
// continuations self-discard, disconnects, and stops the pipelines.
// Idempotent; a re-entrant call while a cleanup is in progress only forces
// a disconnect and returns.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.cleaning {
		o.mu.Unlock()
		if err := o.conn.Disconnect(); err != nil {
			o.log.Warn("forced disconnect during cleanup", "error", err)
		}
		return
	}
	o.cleaning = true
	wasActive := o.state == StateActive
	o.mu.Unlock()

	o.epoch.Add(1)

	if err := o.conn.Disconnect(); err != nil {
		o.log.Warn("disconnecting", "error", err)
	}
	o.stopPipelines()
	o.play.Cleanup()

	o.mu.Lock()
	o.cleaning = false
	o.state = StateIdle
	o.mu.Unlock()

	if wasActive {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	o.log.Info("session cleaned up", "epoch", o.epoch.Load())
}

func (o *Orchestrator) stopPipelines() {
	o.capture.Stop()
	if o.video != nil {
		o.video.Stop()
	}
	o.play.Stop()
}

// End finishes the session.
func (o *Orchestrator) End() {
	o.setState(StateEnding, nil)
	o.Cleanup()
	o.setTask("")
}

// Reset finishes the session and clears the transcript.
func (o *Orchestrator) Reset() {
	o.End()
	o.tx.Reset()
}

// ActiveInstruction returns the system instruction of the current session,
// or "" when no session is active. Reconnect paths reuse it to restore the
// pre-suspension persona.
func (o *Orchestrator) ActiveInstruction() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.instruction
}

// SendText forwards a typed user message over the live connection.
func (o *Orchestrator) SendText(text string) error {
	return o.conn.SendText(text)
}

// ToggleMicrophone flips microphone capture and returns the new state.
func (o *Orchestrator) ToggleMicrophone(ctx context.Context) (bool, error) {
	return o.capture.Toggle(ctx)
}

// ToggleCamera flips camera capture and returns the new state.
func (o *Orchestrator) ToggleCamera(ctx context.Context) (bool, error) {
	if o.video == nil {
		return false, errors.New("orchestrator: no camera configured")
	}
	return o.video.Toggle(ctx)
}

// Snapshot returns the current read-only status.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	state := o.state
	task := o.task
	lastErr := o.lastErr
	o.mu.Unlock()

	camera := false
	if o.video != nil {
		camera = o.video.Running()
	}
	return Snapshot{
		State:     state,
		Connected: o.conn.Connected(),
		Recording: o.capture.Recording(),
		Speaking:  o.play.Speaking(),
		Camera:    camera,
		Task:      task,
		LastError: lastErr,
	}
}

func (o *Orchestrator) currentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	if err != nil {
		o.lastErr = err
	}
}

func (o *Orchestrator) setTask(task string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.task = task
	if task == "" {
		o.instruction = ""
	}
}
