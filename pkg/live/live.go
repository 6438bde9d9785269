// Package live implements the connection manager for the real-time
// conversational backend.
//
// A [Manager] owns at most one streaming session at a time. It establishes a
// bidirectional WebSocket connection to the BidiGenerateContent endpoint,
// exchanges JSON envelopes, and dispatches inbound server events to a fixed
// [Handlers] set in a defined precedence: interruption first, then turn
// completion, transcription fragments, tool calls, and finally inline media
// and text parts. Audio is transmitted as base64-encoded PCM chunks, video
// frames as base64-encoded JPEG.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ErrSessionClosed is returned by send methods invoked on a closed session.
var ErrSessionClosed = errors.New("live: session closed")

// Status is the connection state of a [Manager].
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Role is the speaker role attached to injected content turns.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// ToolDeclaration describes one callable function offered to the model at
// session setup.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallHandler is invoked whenever the model requests a tool call. It
// receives the tool name and a JSON-encoded arguments string and returns a
// result string that is sent back over the connection keyed by the call id.
// The handler runs on the session's receive goroutine and must not call
// blocking Manager methods.
type ToolCallHandler func(name string, args string) (string, error)

// Handlers is the fixed callback set registered before Connect. Any field may
// be nil. Callbacks run on the session's receive goroutine — they must return
// quickly and must not call back into the Manager's Connect or Disconnect.
type Handlers struct {
	// OnOpen fires once the backend acknowledges session setup.
	OnOpen func()

	// OnInterrupted fires when the model's response was cut off by user
	// speech. The playback queue must be flushed before any later audio from
	// the same envelope is handled; the Manager guarantees this ordering.
	OnInterrupted func()

	// OnTurnComplete fires when the model signals the end of its turn.
	OnTurnComplete func()

	// OnUserTranscription receives recognised fragments of user speech.
	OnUserTranscription func(text string)

	// OnModelTranscription receives text fragments of the model's spoken
	// output. Thinking meta-content is filtered out before delivery.
	OnModelTranscription func(text string)

	// OnToolCall handles model-initiated tool invocations.
	OnToolCall ToolCallHandler

	// OnAudio receives decoded inbound PCM chunks for playback.
	OnAudio func(pcm []byte)

	// OnText receives inline model text parts.
	OnText func(text string)

	// OnClose fires when the session terminates; err is nil on clean close.
	OnClose func(err error)
}

// ConnectionConfig is the immutable per-connect parameter set. It is rebuilt,
// never mutated, for every connect and reconnect.
type ConnectionConfig struct {
	// Instruction is the system instruction text for this session.
	Instruction string

	// Tools is the set of function declarations offered to the model.
	Tools []ToolDeclaration

	// Voice selects the prebuilt voice for synthesised speech.
	Voice string

	// Credential is the bearer credential used to open the stream. When
	// empty, the Manager fetches a fresh one from its CredentialSource.
	Credential string
}

// CredentialSource supplies short-lived connection credentials. Implemented
// by the auth collaborator.
type CredentialSource interface {
	// Credential returns a currently valid credential, fetching a fresh one
	// if necessary.
	Credential(ctx context.Context) (string, error)
}

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithModel sets the backend model used for sessions.
func WithModel(model string) Option {
	return func(m *Manager) { m.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(m *Manager) { m.baseURL = url }
}

// Manager owns the single streaming session to the conversational backend.
// All exported methods are safe for concurrent use.
type Manager struct {
	creds    CredentialSource
	model    string
	baseURL  string
	handlers Handlers

	mu      sync.Mutex
	sess    *session
	status  Status
	lastErr error
}

// NewManager creates a Manager that fetches credentials from creds when a
// ConnectionConfig carries none. Handlers must be set with [Manager.SetHandlers]
// before the first Connect.
func NewManager(creds CredentialSource, opts ...Option) *Manager {
	m := &Manager{
		creds:   creds,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetHandlers replaces the callback set used by future sessions. It does not
// affect an already open session.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether a live session is open.
func (m *Manager) Connected() bool {
	return m.Status() == StatusConnected
}

// LastError returns the error recorded by the most recent failure, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect opens a streaming session with cfg. When a session already exists,
// or another Connect is still in flight, the call is a no-op — this guards
// against duplicate concurrent connects. Connect blocks until the backend
// acknowledges setup or ctx expires.
func (m *Manager) Connect(ctx context.Context, cfg ConnectionConfig) error {
	m.mu.Lock()
	if m.sess != nil || m.status == StatusConnecting {
		m.mu.Unlock()
		slog.Debug("live: connect skipped, session already open or connecting")
		return nil
	}
	m.status = StatusConnecting
	handlers := m.handlers
	m.mu.Unlock()

	credential := cfg.Credential
	if credential == "" {
		if m.creds == nil {
			m.fail(fmt.Errorf("live: no credential and no credential source"))
			return fmt.Errorf("live: no credential and no credential source")
		}
		c, err := m.creds.Credential(ctx)
		if err != nil {
			err = fmt.Errorf("live: fetch credential: %w", err)
			m.fail(err)
			return err
		}
		credential = c
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		m.baseURL, credential,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		err = fmt.Errorf("live: dial: %w", err)
		m.fail(err)
		return err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		handlers: handlers,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
		onExit:   m.sessionExited,
	}

	if err := sess.sendSetup(m.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		err = fmt.Errorf("live: setup: %w", err)
		m.fail(err)
		return err
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	// Wait for the setup acknowledgement so callers observe an open session.
	select {
	case <-sess.ready:
	case <-ctx.Done():
		_ = sess.Close()
		err := fmt.Errorf("live: setup ack: %w", ctx.Err())
		m.fail(err)
		return err
	case <-sess.done:
		err := sess.Err()
		if err == nil {
			err = fmt.Errorf("live: session closed during setup")
		}
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.sess != nil {
		// Lost a connect race; another session was installed first. Keep
		// it and discard this one.
		m.mu.Unlock()
		slog.Debug("live: discarding superseded session")
		_ = sess.Close()
		return nil
	}
	m.sess = sess
	m.status = StatusConnected
	m.lastErr = nil
	m.mu.Unlock()

	// The session may have died between the setup ack and the handoff above;
	// its exit callback would have missed the registration, so re-run it.
	select {
	case <-sess.done:
		m.sessionExited(sess, sess.Err())
		err := sess.Err()
		if err == nil {
			err = fmt.Errorf("live: session closed during setup")
		}
		return err
	default:
	}

	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	return nil
}

// Disconnect closes the underlying stream if open, nulls the session handle,
// and sets the status to disconnected. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// fail records err and flips the status to error, unless a session was
// established meanwhile.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		m.status = StatusError
		m.lastErr = err
	}
}

// sessionExited is invoked by a session's receive loop on exit. When the
// exiting session is still the current one, the status transitions to error
// (or disconnected on clean close) and OnClose fires.
func (m *Manager) sessionExited(sess *session, err error) {
	m.mu.Lock()
	current := m.sess == sess
	if current {
		m.sess = nil
		if err != nil {
			m.status = StatusError
			m.lastErr = err
		} else {
			m.status = StatusDisconnected
		}
	}
	handlers := m.handlers
	m.mu.Unlock()

	if current && handlers.OnClose != nil {
		handlers.OnClose(err)
	}
}

// currentSession returns the open session or nil.
func (m *Manager) currentSession() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// SendAudio forwards one outbound PCM chunk (16 kHz s16le mono). A no-op,
// logged at debug, when not connected.
func (m *Manager) SendAudio(pcm []byte) {
	sess := m.currentSession()
	if sess == nil {
		slog.Debug("live: send audio dropped, not connected")
		return
	}
	if err := sess.sendMedia("audio/pcm;rate=16000", pcm); err != nil {
		slog.Warn("live: send audio failed", "err", err)
	}
}

// SendVideo forwards one outbound JPEG frame. A no-op, logged at debug, when
// not connected.
func (m *Manager) SendVideo(jpeg []byte) {
	sess := m.currentSession()
	if sess == nil {
		slog.Debug("live: send video dropped, not connected")
		return
	}
	if err := sess.sendMedia("image/jpeg", jpeg); err != nil {
		slog.Warn("live: send video failed", "err", err)
	}
}

// SendText sends a user text turn that triggers a model response. A no-op,
// logged, when not connected.
func (m *Manager) SendText(text string) error {
	sess := m.currentSession()
	if sess == nil {
		slog.Debug("live: send text dropped, not connected")
		return nil
	}
	return sess.sendContent(string(RoleUser), text, true)
}

// SendSilentContent injects text into the ongoing context without corrupting
// the audible conversation. With commitTurn false the model does not produce
// a spoken reply; with true it is explicitly prompted to respond. Used for
// out-of-band injection such as retrieved memories or mode-switch directives.
func (m *Manager) SendSilentContent(text string, commitTurn bool, role Role) error {
	sess := m.currentSession()
	if sess == nil {
		slog.Debug("live: silent content dropped, not connected")
		return nil
	}
	return sess.sendContent(string(role), text, commitTurn)
}

// ─── session ──────────────────────────────────────────────────────────────────

// session is one live connection instance. Created on Connect, destroyed on
// Disconnect or close; never reused.
type session struct {
	conn     *websocket.Conn
	handlers Handlers
	onExit   func(*session, error)

	ready     chan struct{} // closed when setupComplete arrives
	readyOnce sync.Once

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial setup envelope: model, audio response modality,
// system instruction, voice, and tool declarations.
func (s *session) sendSetup(model string, cfg ConnectionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instruction}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolDecls{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) sendMedia(mimeType string, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)},
			},
		},
	}
	return s.writeJSON(msg)
}

func (s *session) sendContent(role, text string, turnComplete bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: role, Parts: []part{{Text: text}}},
			},
			TurnComplete: turnComplete,
		},
	}
	return s.writeJSON(msg)
}

// receiveLoop reads envelopes from the WebSocket and dispatches them until
// the connection drops or the session is closed.
func (s *session) receiveLoop() {
	defer func() {
		s.signalDone()
		s.onExit(s, s.Err())
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A cancelled session context means Close was called; exit clean.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.dispatch(&msg)
	}
}

// dispatch handles one inbound envelope. Multiple fields may co-occur; the
// handling order is fixed: interrupted, turnComplete, transcription
// fragments, tool calls, inline audio, inline text.
func (s *session) dispatch(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.readyOnce.Do(func() { close(s.ready) })
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown server error"
		}
		slog.Warn("live: server error", "code", msg.Error.Code, "message", text)
	}

	sc := msg.ServerContent

	if sc != nil && sc.Interrupted && s.handlers.OnInterrupted != nil {
		s.handlers.OnInterrupted()
	}

	if sc != nil && sc.TurnComplete && s.handlers.OnTurnComplete != nil {
		s.handlers.OnTurnComplete()
	}

	if sc != nil && sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if s.handlers.OnUserTranscription != nil {
			s.handlers.OnUserTranscription(sc.InputTranscription.Text)
		}
	}

	if sc != nil && sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if s.handlers.OnModelTranscription != nil {
			s.handlers.OnModelTranscription(sc.OutputTranscription.Text)
		}
	}

	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}

	if sc != nil && sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && s.handlers.OnAudio != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				s.handlers.OnAudio(pcm)
			}
			// Thinking meta-content never reaches downstream consumers.
			if p.Text != "" && !p.Thought && s.handlers.OnText != nil {
				s.handlers.OnText(p.Text)
			}
		}
	}
}

// handleToolCall executes each requested function through the registered
// handler and sends the result back keyed by the call id.
func (s *session) handleToolCall(tc *toolCallMsg) {
	handler := s.handlers.OnToolCall
	if handler == nil {
		return
	}

	for _, fc := range tc.FunctionCalls {
		argsJSON, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}

		result, callErr := handler(fc.Name, string(argsJSON))
		if callErr != nil {
			result = fmt.Sprintf(`{"error": %q}`, callErr.Error())
		}

		// Parse the result as JSON; fall back to wrapping in {"output":...}.
		var respObj map[string]any
		if jsonErr := json.Unmarshal([]byte(result), &respObj); jsonErr != nil {
			respObj = map[string]any{"output": result}
		}

		resp := toolResponseMessage{
			ToolResponse: toolResponse{
				FunctionResponses: []functionResponse{
					{ID: fc.ID, Name: fc.Name, Response: respObj},
				},
			},
		}
		_ = s.writeJSON(resp) // best-effort; ignore write errors after close
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Err returns the first error that terminated the session, or nil.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *session) signalDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Close terminates the session and releases the connection. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
