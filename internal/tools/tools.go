// Package tools holds the registry of functions the model may invoke
// during a session. Each tool runs under a bounded timeout and returns a
// JSON result that is sent back over the live connection.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emberware/ember/internal/observe"
	"github.com/emberware/ember/pkg/live"
)

// defaultTimeout bounds a single tool execution.
const defaultTimeout = 30 * time.Second

// Handler executes one tool call. args is the raw JSON argument object;
// the returned string must be valid JSON or plain text (plain text is
// wrapped before being sent back).
type Handler func(ctx context.Context, args string) (string, error)

// Tool pairs a wire declaration with its handler.
type Tool struct {
	Declaration live.ToolDeclaration
	Handler     Handler
}

// Option is a functional option for configuring the Registry.
type Option func(*Registry)

// WithTimeout overrides the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics attaches a metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry maps tool names to handlers.
type Registry struct {
	log     *slog.Logger
	metrics *observe.Metrics
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:     log.With("component", "tools"),
		timeout: defaultTimeout,
		tools:   make(map[string]Tool),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Register adds a tool. Registering a name twice replaces the earlier
// handler.
func (r *Registry) Register(t Tool) error {
	if t.Declaration.Name == "" {
		return fmt.Errorf("tools: declaration has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: %q has no handler", t.Declaration.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Declaration.Name]; exists {
		r.log.Warn("replacing registered tool", "tool", t.Declaration.Name)
	}
	r.tools[t.Declaration.Name] = t
	return nil
}

// Declarations returns the wire declarations of every registered tool,
// sorted by name for a stable setup payload.
func (r *Registry) Declarations() []live.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]live.ToolDeclaration, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Declaration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch executes the named tool under the registry timeout. It has the
// live.ToolCallHandler shape so it can be wired directly into the
// connection handlers.
func (r *Registry) Dispatch(name, args string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "tool."+name)
	defer span.End()

	start := time.Now()
	result, err := t.Handler(ctx, args)
	elapsed := time.Since(start)
	r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, name, status)
	r.log.Debug("tool dispatched", "tool", name, "status", status, "elapsed", elapsed)

	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	return result, nil
}

// ── Built-in tools ────────────────────────────────────────────────────────────

// NoteStore receives notes the model asks to remember. Satisfied by the
// coach client or any other collaborator.
type NoteStore interface {
	RememberNote(ctx context.Context, text string) error
}

// RememberNote builds the remember_note tool, letting the model persist a
// short note through the external store.
func RememberNote(store NoteStore) Tool {
	return Tool{
		Declaration: live.ToolDeclaration{
			Name:        "remember_note",
			Description: "Store a short note about the user for future sessions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The note to remember.",
					},
				},
				"required": []string{"text"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			if in.Text == "" {
				return "", fmt.Errorf("text must not be empty")
			}
			if err := store.RememberNote(ctx, in.Text); err != nil {
				return "", err
			}
			return `{"stored": true}`, nil
		},
	}
}

// FocusStatus reports the current focus-mode state. Satisfied by the focus
// controller.
type FocusStatus interface {
	Focusing() bool
	FocusElapsed() time.Duration
}

// GetFocusStatus builds the get_focus_status tool, letting the model ask
// whether the user is mid-focus and for how long.
func GetFocusStatus(status FocusStatus) Tool {
	return Tool{
		Declaration: live.ToolDeclaration{
			Name:        "get_focus_status",
			Description: "Report whether the user is currently in a focus session and its elapsed time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			out := map[string]any{
				"focusing":        status.Focusing(),
				"elapsed_seconds": int(status.FocusElapsed().Seconds()),
			}
			b, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}
}
