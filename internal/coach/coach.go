// Package coach is the client for the backend coaching service. It supplies
// the system instruction for each session and records focus sessions. The
// service itself is an external collaborator; nothing here is persisted
// locally.
package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLanguages sets the preferred response languages in priority order.
func WithLanguages(langs []string) Option {
	return func(c *Client) {
		c.languages = langs
	}
}

// Client talks to the coaching backend over authenticated HTTP.
type Client struct {
	baseURL    string
	token      string
	userID     string
	languages  []string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a coach client. baseURL and userID must be non-empty.
func New(baseURL, token, userID string, log *slog.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("coach: baseURL must not be empty")
	}
	if userID == "" {
		return nil, errors.New("coach: userID must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userID:     userID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With("component", "coach"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Instruction is the coaching backend's reply to an instruction fetch.
type Instruction struct {
	// Text is the system instruction for the session.
	Text string `json:"instruction"`

	// MemorySummary is an optional summary of retrieved prior context,
	// injected into the conversation as silent content.
	MemorySummary string `json:"memory_summary,omitempty"`
}

// instructionRequest is the JSON payload for an instruction fetch.
type instructionRequest struct {
	UserID       string   `json:"user_id"`
	Task         string   `json:"task,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	PriorContext string   `json:"prior_context,omitempty"`
}

// FetchInstruction retrieves the system instruction for a session. task may
// be empty for a general session; priorContext carries a transcript summary
// for reconnects. A failure here is fatal to session start, so errors are
// returned rather than logged.
func (c *Client) FetchInstruction(ctx context.Context, task, priorContext string) (*Instruction, error) {
	req := instructionRequest{
		UserID:       c.userID,
		Task:         task,
		Languages:    c.languages,
		PriorContext: priorContext,
	}

	var out Instruction
	if err := c.post(ctx, "/v1/instruction", req, &out); err != nil {
		return nil, err
	}
	if out.Text == "" {
		return nil, errors.New("coach: backend returned an empty instruction")
	}
	return &out, nil
}

// focusSessionRequest is the JSON payload for focus-session create/update.
type focusSessionRequest struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	Task            string `json:"task,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	ChatCountDelta  int    `json:"chat_count_delta,omitempty"`
	Closed          bool   `json:"closed,omitempty"`
}

// CreateFocusSession registers a new focus session. Callers treat this as
// fire-and-forget; a failure only loses the record.
func (c *Client) CreateFocusSession(ctx context.Context, sessionID, task string) error {
	req := focusSessionRequest{SessionID: sessionID, UserID: c.userID, Task: task}
	if err := c.post(ctx, "/v1/focus-sessions", req, nil); err != nil {
		return err
	}
	return nil
}

// UpdateFocusSession updates an existing focus session. duration is the
// elapsed focus time; chatCountDelta increments the reconnect counter;
// closed marks the session finished.
func (c *Client) UpdateFocusSession(ctx context.Context, sessionID string, duration time.Duration, chatCountDelta int, closed bool) error {
	req := focusSessionRequest{
		SessionID:       sessionID,
		UserID:          c.userID,
		DurationSeconds: int(duration.Seconds()),
		ChatCountDelta:  chatCountDelta,
		Closed:          closed,
	}
	return c.post(ctx, "/v1/focus-sessions/update", req, nil)
}

// RememberNote stores a free-form note against the user's memory. Callers
// treat this as fire-and-forget; a failure only loses the note.
func (c *Client) RememberNote(ctx context.Context, text string) error {
	req := struct {
		UserID string `json:"user_id"`
		Text   string `json:"text"`
	}{UserID: c.userID, Text: text}
	return c.post(ctx, "/v1/notes", req, nil)
}

// post sends body as JSON to path and decodes the response into out when
// out is non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("coach: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("coach: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coach: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("coach: %s: unexpected status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("coach: decode %s response: %w", path, err)
		}
	}
	return nil
}
