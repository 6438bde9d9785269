// Package transcript assembles raw transcription fragments into
// turn-structured text. Fragments arrive interleaved from the input and
// output transcription streams; the assembler deduplicates repeats,
// buffers each role separately, and emits one closed Turn per contiguous
// run of a single speaker.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emberware/ember/internal/observe"
)

// Role identifies the speaker of a fragment or turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a closed, contiguous block of text from one speaker.
type Turn struct {
	Role     Role
	Text     string
	ClosedAt time.Time
}

// Consumer receives each Turn as it is closed. Consumers are invoked
// synchronously in registration order; they must not call back into the
// Assembler.
type Consumer func(Turn)

// dedupPrefixLen bounds the text portion of the dedup key. Transcription
// streams occasionally redeliver a fragment verbatim; a bounded prefix is
// enough to catch those without treating legitimately repeated short
// utterances ("yes", "ok") across turns as duplicates, because the set is
// cleared on Reset.
const dedupPrefixLen = 80

// controlTags are reserved bracket-delimited keywords used internally for
// mode directives. They are stripped from every fragment so that spoken
// text which happens to contain one is never misread as a directive.
var controlTags = []string{
	"[FOCUS_START]",
	"[FOCUS_END]",
	"[WAKE]",
	"[SESSION_RECONNECT]",
	"[SILENT]",
}

// Assembler turns fragment streams into closed Turns.
//
// At most one turn per role is open at a time. The assistant buffer is
// flushed when a user fragment arrives or an explicit turn-complete signal
// fires; the user buffer is flushed when the role switches to assistant.
type Assembler struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	userBuf   strings.Builder
	modelBuf  strings.Builder
	seen      map[string]struct{}
	consumers []Consumer
	history   []Turn
	maxTurns  int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithHistoryLimit caps how many closed turns are retained for
// RecentTurns. Defaults to 50.
func WithHistoryLimit(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxTurns = n
		}
	}
}

// WithMetrics attaches a metrics instance. Defaults to the package-level
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) {
		a.metrics = m
	}
}

func NewAssembler(log *slog.Logger, opts ...Option) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	a := &Assembler{
		log:      log.With("component", "transcript"),
		seen:     make(map[string]struct{}),
		maxTurns: 50,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Subscribe registers a consumer for closed turns.
func (a *Assembler) Subscribe(c Consumer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consumers = append(a.consumers, c)
}

// AddUserFragment feeds a fragment from the input transcription stream.
// A pending assistant buffer is closed first, so the emitted turn order
// follows the conversation.
func (a *Assembler) AddUserFragment(text string) {
	a.add(RoleUser, text)
}

// AddAssistantFragment feeds a fragment from the output transcription
// stream or an inline text part.
func (a *Assembler) AddAssistantFragment(text string) {
	a.add(RoleAssistant, text)
}

func (a *Assembler) add(role Role, text string) {
	text = stripControlTags(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	key := dedupKey(role, text)
	if _, dup := a.seen[key]; dup {
		a.mu.Unlock()
		a.log.Debug("dropped duplicate fragment", "role", role, "len", len(text))
		return
	}
	a.seen[key] = struct{}{}

	var closed []Turn
	switch role {
	case RoleUser:
		if a.modelBuf.Len() > 0 {
			closed = append(closed, a.closeLocked(RoleAssistant))
		}
		a.userBuf.WriteString(text)
	case RoleAssistant:
		if a.userBuf.Len() > 0 {
			closed = append(closed, a.closeLocked(RoleUser))
		}
		a.modelBuf.WriteString(text)
	}
	consumers := a.consumers
	a.mu.Unlock()

	for _, turn := range closed {
		a.deliver(consumers, turn)
	}
}

// TurnComplete closes the open assistant turn, if any. Wired to the
// backend's turn-complete signal.
func (a *Assembler) TurnComplete() {
	a.mu.Lock()
	var closed []Turn
	if a.modelBuf.Len() > 0 {
		closed = append(closed, a.closeLocked(RoleAssistant))
	}
	consumers := a.consumers
	a.mu.Unlock()

	for _, turn := range closed {
		a.deliver(consumers, turn)
	}
}

// closeLocked flushes the buffer for role into a Turn and records it in
// history. Caller holds a.mu.
func (a *Assembler) closeLocked(role Role) Turn {
	var buf *strings.Builder
	if role == RoleUser {
		buf = &a.userBuf
	} else {
		buf = &a.modelBuf
	}
	turn := Turn{Role: role, Text: buf.String(), ClosedAt: time.Now()}
	buf.Reset()

	a.history = append(a.history, turn)
	if len(a.history) > a.maxTurns {
		a.history = a.history[len(a.history)-a.maxTurns:]
	}
	return turn
}

func (a *Assembler) deliver(consumers []Consumer, turn Turn) {
	a.log.Debug("turn closed", "role", turn.Role, "chars", len(turn.Text))
	a.metrics.RecordTurn(context.Background(), string(turn.Role))
	for _, c := range consumers {
		c(turn)
	}
}

// RecentTurns returns up to n of the most recently closed turns, oldest
// first. Open buffers are not included.
func (a *Assembler) RecentTurns(n int) []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || len(a.history) == 0 {
		return nil
	}
	if n > len(a.history) {
		n = len(a.history)
	}
	out := make([]Turn, n)
	copy(out, a.history[len(a.history)-n:])
	return out
}

// Reset clears open buffers, history and the dedup set. Called at the
// start of a new session.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userBuf.Reset()
	a.modelBuf.Reset()
	a.history = nil
	a.seen = make(map[string]struct{})
}

func dedupKey(role Role, text string) string {
	if len(text) > dedupPrefixLen {
		text = text[:dedupPrefixLen]
	}
	return string(role) + "\x00" + text
}

// stripControlTags removes every reserved tag occurrence from text.
func stripControlTags(text string) string {
	if !strings.ContainsRune(text, '[') {
		return text
	}
	for _, tag := range controlTags {
		text = strings.ReplaceAll(text, tag, "")
	}
	return text
}
