package transcript

import (
	"log/slog"
	"strings"
	"testing"
)

func collect(t *testing.T, a *Assembler) *[]Turn {
	t.Helper()
	turns := &[]Turn{}
	a.Subscribe(func(turn Turn) { *turns = append(*turns, turn) })
	return turns
}

func TestAssembler_TurnAssembly(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	a.AddUserFragment("a")
	a.AddUserFragment("b")
	a.AddAssistantFragment("x")
	a.AddAssistantFragment("y")
	a.AddUserFragment("c")

	// Two closed turns so far; "c" opens a new user turn that stays open.
	if len(*turns) != 2 {
		t.Fatalf("closed %d turns, want 2: %+v", len(*turns), *turns)
	}
	if (*turns)[0].Role != RoleUser || (*turns)[0].Text != "ab" {
		t.Errorf("first turn = %s %q, want user \"ab\"", (*turns)[0].Role, (*turns)[0].Text)
	}
	if (*turns)[1].Role != RoleAssistant || (*turns)[1].Text != "xy" {
		t.Errorf("second turn = %s %q, want assistant \"xy\"", (*turns)[1].Role, (*turns)[1].Text)
	}
}

func TestAssembler_TurnCompleteFlushesAssistant(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	a.AddAssistantFragment("hello ")
	a.AddAssistantFragment("there")
	if len(*turns) != 0 {
		t.Fatalf("turn closed early: %+v", *turns)
	}

	a.TurnComplete()
	if len(*turns) != 1 || (*turns)[0].Text != "hello there" {
		t.Fatalf("turns = %+v, want one assistant turn \"hello there\"", *turns)
	}

	// Turn-complete with nothing buffered is a no-op.
	a.TurnComplete()
	if len(*turns) != 1 {
		t.Errorf("empty turn emitted: %+v", *turns)
	}
}

func TestAssembler_DedupDropsRepeatedFragment(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	a.AddAssistantFragment("repeated chunk")
	a.AddAssistantFragment("repeated chunk")
	a.TurnComplete()

	if len(*turns) != 1 {
		t.Fatalf("closed %d turns, want 1", len(*turns))
	}
	if got := (*turns)[0].Text; got != "repeated chunk" {
		t.Errorf("text = %q, repeat was not dropped", got)
	}
}

func TestAssembler_DedupIsPerRole(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	a.AddUserFragment("okay")
	a.AddAssistantFragment("okay")
	a.TurnComplete()

	if len(*turns) != 2 {
		t.Fatalf("closed %d turns, want 2 (same text, different roles)", len(*turns))
	}
}

func TestAssembler_ControlTagsStripped(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	a.AddAssistantFragment("before [FOCUS_START]after")
	a.TurnComplete()

	if len(*turns) != 1 {
		t.Fatalf("closed %d turns, want 1", len(*turns))
	}
	if got := (*turns)[0].Text; got != "before after" {
		t.Errorf("text = %q, tag not stripped", got)
	}

	// A fragment that is only a control tag vanishes entirely.
	a.AddAssistantFragment("[WAKE]")
	a.TurnComplete()
	if len(*turns) != 1 {
		t.Errorf("tag-only fragment produced a turn: %+v", *turns)
	}
}

func TestAssembler_RecentTurns(t *testing.T) {
	a := NewAssembler(slog.Default())

	a.AddUserFragment("one")
	a.AddAssistantFragment("two")
	a.AddUserFragment("three")
	a.AddAssistantFragment("four")
	a.TurnComplete()
	// Closed: user:one, assistant:two, user:three, assistant:four.

	got := a.RecentTurns(2)
	if len(got) != 2 || got[0].Text != "three" || got[1].Text != "four" {
		t.Errorf("RecentTurns(2) = %+v, want [three four]", got)
	}

	if got := a.RecentTurns(10); len(got) != 4 {
		t.Errorf("RecentTurns(10) returned %d turns, want all 4", len(got))
	}
	if got := a.RecentTurns(0); got != nil {
		t.Errorf("RecentTurns(0) = %+v, want nil", got)
	}
}

func TestAssembler_HistoryLimit(t *testing.T) {
	a := NewAssembler(slog.Default(), WithHistoryLimit(3))

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		a.AddAssistantFragment(s)
		a.TurnComplete()
	}

	got := a.RecentTurns(10)
	if len(got) != 3 {
		t.Fatalf("history holds %d turns, want 3", len(got))
	}
	if got[0].Text != "c" || got[2].Text != "e" {
		t.Errorf("history = %+v, want [c d e]", got)
	}
}

func TestAssembler_Reset(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	a.AddAssistantFragment("stale")
	a.Reset()
	a.TurnComplete()
	if len(*turns) != 0 {
		t.Fatalf("buffer survived reset: %+v", *turns)
	}

	// Dedup set is cleared too, so the same fragment passes again.
	a.AddAssistantFragment("stale")
	a.TurnComplete()
	if len(*turns) != 1 {
		t.Errorf("fragment blocked by stale dedup entry after reset")
	}

	if got := a.RecentTurns(10); len(got) != 1 {
		t.Errorf("history after reset = %+v", got)
	}
}

func TestAssembler_DedupKeyBoundedPrefix(t *testing.T) {
	a := NewAssembler(slog.Default())
	turns := collect(t, a)

	long := strings.Repeat("x", 100)
	a.AddAssistantFragment(long + "tail-one")
	a.AddAssistantFragment(long + "tail-two") // same 80-byte prefix, dropped
	a.TurnComplete()

	if len(*turns) != 1 {
		t.Fatalf("closed %d turns, want 1", len(*turns))
	}
	if got := (*turns)[0].Text; got != long+"tail-one" {
		t.Errorf("text = %q, second long fragment should have been deduped", got)
	}
}
