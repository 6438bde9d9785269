package coach_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emberware/ember/internal/coach"
)

func TestFetchInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/instruction" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req["user_id"] != "user-1" {
			t.Errorf("user_id = %v", req["user_id"])
		}
		if req["task"] != "write a report" {
			t.Errorf("task = %v", req["task"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"instruction":    "You are a focus coach.",
			"memory_summary": "Last session covered outlines.",
		})
	}))
	defer srv.Close()

	c, err := coach.New(srv.URL, "secret", "user-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	instr, err := c.FetchInstruction(context.Background(), "write a report", "")
	if err != nil {
		t.Fatalf("FetchInstruction: %v", err)
	}
	if instr.Text != "You are a focus coach." {
		t.Errorf("instruction = %q", instr.Text)
	}
	if instr.MemorySummary != "Last session covered outlines." {
		t.Errorf("memory summary = %q", instr.MemorySummary)
	}
}

func TestFetchInstruction_EmptyInstructionIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"instruction": ""})
	}))
	defer srv.Close()

	c, err := coach.New(srv.URL, "", "user-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.FetchInstruction(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty instruction")
	}
}

func TestFetchInstruction_PriorContextForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["prior_context"] != "user: hello" {
			t.Errorf("prior_context = %v", req["prior_context"])
		}
		json.NewEncoder(w).Encode(map[string]any{"instruction": "ok"})
	}))
	defer srv.Close()

	c, err := coach.New(srv.URL, "", "user-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.FetchInstruction(context.Background(), "", "user: hello"); err != nil {
		t.Fatalf("FetchInstruction: %v", err)
	}
}

func TestFocusSessionLifecycle(t *testing.T) {
	var created, updated map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		switch r.URL.Path {
		case "/v1/focus-sessions":
			created = req
		case "/v1/focus-sessions/update":
			updated = req
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := coach.New(srv.URL, "secret", "user-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.CreateFocusSession(context.Background(), "fs-1", "deep work"); err != nil {
		t.Fatalf("CreateFocusSession: %v", err)
	}
	if created["session_id"] != "fs-1" || created["task"] != "deep work" {
		t.Errorf("create payload = %v", created)
	}

	if err := c.UpdateFocusSession(context.Background(), "fs-1", 90*time.Second, 1, true); err != nil {
		t.Fatalf("UpdateFocusSession: %v", err)
	}
	if updated["duration_seconds"] != float64(90) {
		t.Errorf("duration_seconds = %v", updated["duration_seconds"])
	}
	if updated["chat_count_delta"] != float64(1) {
		t.Errorf("chat_count_delta = %v", updated["chat_count_delta"])
	}
	if updated["closed"] != true {
		t.Errorf("closed = %v", updated["closed"])
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := coach.New("", "tok", "user-1", nil); err == nil {
		t.Error("expected error for empty baseURL")
	}
	if _, err := coach.New("http://x", "tok", "", nil); err == nil {
		t.Error("expected error for empty userID")
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := coach.New(srv.URL, "", "user-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.FetchInstruction(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestRememberNote(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}))
	defer srv.Close()

	c, err := coach.New(srv.URL, "tok", "user-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.RememberNote(context.Background(), "buy oat milk"); err != nil {
		t.Fatalf("RememberNote: %v", err)
	}
	if gotPath != "/v1/notes" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["text"] != "buy oat milk" || gotBody["user_id"] != "user-1" {
		t.Errorf("body = %v", gotBody)
	}
}
