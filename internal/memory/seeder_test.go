package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeHistory struct {
	entries []LogEntry
	err     error
	calls   int
}

func (f *fakeHistory) Recent(ctx context.Context, userID string, limit int) ([]LogEntry, error) {
	f.calls++
	return f.entries, f.err
}

type fakeProfile struct {
	text  string
	err   error
	calls int
}

func (f *fakeProfile) ProfileText(ctx context.Context, userID string) (string, error) {
	f.calls++
	return f.text, f.err
}

func TestSeedColdStart(t *testing.T) {
	store := NewStore()
	hist := &fakeHistory{entries: []LogEntry{
		{Human: "ciao", Assistant: "benvenuto", Timestamp: time.Now()},
		{Human: "fammi una domanda", Assistant: "ecco", Timestamp: time.Now(),
			Tool: &ToolRecord{ToolName: "domanda_teoria", Data: json.RawMessage(`{"domanda":"..."}`)}},
	}}
	prof := &fakeProfile{text: "Dati utente:\nNome: Mario"}
	s := NewSeeder(store, hist, prof, 10, nil)

	if !s.Seed(context.Background(), "u:v1", "u", true) {
		t.Fatal("expected seed to report work done")
	}

	msgs := store.Get("u:v1")
	wantRoles := []Role{RoleProfile, RoleHuman, RoleAssistant, RoleHuman, RoleTool, RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d: %+v", len(wantRoles), len(msgs), msgs)
	}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Errorf("message %d: expected role %q, got %q", i, r, msgs[i].Role)
		}
	}
	if msgs[4].ToolName != "domanda_teoria" {
		t.Errorf("unexpected tool name %q", msgs[4].ToolName)
	}
}

func TestSeedWarmThreadSkipped(t *testing.T) {
	store := NewStore()
	store.Append("u:v1", Human("già qui"))
	hist := &fakeHistory{entries: []LogEntry{{Human: "vecchio", Assistant: "vecchio"}}}
	s := NewSeeder(store, hist, nil, 10, nil)

	if s.Seed(context.Background(), "u:v1", "u", true) {
		t.Fatal("warm thread must not be reseeded")
	}
	if hist.calls != 0 {
		t.Errorf("history should not be read for a warm thread, got %d calls", hist.calls)
	}
	if n := store.Len("u:v1"); n != 1 {
		t.Errorf("warm thread was modified, now %d messages", n)
	}
}

func TestSeedHistoryErrorDegrades(t *testing.T) {
	store := NewStore()
	hist := &fakeHistory{err: errors.New("connection refused")}
	prof := &fakeProfile{text: "Dati utente: ..."}
	s := NewSeeder(store, hist, prof, 10, nil)

	if !s.Seed(context.Background(), "u:v1", "u", true) {
		t.Fatal("profile alone should still seed")
	}
	msgs := store.Get("u:v1")
	if len(msgs) != 1 || msgs[0].Role != RoleProfile {
		t.Fatalf("expected only the profile message, got %+v", msgs)
	}
}

func TestSeedProfileErrorDegrades(t *testing.T) {
	store := NewStore()
	hist := &fakeHistory{entries: []LogEntry{{Human: "ciao", Assistant: "benvenuto"}}}
	prof := &fakeProfile{err: errors.New("auth0 unavailable")}
	s := NewSeeder(store, hist, prof, 10, nil)

	if !s.Seed(context.Background(), "u:v1", "u", true) {
		t.Fatal("history alone should still seed")
	}
	for _, m := range store.Get("u:v1") {
		if m.Role == RoleProfile {
			t.Error("profile message must not appear on fetch failure")
		}
	}
}

func TestSeedNothingAvailable(t *testing.T) {
	store := NewStore()
	s := NewSeeder(store, &fakeHistory{}, &fakeProfile{}, 10, nil)

	if s.Seed(context.Background(), "u:v1", "u", true) {
		t.Fatal("nothing to seed should report false")
	}
	if n := store.Len("u:v1"); n != 0 {
		t.Errorf("store should stay empty, got %d messages", n)
	}
}

func TestSeedWithoutHistoryFlag(t *testing.T) {
	store := NewStore()
	prof := &fakeProfile{text: "Dati utente: ..."}
	s := NewSeeder(store, &fakeHistory{}, prof, 10, nil)

	s.Seed(context.Background(), "u:v1", "u", false)
	if prof.calls != 0 {
		t.Errorf("profile should not be fetched when history is off, got %d calls", prof.calls)
	}
}

func TestSeedProfileOncePerThread(t *testing.T) {
	store := NewStore()
	prof := &fakeProfile{text: "Dati utente: ..."}
	s := NewSeeder(store, &fakeHistory{}, prof, 10, nil)

	s.Seed(context.Background(), "u:v1", "u", true)
	// Simulate memory churn: the thread empties but the process lives on.
	store.Set("u:v1", nil)
	s.Seed(context.Background(), "u:v1", "u", true)

	if prof.calls != 1 {
		t.Errorf("profile should be attached once per thread per process, got %d fetches", prof.calls)
	}
}

func TestSeedSkipsMalformedToolRecord(t *testing.T) {
	store := NewStore()
	hist := &fakeHistory{entries: []LogEntry{
		{Human: "q", Assistant: "a", Tool: &ToolRecord{ToolName: "", Data: nil}},
	}}
	s := NewSeeder(store, hist, nil, 10, nil)

	s.Seed(context.Background(), "u:v1", "u", true)
	for _, m := range store.Get("u:v1") {
		if m.Role == RoleTool {
			t.Error("malformed tool record should be dropped")
		}
	}
}
