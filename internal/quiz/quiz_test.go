package quiz

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "quiz.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	questions := []Question{
		{Capitolo: 1, Numero: 1, Testo: "Cosa indica la direzione del vento al suolo?",
			Opzioni: []Option{{ID: "A", Testo: "La manica a vento"}, {ID: "B", Testo: "L'altimetro"}},
			Risposta: "A"},
		{Capitolo: 2, Numero: 5, Testo: "Qual è la velocità terminale in posizione box?",
			Opzioni: []Option{{ID: "A", Testo: "circa 50 km/h"}, {ID: "B", Testo: "circa 200 km/h"}},
			Risposta: "B"},
		{Capitolo: 5, Numero: 3, Testo: "A quale quota va raggiunta la quota di apertura minima?",
			Opzioni: []Option{{ID: "A", Testo: "850 m"}, {ID: "B", Testo: "300 m"}},
			Risposta: "A"},
	}
	for _, q := range questions {
		if err := s.Insert(context.Background(), q); err != nil {
			t.Fatalf("Insert %d.%d: %v", q.Capitolo, q.Numero, err)
		}
	}
	return s
}

func TestRandomFromCorpus(t *testing.T) {
	s := seededStore(t)
	q, err := s.Random(context.Background())
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if q == nil {
		t.Fatal("expected a question")
	}
	if q.CapitoloNome == "" {
		t.Error("chapter name should be filled in")
	}
}

func TestByChapterAndNumber(t *testing.T) {
	s := seededStore(t)
	q, err := s.ByChapterAndNumber(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("ByChapterAndNumber: %v", err)
	}
	if q == nil || q.Risposta != "B" {
		t.Fatalf("unexpected question %+v", q)
	}
	if q.CapitoloNome != ChapterNames[2] {
		t.Errorf("unexpected chapter name %q", q.CapitoloNome)
	}
	if len(q.Opzioni) != 2 || q.Opzioni[0].ID != "A" {
		t.Errorf("options did not round-trip: %+v", q.Opzioni)
	}
}

func TestSearchTextCaseInsensitive(t *testing.T) {
	s := seededStore(t)
	q, err := s.SearchText(context.Background(), "QUOTA DI APERTURA")
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if q == nil || q.Capitolo != 5 {
		t.Fatalf("expected chapter 5 question, got %+v", q)
	}
}

func TestRandomByChapterMissing(t *testing.T) {
	s := seededStore(t)
	q, err := s.RandomByChapter(context.Background(), 9)
	if err != nil {
		t.Fatalf("RandomByChapter: %v", err)
	}
	if q != nil {
		t.Fatalf("expected no question for empty chapter, got %+v", q)
	}
}

func toolResult(t *testing.T, s *Store, args map[string]any) map[string]any {
	t.Helper()
	out, err := NewTool(s, nil).Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("tool handler: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("tool output is not JSON: %v\n%s", err, out)
	}
	return payload
}

func TestToolRandomMode(t *testing.T) {
	s := seededStore(t)
	payload := toolResult(t, s, nil)
	if _, ok := payload["risposta_corretta"]; !ok {
		t.Errorf("expected a question payload, got %v", payload)
	}
}

func TestToolSpecificQuestion(t *testing.T) {
	s := seededStore(t)
	payload := toolResult(t, s, map[string]any{"capitolo": float64(2), "domanda": float64(5)})
	if payload["numero"] != float64(5) || payload["capitolo"] != float64(2) {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestToolTextModeWinsOverChapter(t *testing.T) {
	s := seededStore(t)
	payload := toolResult(t, s, map[string]any{
		"testo":    "velocità terminale",
		"capitolo": float64(1),
	})
	if payload["capitolo"] != float64(2) {
		t.Errorf("text search should take priority over chapter, got %v", payload)
	}
}

func TestToolChapterOutOfRange(t *testing.T) {
	s := seededStore(t)
	payload := toolResult(t, s, map[string]any{"capitolo": float64(11)})
	msg, _ := payload["error"].(string)
	if !strings.Contains(msg, "capitolo numero 11 inesistente") {
		t.Errorf("expected range error as data, got %v", payload)
	}
}

func TestToolMissingQuestionAsData(t *testing.T) {
	s := seededStore(t)
	payload := toolResult(t, s, map[string]any{"capitolo": float64(1), "domanda": float64(99)})
	msg, _ := payload["error"].(string)
	if !strings.Contains(msg, "Domanda numero 99 non trovata nel capitolo 1") {
		t.Errorf("expected not-found error as data, got %v", payload)
	}
}

func TestToolEmptyStringArgsIgnored(t *testing.T) {
	s := seededStore(t)
	// The model sometimes sends empty strings instead of omitting args.
	payload := toolResult(t, s, map[string]any{"testo": "  ", "capitolo": ""})
	if _, ok := payload["risposta_corretta"]; !ok {
		t.Errorf("blank arguments should fall back to random mode, got %v", payload)
	}
}

func TestToolStringNumberArg(t *testing.T) {
	s := seededStore(t)
	payload := toolResult(t, s, map[string]any{"capitolo": "2", "domanda": "5"})
	if payload["numero"] != float64(5) {
		t.Errorf("string-typed numbers should be accepted, got %v", payload)
	}
}
