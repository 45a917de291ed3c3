package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeSource struct {
	docs  []Doc
	err   error
	calls int
}

func (f *fakeSource) Fetch(ctx context.Context) ([]Doc, error) {
	f.calls++
	return f.docs, f.err
}

func TestGetLazyInit(t *testing.T) {
	src := &fakeSource{docs: []Doc{{Name: "cap1.md", Content: "# La portanza\ntesto"}}}
	m := NewManager(src, nil)

	text, version := m.Get(context.Background())
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if !strings.Contains(text, "La portanza") {
		t.Error("knowledge document missing from prompt")
	}
	if !strings.Contains(text, "domanda_teoria") {
		t.Error("base instructions missing from prompt")
	}

	// Second call must not refetch.
	m.Get(context.Background())
	if src.calls != 1 {
		t.Errorf("expected 1 fetch, got %d", src.calls)
	}
}

func TestGetInitFailureDegrades(t *testing.T) {
	src := &fakeSource{err: errors.New("unreachable")}
	m := NewManager(src, nil)

	text, version := m.Get(context.Background())
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if !strings.Contains(text, "paracadutismo") {
		t.Error("base prompt should survive a failed knowledge fetch")
	}
}

func TestRefreshBumpsVersion(t *testing.T) {
	src := &fakeSource{docs: []Doc{{Name: "cap1.md", Title: "La portanza", Content: "# La portanza"}}}
	m := NewManager(src, nil)
	m.Get(context.Background())

	res, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("expected version 2, got %d", res.Version)
	}
	if res.Docs != 1 || len(res.Details) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Details[0].Title != "La portanza" {
		t.Errorf("unexpected title %q", res.Details[0].Title)
	}

	if _, version := m.Get(context.Background()); version != 2 {
		t.Errorf("Get after refresh should report version 2, got %d", version)
	}
}

func TestRefreshFailureKeepsState(t *testing.T) {
	src := &fakeSource{docs: []Doc{{Name: "cap1.md", Content: "vecchio"}}}
	m := NewManager(src, nil)
	before, _ := m.Get(context.Background())

	src.err = errors.New("unreachable")
	if _, err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	after, version := m.Get(context.Background())
	if version != 1 {
		t.Errorf("failed refresh must not bump version, got %d", version)
	}
	if after != before {
		t.Error("failed refresh must not change the prompt text")
	}
}

func TestNilSourceBasePromptOnly(t *testing.T) {
	m := NewManager(nil, nil)
	text, version := m.Get(context.Background())
	if version != 1 || text != basePrompt {
		t.Errorf("expected base prompt at version 1, got version %d", version)
	}
}

func TestDirSourceFetch(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"02-vela.md":    "# La vela\ncontenuto",
		"01-caduta.md":  "# La caduta libera\ncontenuto",
		"ignorato.txt":  "non markdown",
		"03-notitle.md": "solo testo senza intestazione",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := DirSource{Dir: dir}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 markdown documents, got %d", len(docs))
	}
	if docs[0].Name != "01-caduta.md" || docs[1].Name != "02-vela.md" {
		t.Errorf("documents not in name order: %s, %s", docs[0].Name, docs[1].Name)
	}
	if docs[0].Title != "La caduta libera" {
		t.Errorf("unexpected title %q", docs[0].Title)
	}
	if docs[2].Title != "03-notitle" {
		t.Errorf("expected file-name fallback title, got %q", docs[2].Title)
	}
}

func TestDocTitle(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"# Titolo principale\ntesto", "Titolo principale"},
		{"testo\n## Sotto titolo\naltro", "Sotto titolo"},
		{"nessuna intestazione", "doc"},
		{"", "doc"},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case%d", i), func(t *testing.T) {
			if got := docTitle(c.content, "doc.md"); got != c.want {
				t.Errorf("docTitle(%q) = %q, want %q", c.content, got, c.want)
			}
		})
	}
}
