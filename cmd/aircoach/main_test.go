package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer

	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: aircoach") {
		t.Errorf("usage text missing, got: %s", out.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer

	err := run(context.Background(), &out, &errOut, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out, errOut bytes.Buffer

	if err := run(context.Background(), &out, &errOut, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	for _, k := range []string{"version", "git_commit", "go_version"} {
		if info[k] == "" {
			t.Errorf("version info missing %q", k)
		}
	}
}

func TestRun_VersionText(t *testing.T) {
	var out, errOut bytes.Buffer

	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "AIR Coach") {
		t.Errorf("version output missing product name: %s", out.String())
	}
}

func TestRun_ConfigFlagForms(t *testing.T) {
	// Both -config <path> and -config=<path> must reach loadConfig; a
	// missing file is the observable signal that the path was parsed.
	for _, args := range [][]string{
		{"-config", "/nonexistent/aircoach.yaml", "serve"},
		{"-config=/nonexistent/aircoach.yaml", "serve"},
	} {
		var out, errOut bytes.Buffer
		err := run(context.Background(), &out, &errOut, args)
		if err == nil || !strings.Contains(err.Error(), "config file not found") {
			t.Errorf("run(%v) err = %v, want config file not found", args, err)
		}
	}
}

func TestRun_QuizImport(t *testing.T) {
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "aircoach.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	questions := `[
		{"capitolo": 1, "numero": 1, "testo": "Cos'e' una nube?",
		 "opzioni": [{"id": "a", "testo": "Vapore acqueo condensato"}, {"id": "b", "testo": "Fumo"}],
		 "risposta_corretta": "a"},
		{"capitolo": 9, "numero": 4, "testo": "Procedura di emergenza?",
		 "opzioni": [{"id": "a", "testo": "Taglio e riserva"}],
		 "risposta_corretta": "a"}
	]`
	qPath := filepath.Join(dir, "questions.json")
	if err := os.WriteFile(qPath, []byte(questions), 0o644); err != nil {
		t.Fatalf("write questions: %v", err)
	}

	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-config", cfgPath, "quiz", qPath})
	if err != nil {
		t.Fatalf("quiz import: %v", err)
	}
	if !strings.Contains(out.String(), "Imported 2 questions") {
		t.Errorf("import summary missing: %s", out.String())
	}

	// Importing the same file again replaces rather than duplicates.
	out.Reset()
	if err := run(context.Background(), &out, &errOut, []string{"-config", cfgPath, "quiz", qPath}); err != nil {
		t.Fatalf("second quiz import: %v", err)
	}
	if !strings.Contains(out.String(), "(2 total in corpus)") {
		t.Errorf("re-import should not grow the corpus: %s", out.String())
	}
}

func TestRun_QuizImportRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "aircoach.yaml")
	if err := os.WriteFile(cfgPath, []byte("data_dir: "+dir+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	qPath := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(qPath, []byte("[]"), 0o644); err != nil {
		t.Fatalf("write questions: %v", err)
	}

	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-config", cfgPath, "quiz", qPath})
	if err == nil || !strings.Contains(err.Error(), "no questions") {
		t.Errorf("err = %v, want no questions", err)
	}
}
