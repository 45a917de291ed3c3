package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// basePrompt is the static instruction block. Knowledge-base documents
// are appended below it at build time.
const basePrompt = `Sei un istruttore esperto di paracadutismo e assisti gli allievi
del corso AFF nella preparazione dell'esame di teoria.

Rispondi sempre in italiano, in modo chiaro e conciso. Basa le risposte
esclusivamente sul materiale didattico fornito di seguito. Se una domanda
esce dal materiale, dillo esplicitamente invece di inventare.

Quando l'allievo chiede una domanda di teoria o un quiz, usa lo strumento
domanda_teoria. Non rivelare mai la risposta corretta prima che l'allievo
abbia risposto.`

// DocInfo describes one document included in the current prompt.
type DocInfo struct {
	Name     string    `json:"name"`
	Title    string    `json:"title"`
	Modified time.Time `json:"modified"`
}

// RefreshResult reports the outcome of a knowledge-base refresh.
type RefreshResult struct {
	Message string    `json:"message"`
	Docs    int       `json:"docs"`
	Details []DocInfo `json:"details"`
	Version int       `json:"version"`
}

// Manager owns the current system prompt text and its version counter.
// The version only moves forward, and every (text, version) pair is
// read under the same lock that wrote it, so readers never observe a
// torn pair.
type Manager struct {
	source DocSource
	logger *slog.Logger

	mu      sync.Mutex
	text    string
	version int
	docs    []DocInfo
}

// NewManager creates a manager. source may be nil, in which case the
// prompt is the static instruction block alone.
func NewManager(source DocSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{source: source, logger: logger.With("component", "prompt")}
}

// Get returns the current prompt text and version, building version 1
// on first call. A failed initial build degrades to the static block
// alone; the knowledge base can be retried later via Refresh.
func (m *Manager) Get(ctx context.Context) (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.version == 0 {
		docs, err := m.fetch(ctx)
		if err != nil {
			m.logger.Warn("initial knowledge fetch failed, using base prompt", "error", err)
		}
		m.apply(docs)
		m.version = 1
		m.logger.Info("prompt initialized", "version", m.version, "docs", len(docs))
	}
	return m.text, m.version
}

// Refresh refetches the knowledge base, rebuilds the prompt and bumps
// the version. The whole sequence runs under one critical section so
// concurrent refreshes serialize. On fetch failure the current prompt
// and version are left untouched.
func (m *Manager) Refresh(ctx context.Context) (RefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, err := m.fetch(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresh knowledge base: %w", err)
	}

	m.apply(docs)
	m.version++
	m.logger.Info("prompt refreshed", "version", m.version, "docs", len(docs))

	return RefreshResult{
		Message: fmt.Sprintf("Prompt aggiornato: %d documenti caricati", len(docs)),
		Docs:    len(docs),
		Details: append([]DocInfo(nil), m.docs...),
		Version: m.version,
	}, nil
}

// Version returns the current version without forcing initialization.
func (m *Manager) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *Manager) fetch(ctx context.Context) ([]Doc, error) {
	if m.source == nil {
		return nil, nil
	}
	return m.source.Fetch(ctx)
}

func (m *Manager) apply(docs []Doc) {
	var b strings.Builder
	b.WriteString(basePrompt)

	m.docs = m.docs[:0]
	for _, d := range docs {
		b.WriteString("\n\n---\n\n")
		b.WriteString(d.Content)
		m.docs = append(m.docs, DocInfo{Name: d.Name, Title: d.Title, Modified: d.Modified})
	}
	m.text = b.String()
}
