package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxvaega/serverless-AIR-coach/internal/events"
	"github.com/maxvaega/serverless-AIR-coach/internal/history"
	"github.com/maxvaega/serverless-AIR-coach/internal/llm"
	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
	"github.com/maxvaega/serverless-AIR-coach/internal/prompt"
	"github.com/maxvaega/serverless-AIR-coach/internal/tools"
)

// scriptedTurn is one LLM call in a scripted conversation.
type scriptedTurn struct {
	tokens    []string
	toolCalls []llm.ToolCall
	err       error
	inTokens  int
	outTokens int
}

type scriptedClient struct {
	turns []scriptedTurn
	calls int
	seen  [][]llm.Message
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolDecls []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, toolDecls, nil)
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, toolDecls []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	if c.calls >= len(c.turns) {
		return nil, errors.New("no scripted turn left")
	}
	turn := c.turns[c.calls]
	c.calls++
	c.seen = append(c.seen, messages)

	if turn.err != nil {
		return nil, turn.err
	}
	if callback != nil {
		for _, tok := range turn.tokens {
			callback(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
		for i := range turn.toolCalls {
			callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &turn.toolCalls[i]})
		}
	}
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: strings.Join(turn.tokens, ""), ToolCalls: turn.toolCalls},
		Done:         true,
		InputTokens:  turn.inTokens,
		OutputTokens: turn.outTokens,
	}, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func quizCall(t *testing.T) llm.ToolCall {
	t.Helper()
	var tc llm.ToolCall
	tc.ID = "call_1"
	tc.Function.Name = "test_quiz"
	tc.Function.Arguments = map[string]any{}
	return tc
}

func testOrchestrator(t *testing.T, client llm.Client) (*Orchestrator, *memory.Store, *history.Store) {
	t.Helper()

	hist, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.NewStore: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	store := memory.NewStore()
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:        "test_quiz",
		Description: "serves a test question",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return `{"q":1}`, nil
		},
	})

	orch := New(Config{
		LLM:          client,
		Model:        "gemini-2.0-flash",
		Store:        store,
		Seeder:       memory.NewSeeder(store, hist, nil, 10, nil),
		Prompts:      prompt.NewManager(nil, nil),
		Registry:     reg,
		Persister:    history.NewPersister(hist, nil),
		Bus:          nil,
		HistoryLimit: 10,
	})
	return orch, store, hist
}

func TestStreamPlainAnswer(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{tokens: []string{"Ciao, ", "benvenuto"}, inTokens: 10, outTokens: 4},
	}}
	orch, store, hist := testOrchestrator(t, client)
	sink := &captureSink{}

	if err := orch.Stream(context.Background(), "auth0|507f1f77bcf86cd799439011", "ciao", sink); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text strings.Builder
	for _, e := range sink.ofType(EventAgentMessage) {
		text.WriteString(e.Data.(string))
	}
	if text.String() != "Ciao, benvenuto" {
		t.Errorf("unexpected streamed text %q", text.String())
	}
	if len(sink.ofType(EventToolResult)) != 0 {
		t.Error("no tool_result expected")
	}

	// The system prompt rides first, then the user query.
	first := client.seen[0]
	if first[0].Role != "system" || first[len(first)-1].Content != "ciao" {
		t.Errorf("unexpected engine messages %+v", first)
	}

	thread := memory.ThreadID("auth0|507f1f77bcf86cd799439011", 1)
	msgs := store.Get(thread)
	if len(msgs) != 2 || msgs[1].Role != memory.RoleAssistant {
		t.Errorf("turn not appended to memory: %+v", msgs)
	}

	entries, err := hist.Recent(context.Background(), "auth0|507f1f77bcf86cd799439011", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Assistant != "Ciao, benvenuto" {
		t.Errorf("exchange not persisted: %+v", entries)
	}
}

func TestStreamToolFlow(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{tokens: []string{"Certo, "}, toolCalls: []llm.ToolCall{quizCall(t)}, inTokens: 10, outTokens: 2},
		{tokens: []string{"ecco la domanda"}, inTokens: 20, outTokens: 5},
	}}
	orch, store, hist := testOrchestrator(t, client)
	sink := &captureSink{}

	if err := orch.Stream(context.Background(), "auth0|507f1f77bcf86cd799439011", "fammi una domanda", sink); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	results := sink.ofType(EventToolResult)
	if len(results) != 1 || results[0].ToolName != "test_quiz" {
		t.Fatalf("expected one tool_result, got %+v", results)
	}
	for _, e := range sink.ofType(EventAgentMessage) {
		if strings.Contains(e.Data.(string), "Certo") {
			t.Error("pre-decision filler reached the client")
		}
	}

	// The follow-up request carries the tool result back to the engine.
	if client.calls != 2 {
		t.Fatalf("expected 2 engine calls, got %d", client.calls)
	}
	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolName != "test_quiz" {
		t.Errorf("tool message missing from follow-up request: %+v", last)
	}

	thread := memory.ThreadID("auth0|507f1f77bcf86cd799439011", 1)
	var haveTool bool
	for _, m := range store.Get(thread) {
		if m.Role == memory.RoleTool {
			haveTool = true
		}
	}
	if !haveTool {
		t.Error("tool record missing from memory")
	}

	entries, _ := hist.Recent(context.Background(), "auth0|507f1f77bcf86cd799439011", 10)
	if len(entries) != 1 || entries[0].Tool == nil || entries[0].Tool.ToolName != "test_quiz" {
		t.Errorf("tool record not persisted: %+v", entries)
	}
}

func TestStreamEngineError(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{err: errors.New("engine exploded")},
	}}
	orch, _, hist := testOrchestrator(t, client)
	sink := &captureSink{}

	err := orch.Stream(context.Background(), "auth0|507f1f77bcf86cd799439011", "ciao", sink)
	if err == nil {
		t.Fatal("expected error to propagate to the caller")
	}

	errs := sink.ofType(EventError)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error event, got %d", len(errs))
	}
	if msg := errs[0].Data.(string); strings.Contains(msg, "exploded") {
		t.Errorf("internal detail leaked to the client: %q", msg)
	}

	// Nothing worth persisting.
	entries, _ := hist.Recent(context.Background(), "auth0|507f1f77bcf86cd799439011", 10)
	if len(entries) != 0 {
		t.Errorf("failed exchange should not persist, got %+v", entries)
	}
}

func TestStreamRateLimitPublishesEvent(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{err: errors.New("429 RESOURCE_EXHAUSTED: rate limit")},
	}}
	orch, _, _ := testOrchestrator(t, client)
	bus := events.New()
	orch.bus = bus
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	sink := &captureSink{}
	orch.Stream(context.Background(), "auth0|507f1f77bcf86cd799439011", "ciao", sink)

	var throttled bool
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindRateLimited {
			throttled = true
		}
	}
	if !throttled {
		t.Error("rate_limited event not published")
	}
	if len(sink.ofType(EventError)) != 1 {
		t.Error("client should still receive the generic error event")
	}
}

func TestStreamColdStartSeedsFromLog(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{tokens: []string{"ricordo"}, inTokens: 5, outTokens: 1},
	}}
	orch, _, hist := testOrchestrator(t, client)

	// A previous session's exchange sits in the durable log.
	p := history.NewPersister(hist, nil)
	p.Save("auth0|507f1f77bcf86cd799439011", "old_1", "come mi chiamo?", "Ti chiami Mario", nil)

	sink := &captureSink{}
	if err := orch.Stream(context.Background(), "auth0|507f1f77bcf86cd799439011", "e adesso?", sink); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// The engine request must include the recovered turn before the new query.
	first := client.seen[0]
	var recovered bool
	for _, m := range first {
		if m.Role == "assistant" && m.Content == "Ti chiami Mario" {
			recovered = true
		}
	}
	if !recovered {
		t.Errorf("seeded history missing from engine request: %+v", first)
	}
}

func TestStreamBoundedToolIterations(t *testing.T) {
	// The model keeps asking for tools forever; the loop must stop.
	var turns []scriptedTurn
	for i := 0; i < maxToolIterations+3; i++ {
		turns = append(turns, scriptedTurn{toolCalls: []llm.ToolCall{quizCall(t)}})
	}
	client := &scriptedClient{turns: turns}
	orch, _, _ := testOrchestrator(t, client)

	if err := orch.Stream(context.Background(), "auth0|507f1f77bcf86cd799439011", "quiz", &captureSink{}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if client.calls != maxToolIterations {
		t.Errorf("expected %d engine calls, got %d", maxToolIterations, client.calls)
	}
}
