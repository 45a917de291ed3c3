package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maxvaega/serverless-AIR-coach/internal/events"
	"github.com/maxvaega/serverless-AIR-coach/internal/history"
	"github.com/maxvaega/serverless-AIR-coach/internal/llm"
	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
	"github.com/maxvaega/serverless-AIR-coach/internal/prompt"
	"github.com/maxvaega/serverless-AIR-coach/internal/tools"
)

// maxToolIterations bounds the tool loop of one exchange.
const maxToolIterations = 5

// genericErrorMsg is what clients see on any engine failure. Details
// stay in the logs.
const genericErrorMsg = "Si è verificato un errore, riprova tra poco."

// Orchestrator wires one streaming request through prompt, memory,
// engine, tools, and persistence.
type Orchestrator struct {
	llm       llm.Client
	model     string
	store     *memory.Store
	seeder    *memory.Seeder
	prompts   *prompt.Manager
	registry  *tools.Registry
	persister *history.Persister
	bus       *events.Bus
	limit     int
	logger    *slog.Logger
}

// Config collects the orchestrator's collaborators. Bus and Persister
// may be nil; both degrade to no-ops.
type Config struct {
	LLM          llm.Client
	Model        string
	Store        *memory.Store
	Seeder       *memory.Seeder
	Prompts      *prompt.Manager
	Registry     *tools.Registry
	Persister    *history.Persister
	Bus          *events.Bus
	HistoryLimit int
	Logger       *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		llm:       cfg.LLM,
		model:     cfg.Model,
		store:     cfg.Store,
		seeder:    cfg.Seeder,
		prompts:   cfg.Prompts,
		registry:  cfg.Registry,
		persister: cfg.Persister,
		bus:       cfg.Bus,
		limit:     cfg.HistoryLimit,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Stream runs one exchange, emitting protocol events to sink as they
// are produced. The returned error reports engine failure after the
// client has already received the error event; transport layers log
// it, they do not re-surface it.
func (o *Orchestrator) Stream(ctx context.Context, userID, query string, sink Sink) error {
	start := time.Now()
	messageID := NewMessageID(userID, start)
	logger := o.logger.With("user", userID, "message_id", messageID)

	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRequestStart,
		Data:   map[string]any{"message_id": messageID, "user_id": userID},
	})

	promptText, version := o.prompts.Get(ctx)
	threadID := memory.ThreadID(userID, version)
	o.seeder.Seed(ctx, threadID, userID, true)

	stored := o.store.Get(threadID)
	view := memory.Window(append(stored, memory.Human(query)), o.limit)
	msgs := toEngineMessages(promptText, view)

	proc := NewProcessor(sink, messageID, logger)
	totalIn, totalOut := 0, 0
	iterations := 0

	defer func() {
		// Persist whatever was accumulated, even when the client
		// disconnected mid-stream. The persister runs detached.
		o.commit(logger, threadID, userID, messageID, query, proc)
		o.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindRequestComplete,
			Data: map[string]any{
				"message_id":       messageID,
				"user_id":          userID,
				"model":            o.model,
				"iterations":       iterations,
				"total_tokens_in":  totalIn,
				"total_tokens_out": totalOut,
				"elapsed_ms":       time.Since(start).Milliseconds(),
				"ok":               !proc.Errored(),
			},
		})
	}()

	for iterations < maxToolIterations {
		iterations++

		o.bus.Publish(events.Event{
			Source: events.SourceLLM,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"message_id": messageID, "iter": iterations, "model": o.model},
		})

		resp, err := o.llm.ChatStream(ctx, o.model, msgs, o.registry.List(), func(e llm.StreamEvent) {
			switch e.Kind {
			case llm.KindToken:
				if sErr := proc.OnToken(e.Token); sErr != nil {
					logger.Warn("client send failed", "error", sErr)
				}
			case llm.KindToolCallStart:
				proc.OnToolStart(e.ToolCall.Function.Name)
			}
		})
		if err != nil {
			if llm.IsRateLimit(err) {
				o.bus.Publish(events.Event{
					Source: events.SourceLLM,
					Kind:   events.KindRateLimited,
					Data:   map[string]any{"message_id": messageID, "model": o.model, "detail": err.Error()},
				})
			}
			logger.Error("engine stream failed", "iter", iterations, "error", err)
			if sErr := proc.OnError(genericErrorMsg); sErr != nil {
				logger.Warn("error event send failed", "error", sErr)
			}
			return fmt.Errorf("engine stream: %w", err)
		}

		totalIn += resp.InputTokens
		totalOut += resp.OutputTokens
		o.bus.Publish(events.Event{
			Source: events.SourceLLM,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"message_id": messageID,
				"user_id":    userID,
				"iter":       iterations,
				"model":      o.model,
				"tokens_in":  resp.InputTokens,
				"tokens_out": resp.OutputTokens,
				"tool_calls": len(resp.Message.ToolCalls),
			},
		})

		if len(resp.Message.ToolCalls) == 0 {
			break
		}

		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			msgs = append(msgs, o.runTool(ctx, logger, proc, messageID, tc))
		}
	}

	if err := proc.Finish(); err != nil {
		logger.Warn("final flush failed", "error", err)
	}
	return nil
}

// runTool executes one tool call and returns the tool message for the
// follow-up engine request. Tool failures become error payloads the
// model can react to, never stream errors.
func (o *Orchestrator) runTool(ctx context.Context, logger *slog.Logger, proc *Processor, messageID string, tc llm.ToolCall) llm.Message {
	name := tc.Function.Name
	argsJSON := ""
	if tc.Function.Arguments != nil {
		argsBytes, _ := json.Marshal(tc.Function.Arguments)
		argsJSON = string(argsBytes)
	}

	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"message_id": messageID, "tool": name},
	})

	toolStart := time.Now()
	result, err := o.registry.Execute(ctx, name, argsJSON)
	if err != nil {
		logger.Error("tool exec failed", "tool", name, "error", err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		result = string(payload)
	} else {
		logger.Debug("tool exec done",
			"tool", name,
			"result_len", len(result),
			"elapsed", time.Since(toolStart).Round(time.Millisecond),
		)
	}

	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"message_id":  messageID,
			"tool":        name,
			"ok":          err == nil,
			"duration_ms": time.Since(toolStart).Milliseconds(),
		},
	})

	if sErr := proc.OnToolDone(name, result); sErr != nil {
		logger.Warn("tool result send failed", "tool", name, "error", sErr)
	}

	return llm.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: tc.ID,
		ToolName:   name,
	}
}

// commit appends the finished turn to volatile memory and hands the
// exchange to the persister.
func (o *Orchestrator) commit(logger *slog.Logger, threadID, userID, messageID, query string, proc *Processor) {
	finalText := proc.FinalText()
	records := proc.Tools()

	turn := []memory.Message{memory.Human(query)}
	for _, rec := range records {
		turn = append(turn, memory.Tool(rec.ToolName, messageID, string(rec.Data)))
	}
	if finalText != "" {
		turn = append(turn, memory.Assistant(finalText))
	}
	o.store.Append(threadID, turn...)

	if o.persister != nil {
		o.persister.Save(userID, messageID, query, finalText, records)
	}
	logger.Info("exchange committed",
		"thread", threadID,
		"final_len", len(finalText),
		"tool_records", len(records),
	)
}

// toEngineMessages converts the windowed view into the engine's wire
// shape. The profile block rides in the system message rather than as
// a conversational turn.
func toEngineMessages(promptText string, view []memory.Message) []llm.Message {
	system := promptText
	msgs := make([]llm.Message, 0, len(view)+1)

	for _, m := range view {
		switch m.Role {
		case memory.RoleProfile:
			system = strings.TrimRight(system, "\n") + "\n\n" + m.Content
		case memory.RoleHuman:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content})
		case memory.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
		case memory.RoleTool:
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.CallID,
				ToolName:   m.ToolName,
			})
		}
	}

	return append([]llm.Message{{Role: "system", Content: system}}, msgs...)
}
