// Package agent orchestrates one streaming exchange: it drives the
// LLM, executes tools, shapes the outbound event protocol, and hands
// the finished exchange to memory and persistence.
package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
)

// Event is one protocol event sent to the client.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Final     bool   `json:"final,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Event types of the output protocol.
const (
	EventAgentMessage = "agent_message"
	EventToolResult   = "tool_result"
	EventError        = "error"
)

// Sink receives protocol events in emission order. The HTTP layer
// implements it over SSE; tests implement it over a slice.
type Sink interface {
	Send(Event) error
}

// NewMessageID builds the per-request correlation id carried by every
// protocol event of one exchange.
func NewMessageID(userID string, now time.Time) string {
	return userID + "_" + now.UTC().Format("2006-01-02T15:04:05.000Z")
}

type procState int

const (
	// awaitingDecision buffers tokens until the model commits to a
	// tool call or finishes without one.
	awaitingDecision procState = iota
	// toolRunning discards tokens that arrive between the tool
	// decision and its result.
	toolRunning
	// postTool passes tokens straight through.
	postTool
)

// Processor turns the raw engine stream into the client protocol.
//
// The model may emit free-text before deciding to call a tool. If a
// tool runs, that text is filler and must never reach the client; if
// no tool runs, it is the answer and is flushed at stream end. The
// processor buffers in the initial state to resolve this after the
// fact.
type Processor struct {
	sink      Sink
	messageID string
	logger    *slog.Logger

	state        procState
	buffer       []string // pre-decision deltas, kept separate to preserve chunking
	final        strings.Builder
	tools        []memory.ToolRecord
	toolEmitted  bool
	errorEmitted bool
}

// NewProcessor creates a processor for one request.
func NewProcessor(sink Sink, messageID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sink:      sink,
		messageID: messageID,
		logger:    logger.With("component", "processor", "message_id", messageID),
	}
}

// OnToken handles one text delta from the engine.
func (p *Processor) OnToken(text string) error {
	if p.errorEmitted || text == "" {
		return nil
	}
	switch p.state {
	case awaitingDecision:
		p.buffer = append(p.buffer, text)
		return nil
	case toolRunning:
		// Filler between decision and result, drop it.
		return nil
	default:
		p.final.WriteString(text)
		return p.sink.Send(Event{Type: EventAgentMessage, Data: text, MessageID: p.messageID})
	}
}

// OnToolStart handles the model committing to a tool call. Anything
// buffered so far was pre-decision filler.
func (p *Processor) OnToolStart(toolName string) {
	if p.errorEmitted {
		return
	}
	if len(p.buffer) > 0 {
		n := 0
		for _, t := range p.buffer {
			n += len(t)
		}
		p.logger.Debug("discarding pre-decision text", "tool", toolName, "discarded_bytes", n)
		p.buffer = nil
	}
	p.state = toolRunning
}

// OnToolDone handles a completed tool execution. The first result is
// emitted to the client; later ones in the same exchange are recorded
// for persistence only (last-wins), keeping the protocol at one
// tool_result per request.
func (p *Processor) OnToolDone(toolName, output string) error {
	if p.errorEmitted {
		return nil
	}
	data := toolPayload(output)

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize tool output: %w", err)
	}
	p.tools = append(p.tools, memory.ToolRecord{ToolName: toolName, Data: raw})

	p.state = postTool
	if p.toolEmitted {
		p.logger.Warn("additional tool result suppressed from stream", "tool", toolName)
		return nil
	}
	p.toolEmitted = true
	return p.sink.Send(Event{
		Type:      EventToolResult,
		ToolName:  toolName,
		Data:      data,
		Final:     true,
		MessageID: p.messageID,
	})
}

// OnError emits the single error event of the stream. Buffered text is
// best-effort flushed first so a partial answer is not lost.
func (p *Processor) OnError(msg string) error {
	if p.errorEmitted {
		return nil
	}
	p.errorEmitted = true

	if p.state == awaitingDecision && len(p.buffer) > 0 {
		if err := p.flushBuffered(); err != nil {
			p.logger.Warn("flush before error failed", "error", err)
		}
	}
	return p.sink.Send(Event{Type: EventError, Data: msg})
}

// Finish ends the stream on the success path, flushing any buffered
// no-tool answer.
func (p *Processor) Finish() error {
	if p.errorEmitted {
		return nil
	}
	if p.state == awaitingDecision && len(p.buffer) > 0 {
		return p.flushBuffered()
	}
	if p.final.Len() == 0 && len(p.tools) == 0 {
		p.logger.Warn("stream ended with no output")
	}
	return nil
}

// flushBuffered replays the held-back answer as one agent_message per
// delta, preserving the chunking the engine produced. Every delta
// still counts toward the final text even when a send fails, so
// persistence sees the full answer.
func (p *Processor) flushBuffered() error {
	deltas := p.buffer
	p.buffer = nil

	var sendErr error
	for _, text := range deltas {
		p.final.WriteString(text)
		if sendErr != nil {
			continue
		}
		if err := p.sink.Send(Event{Type: EventAgentMessage, Data: text, MessageID: p.messageID}); err != nil {
			sendErr = err
		}
	}
	return sendErr
}

// FinalText returns the text that reached (or would reach) the client
// as the answer.
func (p *Processor) FinalText() string {
	return p.final.String()
}

// Tools returns every tool record of the exchange, oldest first.
func (p *Processor) Tools() []memory.ToolRecord {
	return p.tools
}

// Errored reports whether the error event was emitted.
func (p *Processor) Errored() bool {
	return p.errorEmitted
}

// toolPayload decodes tool output into a JSON value for the wire.
// Non-JSON output is wrapped so the client always receives an object.
func toolPayload(output string) any {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return map[string]any{"content": output}
}
