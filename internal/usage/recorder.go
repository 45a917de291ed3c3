package usage

import (
	"context"
	"log/slog"

	"github.com/maxvaega/serverless-AIR-coach/internal/events"
)

// Recorder subscribes to the event bus and turns llm_response and
// rate_limited events into store rows. It runs as one background
// goroutine; stop it by cancelling the context passed to Run.
type Recorder struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRecorder creates a recorder over store and bus.
func NewRecorder(store *Store, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: bus, logger: logger.With("component", "usage")}
}

// Run consumes events until ctx is cancelled. Store failures are
// logged and skipped; metrics never block or fail a request.
func (r *Recorder) Run(ctx context.Context) {
	ch := r.bus.Subscribe(256)
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindLLMResponse:
		rec := Record{
			Timestamp:    e.Timestamp,
			MessageID:    str(e.Data, "message_id"),
			UserID:       str(e.Data, "user_id"),
			Model:        str(e.Data, "model"),
			InputTokens:  num(e.Data, "tokens_in"),
			OutputTokens: num(e.Data, "tokens_out"),
			ToolCalls:    num(e.Data, "tool_calls"),
		}
		if err := r.store.Record(ctx, rec); err != nil {
			r.logger.Error("usage record dropped", "error", err)
		}

	case events.KindRateLimited:
		ev := ThrottleEvent{
			Timestamp: e.Timestamp,
			MessageID: str(e.Data, "message_id"),
			Model:     str(e.Data, "model"),
			Detail:    str(e.Data, "detail"),
		}
		if err := r.store.RecordThrottle(ctx, ev); err != nil {
			r.logger.Error("throttle event dropped", "error", err)
		}
	}
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
