package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
)

const saveTimeout = 10 * time.Second

// Persister writes completed exchanges to the durable log, applying
// the end-of-turn save policy: empty replies are skipped, and when a
// turn ran multiple tools only the last result is persisted alongside
// the reply.
type Persister struct {
	store  *Store
	logger *slog.Logger
}

// NewPersister wraps a log store. A nil store disables persistence
// entirely; Save becomes a no-op.
func NewPersister(store *Store, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, logger: logger.With("component", "persister")}
}

// Save records one finished exchange keyed by the request's message ID
// and reports whether a row was written. It runs on its own deadline,
// detached from the request context, so a client disconnect after the
// stream ends cannot lose the write. Failures are logged, never
// propagated: the reply already reached the user.
func (p *Persister) Save(userID, messageID, human, assistant string, tools []memory.ToolRecord) bool {
	if p.store == nil {
		return false
	}
	if assistant == "" && len(tools) == 0 {
		p.logger.Debug("nothing to persist, skipping save", "user", userID)
		return false
	}

	entry := Entry{
		ID:        messageID,
		UserID:    userID,
		Human:     human,
		Assistant: assistant,
		Timestamp: time.Now(),
	}
	if len(tools) > 0 {
		last := tools[len(tools)-1]
		entry.Tool = &last
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := p.insertWithRetry(ctx, entry); err != nil {
		p.logger.Error("exchange not persisted", "user", userID, "id", messageID, "error", err)
		return false
	}
	p.logger.Debug("exchange persisted", "user", userID, "id", messageID, "has_tool", entry.Tool != nil)
	return true
}

// insertWithRetry retries exactly once on a primary key collision,
// swapping the message ID for a fresh UUIDv7. Collisions happen when
// two requests from the same user land in the same millisecond.
func (p *Persister) insertWithRetry(ctx context.Context, entry Entry) error {
	err := p.store.Insert(ctx, entry)
	if err == nil || !errors.Is(err, ErrDuplicateID) {
		return err
	}

	fresh, idErr := uuid.NewV7()
	if idErr != nil {
		return idErr
	}
	p.logger.Warn("duplicate entry id, retrying with fresh id", "id", entry.ID, "fresh", fresh.String())
	entry.ID = fresh.String()
	return p.store.Insert(ctx, entry)
}
