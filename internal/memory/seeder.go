package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HistoryReader reads back completed exchanges from the durable log.
type HistoryReader interface {
	// Recent returns up to limit most-recent entries for the user,
	// ordered oldest first.
	Recent(ctx context.Context, userID string, limit int) ([]LogEntry, error)
}

// ProfileSource supplies the formatted profile block for a user.
type ProfileSource interface {
	ProfileText(ctx context.Context, userID string) (string, error)
}

// Seeder rebuilds volatile memory from the durable log on cold start.
// Seeding is best-effort: any collaborator failure degrades to an empty
// seed and the request proceeds with just the new query.
type Seeder struct {
	store   *Store
	history HistoryReader
	profile ProfileSource
	limit   int
	logger  *slog.Logger

	mu       sync.Mutex
	profiled map[string]bool // threads that received a profile this process lifetime
}

// NewSeeder creates a seeder. profile may be nil when user data is
// disabled; history may be nil when the durable log is unavailable.
func NewSeeder(store *Store, history HistoryReader, profile ProfileSource, historyLimit int, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		store:    store,
		history:  history,
		profile:  profile,
		limit:    historyLimit,
		logger:   logger.With("component", "seeder"),
		profiled: make(map[string]bool),
	}
}

// Seed hydrates the thread from the durable log if this process has
// never seen it. Returns true when a seed was written.
func (s *Seeder) Seed(ctx context.Context, threadID, userID string, wantHistory bool) bool {
	if n := s.store.Len(threadID); n > 0 {
		s.logger.Debug("thread warm, skipping seed", "thread", threadID, "messages", n)
		return false
	}

	s.logger.Info("cold start, seeding thread from durable log", "thread", threadID, "user", userID)

	var seed []Message
	if wantHistory && s.profile != nil && !s.profileAttached(threadID) {
		if text, err := s.profile.ProfileText(ctx, userID); err != nil {
			s.logger.Warn("profile fetch failed, continuing without", "user", userID, "error", err)
		} else if text != "" {
			seed = append(seed, Profile(text))
			s.markProfiled(threadID)
		}
	}

	seed = append(seed, s.rebuildTurns(ctx, userID)...)

	if len(seed) == 0 {
		s.logger.Debug("nothing to seed", "thread", threadID)
		return false
	}

	s.store.Set(threadID, seed)
	s.logger.Info("seeding complete", "thread", threadID, "messages", len(seed))
	return true
}

// rebuildTurns reconstructs message turns from persisted exchanges.
// Unparseable tool records are skipped, never fatal.
func (s *Seeder) rebuildTurns(ctx context.Context, userID string) []Message {
	if s.history == nil {
		return nil
	}

	entries, err := s.history.Recent(ctx, userID, s.limit)
	if err != nil {
		s.logger.Error("history read failed, seeding empty", "user", userID, "error", err)
		return nil
	}

	var msgs []Message
	for _, e := range entries {
		if e.Human != "" {
			msgs = append(msgs, Human(e.Human))
		}
		if e.Tool != nil {
			if e.Tool.ToolName == "" || len(e.Tool.Data) == 0 {
				s.logger.Warn("skipping malformed tool record in history", "user", userID)
			} else {
				callID := fmt.Sprintf("call_%s_%d", e.Tool.ToolName, e.Timestamp.UnixMilli())
				msgs = append(msgs, Tool(e.Tool.ToolName, callID, string(e.Tool.Data)))
			}
		}
		if e.Assistant != "" {
			msgs = append(msgs, Assistant(e.Assistant))
		}
	}

	if len(entries) > 0 {
		s.logger.Debug("history recovered from durable log", "user", userID, "exchanges", len(entries))
	}
	return msgs
}

func (s *Seeder) profileAttached(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiled[threadID]
}

func (s *Seeder) markProfiled(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiled[threadID] = true
}
