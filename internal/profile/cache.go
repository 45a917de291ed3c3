package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cacheTTL bounds staleness of cached profile text. Profile data
// changes rarely; five minutes of staleness is acceptable.
const cacheTTL = 5 * time.Minute

// Fetcher fetches raw metadata for a user.
type Fetcher interface {
	UserMetadata(ctx context.Context, userID string) (Metadata, error)
}

type cacheEntry struct {
	text    string
	expires time.Time
}

// Cache wraps a Fetcher and memoizes the formatted profile text per
// user with a TTL. It implements the profile source the memory seeder
// expects.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a profile cache over fetcher.
func NewCache(fetcher Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher: fetcher,
		logger:  logger.With("component", "profile"),
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// ProfileText returns the formatted profile block for a user, fetching
// from the identity provider on a cache miss.
func (c *Cache) ProfileText(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		c.logger.Debug("profile cache hit", "user", userID)
		return entry.text, nil
	}

	md, err := c.fetcher.UserMetadata(ctx, userID)
	if err != nil {
		return "", err
	}
	text := FormatMetadata(md, c.logger)

	c.mu.Lock()
	c.entries[userID] = cacheEntry{text: text, expires: c.now().Add(cacheTTL)}
	c.mu.Unlock()

	c.logger.Debug("profile cached", "user", userID, "empty", md.IsZero())
	return text, nil
}
