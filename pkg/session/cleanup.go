package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultRetentionAge = 30 * 24 * time.Hour
	DefaultMaxEntries   = 500
)

// Cleanup prunes oversized sessions and deletes sessions past the
// retention age
type Cleanup struct {
	manager      *Manager
	retentionAge time.Duration
	maxEntries   int
	stopCh       chan struct{}
	running      bool
}

// NewCleanup creates a cleanup handler
func NewCleanup(manager *Manager, retentionAge time.Duration) *Cleanup {
	if retentionAge == 0 {
		retentionAge = DefaultRetentionAge
	}

	return &Cleanup{
		manager:      manager,
		retentionAge: retentionAge,
		maxEntries:   DefaultMaxEntries,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the background cleanup loop
func (c *Cleanup) Start() error {
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.running = true
	go c.run()

	log.Info().Dur("retention_age", c.retentionAge).Msg("Session cleanup started")

	return nil
}

// Stop stops the cleanup loop
func (c *Cleanup) Stop() error {
	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	close(c.stopCh)
	c.running = false

	log.Info().Msg("Session cleanup stopped")

	return nil
}

func (c *Cleanup) run() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	if err := c.CleanupNow(); err != nil {
		log.Error().Err(err).Msg("Failed to clean up sessions")
	}

	for {
		select {
		case <-ticker.C:
			if err := c.CleanupNow(); err != nil {
				log.Error().Err(err).Msg("Failed to clean up sessions")
			}
		case <-c.stopCh:
			return
		}
	}
}

// CleanupNow runs one cleanup pass
func (c *Cleanup) CleanupNow() error {
	ctx := context.Background()

	sessions, err := c.manager.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, sessionKey := range sessions {
		if err := c.pruneSession(ctx, sessionKey); err != nil {
			log.Warn().Str("session_key", sessionKey).Err(err).Msg("Failed to prune session")
		}

		info, err := c.manager.GetSessionInfo(ctx, sessionKey)
		if err != nil {
			log.Warn().Str("session_key", sessionKey).Err(err).Msg("Failed to get session info")
			continue
		}

		lastModified, ok := info["lastModified"].(time.Time)
		if !ok {
			continue
		}

		age := now.Sub(lastModified)
		if age >= c.retentionAge {
			if err := c.manager.DeleteSession(ctx, sessionKey); err != nil {
				log.Error().Str("session_key", sessionKey).Err(err).Msg("Failed to delete session")
				continue
			}
			deleted++

			log.Debug().Str("session_key", sessionKey).Dur("age", age).Msg("Session deleted")
		}
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Cleaned up old sessions")
	}

	return nil
}

// pruneSession trims a session to the most recent maxEntries messages
func (c *Cleanup) pruneSession(ctx context.Context, sessionKey string) error {
	if c.maxEntries <= 0 {
		return nil
	}

	entries, err := c.manager.LoadSession(ctx, sessionKey)
	if err != nil {
		return err
	}

	if len(entries) <= c.maxEntries {
		return nil
	}

	pruned := entries[len(entries)-c.maxEntries:]
	if err := c.manager.ReplaceSession(ctx, sessionKey, pruned); err != nil {
		return err
	}

	log.Debug().
		Str("session_key", sessionKey).
		Int("from_entries", len(entries)).
		Int("to_entries", len(pruned)).
		Msg("Session pruned")

	return nil
}

// IsRunning reports whether the background loop is active
func (c *Cleanup) IsRunning() bool {
	return c.running
}

// SetMaxEntries sets max entries retained per session after pruning
func (c *Cleanup) SetMaxEntries(maxEntries int) {
	c.maxEntries = maxEntries
}

// SetRetentionAge sets how long idle sessions are kept
func (c *Cleanup) SetRetentionAge(age time.Duration) {
	c.retentionAge = age
}
