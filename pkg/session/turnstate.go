package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harlowe/hearth/internal/tracing"
	"github.com/harlowe/hearth/pkg/agent"
)

// TurnState is the resumable remainder of a partially-run turn: the
// round-trip counter and the tool-call ledger accumulated so far. Saved
// when a turn bails on its budget, cleared when a turn completes.
type TurnState struct {
	TurnID     string                 `json:"turn_id"`
	RoundTrips int                    `json:"round_trips"`
	Ledger     []agent.ToolCallRecord `json:"ledger"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// NewTurnID mints an opaque turn identifier
func NewTurnID() string {
	return gonanoid.Must()
}

func (sm *Manager) turnStatePath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+".turn.json")
}

// SaveTurnState atomically writes the session's turn state
func (sm *Manager) SaveTurnState(ctx context.Context, sessionKey string, state TurnState) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		return err
	}
	if state.TurnID == "" {
		return fmt.Errorf("turn id cannot be empty")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal turn state: %w", err)
	}

	path := sm.turnStatePath(sessionKey)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write turn state: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace turn state: %w", err)
	}

	logger.Debug().
		Str("turn_id", state.TurnID).
		Int("round_trips", state.RoundTrips).
		Msg("Turn state saved")

	return nil
}

// LoadTurnState reads the session's turn state. Returns nil when no turn
// is pending.
func (sm *Manager) LoadTurnState(ctx context.Context, sessionKey string) (*TurnState, error) {
	if err := sm.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(sm.turnStatePath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read turn state: %w", err)
	}

	var state TurnState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse turn state: %w", err)
	}

	return &state, nil
}

// ClearTurnState removes any pending turn state for the session
func (sm *Manager) ClearTurnState(ctx context.Context, sessionKey string) error {
	if err := sm.validateSessionKey(sessionKey); err != nil {
		return err
	}

	if err := os.Remove(sm.turnStatePath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear turn state: %w", err)
	}
	return nil
}
