// Package session persists conversation history and resumable turn state
// as JSON Lines under a per-session file.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
	"github.com/harlowe/hearth/pkg/agent"
)

// Message is a single persisted conversation message. Tool-call-bearing
// assistant messages and tool results keep their call plumbing so a
// replayed session reconstructs the exact model-facing history.
type Message struct {
	Role       string                  `json:"role"`
	Content    string                  `json:"content"`
	Timestamp  time.Time               `json:"timestamp"`
	ToolCalls  []agent.ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string                  `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{}  `json:"metadata,omitempty"`
}

// Entry is a message with its session key
type Entry struct {
	SessionKey string  `json:"sessionKey"`
	Message    Message `json:"message"`
}

// Manager manages conversation persistence using JSONL format
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex
}

// New creates a session manager rooted at sessionsDir
func New(sessionsDir string) (*Manager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".hearth", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	sm := &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", sessionsDir).Msg("Session manager initialized")
	sm.updateActiveSessionsMetric()

	return sm, nil
}

// validateSessionKey rejects keys that could escape the sessions directory
func (sm *Manager) validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (sm *Manager) sessionPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+".jsonl")
}

func (sm *Manager) updateActiveSessionsMetric() {
	sessions, err := sm.ListSessions()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

func (sm *Manager) getWriteLock(sessionKey string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	sm.writeLocks[sessionKey] = lock
	return lock
}

func (sm *Manager) releaseWriteLock(sessionKey string) {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()
	delete(sm.writeLocks, sessionKey)
}

// CreateSession creates an empty session file if one does not exist
func (sm *Manager) CreateSession(ctx context.Context, sessionKey string) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		return err
	}

	path := sm.sessionPath(sessionKey)
	if _, err := os.Stat(path); err == nil {
		logger.Debug().Msg("Session already exists")
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()

	sm.updateActiveSessionsMetric()
	logger.Info().Msg("Session created")

	return nil
}

// AppendMessage appends one message to a session
func (sm *Manager) AppendMessage(ctx context.Context, sessionKey string, message Message) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		return err
	}

	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	// Tool-call-bearing assistant messages may legitimately carry no text
	if message.Content == "" && len(message.ToolCalls) == 0 {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := sm.sessionPath(sessionKey)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := sm.CreateSession(ctx, sessionKey); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		SessionKey: sessionKey,
		Message:    message,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().Str("role", message.Role).Msg("Message appended")

	return nil
}

// AppendMessages appends a batch in order under one lock acquisition
func (sm *Manager) AppendMessages(ctx context.Context, sessionKey string, messages []Message) error {
	for _, message := range messages {
		if err := sm.AppendMessage(ctx, sessionKey, message); err != nil {
			return err
		}
	}
	return nil
}

// LoadSession loads all messages from a session. Corrupt lines are
// skipped, not fatal.
func (sm *Manager) LoadSession(ctx context.Context, sessionKey string) ([]Entry, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	path := sm.sessionPath(sessionKey)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug().Msg("Session does not exist")
		return []Entry{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}

		if entry.Message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().Int("messages", len(entries)).Msg("Session loaded")

	return entries, nil
}

// History converts a session's entries into model-facing messages
func (sm *Manager) History(ctx context.Context, sessionKey string) ([]agent.Message, error) {
	entries, err := sm.LoadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	history := make([]agent.Message, 0, len(entries))
	for _, entry := range entries {
		history = append(history, agent.Message{
			Role:       entry.Message.Role,
			Content:    entry.Message.Content,
			ToolCalls:  entry.Message.ToolCalls,
			ToolCallID: entry.Message.ToolCallID,
		})
	}
	return history, nil
}

// ReplaceSession atomically rewrites a session's contents
func (sm *Manager) ReplaceSession(ctx context.Context, sessionKey string, entries []Entry) error {
	if err := sm.validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := sm.sessionPath(sessionKey)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	return nil
}

// RepairSession rewrites a session keeping only parseable entries
func (sm *Manager) RepairSession(ctx context.Context, sessionKey string) error {
	entries, err := sm.LoadSession(ctx, sessionKey)
	if err != nil {
		return err
	}

	if err := sm.ReplaceSession(ctx, sessionKey, entries); err != nil {
		return err
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("entries", len(entries)).
		Msg("Session repaired")

	return nil
}

// DeleteSession deletes a session file and its turn state
func (sm *Manager) DeleteSession(ctx context.Context, sessionKey string) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(sm.sessionPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if err := os.Remove(sm.turnStatePath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete turn state: %w", err)
	}

	sm.releaseWriteLock(sessionKey)
	sm.updateActiveSessionsMetric()

	logger.Info().Msg("Session deleted")

	return nil
}

// ListSessions lists all available session keys
func (sm *Manager) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// GetSessionInfo returns metadata about a session
func (sm *Manager) GetSessionInfo(ctx context.Context, sessionKey string) (map[string]interface{}, error) {
	if err := sm.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	info, err := os.Stat(sm.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session does not exist")
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := sm.LoadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessionKey":   sessionKey,
		"size":         info.Size(),
		"lastModified": info.ModTime(),
		"messageCount": len(entries),
	}, nil
}

// Close clears all write locks
func (sm *Manager) Close() error {
	sm.locksMu.Lock()
	sm.writeLocks = make(map[string]*sync.Mutex)
	sm.locksMu.Unlock()

	log.Info().Msg("Session manager closed")

	return nil
}
