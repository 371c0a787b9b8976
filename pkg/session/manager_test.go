package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/hearth/pkg/agent"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	sm, err := New(t.TempDir())
	require.NoError(t, err)
	return sm
}

func TestValidateSessionKey(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"parent traversal", "../escape"},
		{"slash", "a/b"},
		{"backslash", "a\\b"},
		{"null byte", "a\x00b"},
	}
	for _, tc := range cases {
		t.Run("should reject "+tc.name, func(t *testing.T) {
			assert.Error(t, sm.CreateSession(ctx, tc.key))
		})
	}

	t.Run("should accept plain keys", func(t *testing.T) {
		assert.NoError(t, sm.CreateSession(ctx, "user-42"))
	})
}

func TestAppendAndLoad(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	t.Run("should round trip messages", func(t *testing.T) {
		require.NoError(t, sm.AppendMessage(ctx, "chat", Message{Role: "user", Content: "hello"}))
		require.NoError(t, sm.AppendMessage(ctx, "chat", Message{Role: "assistant", Content: "hi"}))

		entries, err := sm.LoadSession(ctx, "chat")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "user", entries[0].Message.Role)
		assert.Equal(t, "hi", entries[1].Message.Content)
		assert.False(t, entries[0].Message.Timestamp.IsZero())
	})

	t.Run("should persist tool call plumbing", func(t *testing.T) {
		require.NoError(t, sm.AppendMessage(ctx, "tools", Message{
			Role: "assistant",
			ToolCalls: []agent.ToolCallRequest{
				{ID: "c1", Name: "web_search", Args: map[string]interface{}{"q": "go"}},
			},
		}))
		require.NoError(t, sm.AppendMessage(ctx, "tools", Message{
			Role:       "tool",
			Content:    "results",
			ToolCallID: "c1",
		}))

		entries, err := sm.LoadSession(ctx, "tools")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Len(t, entries[0].Message.ToolCalls, 1)
		assert.Equal(t, "web_search", entries[0].Message.ToolCalls[0].Name)
		assert.Equal(t, "c1", entries[1].Message.ToolCallID)
	})

	t.Run("should reject empty content without tool calls", func(t *testing.T) {
		assert.Error(t, sm.AppendMessage(ctx, "chat", Message{Role: "assistant"}))
	})

	t.Run("should reject empty role", func(t *testing.T) {
		assert.Error(t, sm.AppendMessage(ctx, "chat", Message{Content: "text"}))
	})

	t.Run("should return empty for missing session", func(t *testing.T) {
		entries, err := sm.LoadSession(ctx, "never-created")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("should skip corrupt lines on load", func(t *testing.T) {
		require.NoError(t, sm.AppendMessage(ctx, "corrupt", Message{Role: "user", Content: "ok"}))

		path := filepath.Join(sm.sessionsDir, "corrupt.jsonl")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
		require.NoError(t, err)
		_, err = f.WriteString("{broken json\n")
		require.NoError(t, err)
		f.Close()

		require.NoError(t, sm.AppendMessage(ctx, "corrupt", Message{Role: "user", Content: "after"}))

		entries, err := sm.LoadSession(ctx, "corrupt")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestHistory(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, sm.AppendMessage(ctx, "h", Message{Role: "user", Content: "question"}))
	require.NoError(t, sm.AppendMessage(ctx, "h", Message{
		Role:      "assistant",
		ToolCalls: []agent.ToolCallRequest{{ID: "c1", Name: "read_file"}},
	}))
	require.NoError(t, sm.AppendMessage(ctx, "h", Message{Role: "tool", Content: "file body", ToolCallID: "c1"}))

	history, err := sm.History(ctx, "h")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "question", history[0].Content)
	assert.Equal(t, "read_file", history[1].ToolCalls[0].Name)
	assert.Equal(t, "c1", history[2].ToolCallID)
}

func TestRepairSession(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, sm.AppendMessage(ctx, "fix", Message{Role: "user", Content: "keep"}))

	path := filepath.Join(sm.sessionsDir, "fix.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	f.Close()

	require.NoError(t, sm.RepairSession(ctx, "fix"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "not json at all")

	entries, err := sm.LoadSession(ctx, "fix")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].Message.Content)
}

func TestDeleteSession(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, sm.AppendMessage(ctx, "gone", Message{Role: "user", Content: "bye"}))
	require.NoError(t, sm.SaveTurnState(ctx, "gone", TurnState{TurnID: NewTurnID(), RoundTrips: 1}))

	require.NoError(t, sm.DeleteSession(ctx, "gone"))

	entries, err := sm.LoadSession(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, entries)

	state, err := sm.LoadTurnState(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, state)

	t.Run("should tolerate deleting a missing session", func(t *testing.T) {
		assert.NoError(t, sm.DeleteSession(ctx, "never-existed"))
	})
}

func TestListSessions(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, sm.CreateSession(ctx, "one"))
	require.NoError(t, sm.CreateSession(ctx, "two"))
	require.NoError(t, sm.SaveTurnState(ctx, "one", TurnState{TurnID: "t1"}))

	sessions, err := sm.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, sessions)
}

func TestGetSessionInfo(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, sm.AppendMessage(ctx, "info", Message{Role: "user", Content: "x"}))

	info, err := sm.GetSessionInfo(ctx, "info")
	require.NoError(t, err)
	assert.Equal(t, 1, info["messageCount"])

	_, err = sm.GetSessionInfo(ctx, "missing")
	assert.Error(t, err)
}
