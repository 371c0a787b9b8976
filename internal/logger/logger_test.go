package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create logger with defaults", func(t *testing.T) {
		l, err := New(DefaultConfig())
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l)
	})

	t.Run("should create logger with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "hearth.log")

		l, err := New(Config{
			Level: "debug",
			File:  logFile,
		})
		require.NoError(t, err)
		defer l.Close()

		l.Info().Msg("test message")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "test message")
	})

	t.Run("should fall back to info on invalid level", func(t *testing.T) {
		l, err := New(Config{Level: "bogus", Console: true})
		require.NoError(t, err)
		defer l.Close()
	})

	t.Run("should create nested log directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "nested", "dir", "hearth.log")

		l, err := New(Config{Level: "info", File: logFile})
		require.NoError(t, err)
		defer l.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})
}

func TestRedactionIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "hearth.log")

	l, err := New(Config{
		Level:     "info",
		File:      logFile,
		Redaction: true,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Str("key", "sk-abcdefghij1234567890abcdef").Msg("api key in log")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "sk-abcdefghij1234567890abcdef")
}
