package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/hearth/internal/config"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := GetRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func resetConfigureFlags() {
	configureProvider = ""
	configureAPIKey = ""
	configureID = ""
	configurePriority = 0
	configureModel = ""
	configureShow = false
}

func TestConfigure(t *testing.T) {
	t.Run("should save a new profile", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		out, err := runCommand(t, "configure",
			"--config", path,
			"--provider", "openai",
			"--api-key", "sk-test",
			"--priority", "1",
		)
		require.NoError(t, err)
		assert.Contains(t, out, "Profile openai (openai) saved")

		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].ID)
		assert.Equal(t, "sk-test", cfg.AI.Profiles[0].APIKey)
		assert.Equal(t, 1, cfg.AI.Profiles[0].Priority)
	})

	t.Run("should update an existing profile by ID", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		_, err := runCommand(t, "configure",
			"--config", path,
			"--provider", "openai", "--api-key", "sk-old", "--id", "primary",
		)
		require.NoError(t, err)

		resetConfigureFlags()
		_, err = runCommand(t, "configure",
			"--config", path,
			"--provider", "anthropic", "--api-key", "sk-new", "--id", "primary",
		)
		require.NoError(t, err)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "sk-new", cfg.AI.Profiles[0].APIKey)
	})

	t.Run("should set the agent model", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		_, err := runCommand(t, "configure",
			"--config", path,
			"--provider", "openai", "--api-key", "sk-test",
			"--model", "gpt-4o",
		)
		require.NoError(t, err)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", cfg.Agent.Model)
	})

	t.Run("should reject a provider without a key", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		_, err := runCommand(t, "configure", "--config", path, "--provider", "openai")
		assert.Error(t, err)
	})

	t.Run("should reject an unknown provider", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		_, err := runCommand(t, "configure",
			"--config", path,
			"--provider", "grok", "--api-key", "sk-test",
		)
		assert.Error(t, err)
	})

	t.Run("should do nothing without flags", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		_, err := runCommand(t, "configure", "--config", path)
		assert.Error(t, err)
	})

	t.Run("should print the effective config with --show", func(t *testing.T) {
		resetConfigureFlags()
		path := filepath.Join(t.TempDir(), "hearth.json")

		out, err := runCommand(t, "configure", "--config", path, "--show")
		require.NoError(t, err)
		assert.Contains(t, out, `"agent"`)
		assert.Contains(t, out, `"memory"`)
	})
}
