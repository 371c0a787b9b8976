package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRootCmd(t *testing.T) {
	t.Run("should expose the root command", func(t *testing.T) {
		cmd := GetRootCmd()
		require.NotNil(t, cmd)
		assert.Equal(t, "hearth", cmd.Use)
		assert.Equal(t, version, cmd.Version)
	})

	t.Run("should register the subcommands", func(t *testing.T) {
		names := make(map[string]bool)
		for _, sub := range GetRootCmd().Commands() {
			names[sub.Name()] = true
		}
		for _, expected := range []string{"chat", "index", "status", "sessions", "configure"} {
			assert.True(t, names[expected], expected)
		}
	})

	t.Run("should carry the global flags", func(t *testing.T) {
		flags := GetRootCmd().PersistentFlags()
		assert.NotNil(t, flags.Lookup("config"))
		assert.NotNil(t, flags.Lookup("log-level"))
	})
}

func TestVersionOutput(t *testing.T) {
	t.Run("should print the version", func(t *testing.T) {
		var out bytes.Buffer
		cmd := GetRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"--version"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "version "+version)
	})
}
