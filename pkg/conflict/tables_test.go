package conflict

import (
	"testing"

	"github.com/harlowe/hearth/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestDefaultTables(t *testing.T) {
	tables := DefaultTables()

	assert.Equal(t, Class("screen"), tables.classOf("screen_capture"))
	assert.Equal(t, ClassGeneral, tables.classOf("web_search"))
	assert.Equal(t, TierQuery, tables.riskOf("web_search"))
	assert.Equal(t, TierExec, tables.riskOf("system_execute"))
	assert.Equal(t, TierMutating, tables.riskOf("unknown_tool"))
}

func TestTablesFromConfig(t *testing.T) {
	t.Run("should overlay configured entries", func(t *testing.T) {
		tables := TablesFromConfig(config.ConflictConfig{
			Classes:  map[string]string{"read_file": "files", "write_file": "files"},
			Priority: map[string][]string{"files": {"read_file", "write_file"}},
			Risk:     map[string]string{"web_search": "read_only"},
		})

		assert.Equal(t, Class("files"), tables.classOf("read_file"))
		assert.Equal(t, []string{"read_file", "write_file"}, tables.Priority["files"])
		assert.Equal(t, TierReadOnly, tables.riskOf("web_search"))
		// defaults survive the overlay
		assert.Equal(t, Class("screen"), tables.classOf("screen_capture"))
	})

	t.Run("should treat unknown tier names as mutating", func(t *testing.T) {
		tables := TablesFromConfig(config.ConflictConfig{
			Risk: map[string]string{"some_tool": "catastrophic"},
		})
		assert.Equal(t, TierMutating, tables.riskOf("some_tool"))
	})
}

func TestRiskTierString(t *testing.T) {
	assert.Equal(t, "read_only", TierReadOnly.String())
	assert.Equal(t, "query", TierQuery.String())
	assert.Equal(t, "mutating", TierMutating.String())
	assert.Equal(t, "exec", TierExec.String())
}
