package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPack(t *testing.T) {
	ctx := context.Background()

	t.Run("should flag onboarding when no profile exists", func(t *testing.T) {
		s, _ := newTestStore(t, nil)

		pack, err := s.BuildPack(ctx, "hello there")
		require.NoError(t, err)
		assert.True(t, pack.OnboardingNeeded)
		assert.False(t, pack.ProfileLoaded)
		assert.Empty(t, pack.Pack)
	})

	t.Run("should include profile and relevant nuggets", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, ProfileFile, "# Ada\nWorks on compilers. Lives in Lisbon.")
		writeMemoryFile(t, dir, "nuggets/coffee.md", "Prefers espresso in the morning.")
		writeMemoryFile(t, dir, "nuggets/editor.md", "Writes everything in a terminal editor.")

		pack, err := s.BuildPack(ctx, "should I bring espresso beans?")
		require.NoError(t, err)

		assert.True(t, pack.ProfileLoaded)
		assert.False(t, pack.OnboardingNeeded)
		assert.Contains(t, pack.Pack, "[MEMORY CONTEXT]")
		assert.Contains(t, pack.Pack, "Lives in Lisbon")
		assert.Contains(t, pack.Pack, "You know this user as Ada.")
		assert.Contains(t, pack.Pack, "[NUGGETS]")
		assert.Contains(t, pack.Pack, "espresso")
		assert.Equal(t, 1, pack.Counts["profile"])
		assert.GreaterOrEqual(t, pack.Counts["nuggets"], 1)
		assert.Equal(t, 3, pack.Counts["files"])
	})

	t.Run("should exclude non-nugget hits from the nugget section", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "scratch.md", "espresso mentioned in a scratch note")

		pack, err := s.BuildPack(ctx, "espresso")
		require.NoError(t, err)
		assert.NotContains(t, pack.Pack, "[NUGGETS]")
		assert.Equal(t, 0, pack.Counts["nuggets"])
	})

	t.Run("should survive punctuation-heavy messages", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "nuggets/a.md", "likes parentheses")

		_, err := s.BuildPack(ctx, `what's up? (really!) -- "quotes" AND NOT syntax`)
		assert.NoError(t, err)
	})
}

func TestProfileName(t *testing.T) {
	t.Run("should extract the first heading", func(t *testing.T) {
		assert.Equal(t, "Ada", profileName("intro line\n# Ada\nmore"))
	})

	t.Run("should return empty without a heading", func(t *testing.T) {
		assert.Empty(t, profileName("no headings here"))
	})
}

func TestFTSQuery(t *testing.T) {
	t.Run("should quote tokens and join with OR", func(t *testing.T) {
		assert.Equal(t, `"latest" OR "election" OR "news"`, ftsQuery("latest election news"))
	})

	t.Run("should strip operator punctuation", func(t *testing.T) {
		q := ftsQuery(`what's "this" (about)?`)
		assert.NotContains(t, q, "(")
		assert.NotContains(t, q, "?")
		assert.Contains(t, q, `"about"`)
	})

	t.Run("should return empty for no tokens", func(t *testing.T) {
		assert.Empty(t, ftsQuery("!!! ???"))
	})
}
