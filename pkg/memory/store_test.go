package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, embeddings EmbeddingProvider) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	s, err := NewStore(StoreConfig{
		Dir:        dir,
		DBPath:     filepath.Join(dir, "index.db"),
		Logger:     zerolog.Nop(),
		Embeddings: embeddings,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, dir
}

func writeMemoryFile(t *testing.T, dir, relPath, content string) {
	t.Helper()
	fullPath := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, []byte(content), 0644))
}

func TestNewStore(t *testing.T) {
	t.Run("should reject missing dir", func(t *testing.T) {
		_, err := NewStore(StoreConfig{DBPath: "/tmp/x.db", Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should reject missing db path", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should open keyword-only without embeddings", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		assert.NotNil(t, s)
	})
}

func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("should handle an empty workspace", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		require.NoError(t, s.Sync(ctx))

		status := s.Status()
		assert.Equal(t, 0, status.TotalFiles)
		assert.False(t, status.IsDirty)
		assert.NotNil(t, status.LastSyncTime)
	})

	t.Run("should index markdown files", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "profile.md", "# Ada\nWorks on compilers.")
		writeMemoryFile(t, dir, "nuggets/espresso.md", "Prefers espresso over filter coffee.")

		require.NoError(t, s.Sync(ctx))

		status := s.Status()
		assert.Equal(t, 2, status.TotalFiles)
		assert.GreaterOrEqual(t, status.TotalChunks, 2)
	})

	t.Run("should ignore non-markdown files", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "notes.md", "markdown note")
		writeMemoryFile(t, dir, "data.json", `{"not": "indexed"}`)

		require.NoError(t, s.Sync(ctx))
		assert.Equal(t, 1, s.Status().TotalFiles)
	})

	t.Run("should be idempotent for unchanged files", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "stable.md", "unchanging content")

		require.NoError(t, s.Sync(ctx))
		first := s.Status().TotalChunks

		s.MarkDirty()
		require.NoError(t, s.Sync(ctx))
		assert.Equal(t, first, s.Status().TotalChunks)
	})

	t.Run("should prune deleted files", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "keep.md", "kept note")
		writeMemoryFile(t, dir, "drop.md", "dropped note")
		require.NoError(t, s.Sync(ctx))
		require.Equal(t, 2, s.Status().TotalFiles)

		require.NoError(t, os.Remove(filepath.Join(dir, "drop.md")))
		s.MarkDirty()
		require.NoError(t, s.Sync(ctx))

		assert.Equal(t, 1, s.Status().TotalFiles)
	})

	t.Run("should refuse concurrent syncs", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		s.mu.Lock()
		s.isSyncing = true
		s.mu.Unlock()

		assert.Error(t, s.Sync(ctx))
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("should return empty for empty query", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		results, err := s.Search(ctx, "", nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("should match by keyword", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "nuggets/coffee.md", "The user prefers espresso in the morning.")
		writeMemoryFile(t, dir, "nuggets/editor.md", "The user lives in the terminal.")

		results, err := s.Search(ctx, "espresso", nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Contains(t, results[0].Content, "espresso")
		assert.Equal(t, filepath.Join("nuggets", "coffee.md"), results[0].FilePath)
		assert.NotNil(t, results[0].KeywordScore)
	})

	t.Run("should sync a dirty index before searching", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		writeMemoryFile(t, dir, "late.md", "written after open")
		s.MarkDirty()

		results, err := s.Search(ctx, "written", nil)
		require.NoError(t, err)
		assert.NotEmpty(t, results)
		assert.False(t, s.Status().IsDirty)
	})

	t.Run("should honor the result limit", func(t *testing.T) {
		s, dir := newTestStore(t, nil)
		for i := 0; i < 5; i++ {
			writeMemoryFile(t, dir, filepath.Join("nuggets", string(rune('a'+i))+".md"), "shared keyword zebra")
		}

		results, err := s.Search(ctx, "zebra", &SearchOptions{Limit: 2, KeywordWeight: 1})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("should find semantically indexed chunks", func(t *testing.T) {
		s, dir := newTestStore(t, NewMockEmbeddingProvider(64))
		writeMemoryFile(t, dir, "nuggets/fact.md", "The user maintains a fleet of weather balloons.")

		results, err := s.Search(ctx, "weather balloons", &SearchOptions{
			Limit:        5,
			VectorWeight: 0.7, KeywordWeight: 0.3,
		})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.NotNil(t, results[0].VectorScore)
	})

	t.Run("should populate the embedding cache", func(t *testing.T) {
		s, dir := newTestStore(t, NewMockEmbeddingProvider(64))
		writeMemoryFile(t, dir, "cached.md", "content that gets embedded")
		require.NoError(t, s.Sync(ctx))
		require.Greater(t, s.stats.cacheMisses, 0)

		// Force a full reindex of identical content
		_, err := s.db.Exec("DELETE FROM files")
		require.NoError(t, err)
		s.MarkDirty()
		require.NoError(t, s.Sync(ctx))

		assert.Greater(t, s.stats.cacheHits, 0)
		status := s.Status()
		require.NotNil(t, status.EmbeddingCacheHitRate)
		assert.Greater(t, *status.EmbeddingCacheHitRate, 0.0)
	})
}

func TestChunkContent(t *testing.T) {
	t.Run("should keep small content in one chunk", func(t *testing.T) {
		chunks := chunkContent("a short note")
		require.Len(t, chunks, 1)
		assert.Equal(t, "a short note", chunks[0].content)
	})

	t.Run("should return nothing for whitespace", func(t *testing.T) {
		assert.Empty(t, chunkContent("   \n  \n"))
	})

	t.Run("should split long content with overlap", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 100; i++ {
			b.WriteString("this line pads the document out to force chunking\n")
		}

		chunks := chunkContent(b.String())
		require.Greater(t, len(chunks), 1)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.content), 1100)
			assert.NotEmpty(t, c.content)
		}
	})
}

func TestMergeHits(t *testing.T) {
	opts := &SearchOptions{VectorWeight: 0.7, KeywordWeight: 0.3}

	t.Run("should combine both score spaces", func(t *testing.T) {
		merged := mergeHits(
			[]vectorHit{{chunkID: "a#0", similarity: 0.9}, {chunkID: "b#0", similarity: 0.1}},
			[]keywordHit{{chunkID: "a#0", bm25Score: 4.0}, {chunkID: "c#0", bm25Score: 2.0}},
			opts,
		)
		require.Len(t, merged, 3)
		assert.Equal(t, "a#0", merged[0].chunkID)
		assert.NotNil(t, merged[0].vectorScore)
		assert.NotNil(t, merged[0].keywordScore)
	})

	t.Run("should drop results below the score floor", func(t *testing.T) {
		merged := mergeHits(
			nil,
			[]keywordHit{{chunkID: "a#0", bm25Score: 4.0}, {chunkID: "b#0", bm25Score: 0.1}},
			&SearchOptions{KeywordWeight: 1, MinScore: 0.5},
		)
		require.Len(t, merged, 1)
		assert.Equal(t, "a#0", merged[0].chunkID)
	})

	t.Run("should break score ties deterministically", func(t *testing.T) {
		merged := mergeHits(
			nil,
			[]keywordHit{{chunkID: "b#0", bm25Score: 3.0}, {chunkID: "a#0", bm25Score: 3.0}},
			&SearchOptions{KeywordWeight: 1},
		)
		require.Len(t, merged, 2)
		assert.Equal(t, "a#0", merged[0].chunkID)
	})
}
