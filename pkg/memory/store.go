// Package memory indexes the markdown memory workspace into SQLite and
// serves hybrid keyword plus vector search over it. The workspace holds
// the user profile (profile.md) and durable nuggets (nuggets/*.md); the
// recall_memory tool assembles its context pack from both.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
)

func init() {
	sqlite_vec.Auto()
}

// SearchResult is one scored chunk from the index
type SearchResult struct {
	ChunkID      string   `json:"chunk_id"`
	FilePath     string   `json:"file_path"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions configures search behavior
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// Status describes the current state of the index
type Status struct {
	TotalFiles            int        `json:"total_files"`
	TotalChunks           int        `json:"total_chunks"`
	IsDirty               bool       `json:"is_dirty"`
	IsSyncing             bool       `json:"is_syncing"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty"`
}

// Store owns the SQLite index over the memory workspace
type Store struct {
	db           *sql.DB
	dir          string
	logger       zerolog.Logger
	embeddings   EmbeddingProvider
	watcher      *FileWatcher
	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
	stats        struct {
		cacheHits   int
		cacheMisses int
	}
}

// StoreConfig holds the store's configuration
type StoreConfig struct {
	Dir        string
	DBPath     string
	Logger     zerolog.Logger
	Embeddings EmbeddingProvider // optional, nil disables vector search
	Watch      bool              // attach a file watcher to the workspace
}

// NewStore opens the index and, when requested, starts watching the
// workspace for changes
func NewStore(cfg StoreConfig) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, errors.New("memory dir is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL so searches don't block the sync writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:         db,
		dir:        cfg.Dir,
		logger:     cfg.Logger,
		embeddings: cfg.Embeddings,
		isDirty:    true, // force an initial sync
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Watch {
		watcher, err := NewFileWatcher(cfg.Logger, s.MarkDirty)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.Watch(cfg.Dir); err != nil {
			watcher.Stop()
			db.Close()
			return nil, fmt.Errorf("failed to watch memory dir: %w", err)
		}
		s.watcher = watcher
	}

	s.logger.Info().Str("dir", cfg.Dir).Msg("Memory store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.embeddings != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embeddings.Dimension())

		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Dir returns the workspace path the store indexes
func (s *Store) Dir() string {
	return s.dir
}

// Search runs hybrid search, syncing first if the index is dirty
func (s *Store) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if query == "" {
		return []SearchResult{}, nil
	}

	if opts == nil {
		opts = &SearchOptions{
			Limit:         20,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		}
	}

	s.mu.RLock()
	dirty := s.isDirty
	s.mu.RUnlock()
	if dirty {
		if err := s.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var vectorResults []vectorHit
	var keywordResults []keywordHit
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.embeddings != nil {
			vectorResults, vectorErr = s.vectorSearch(ctx, query, 200)
		}
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = s.keywordSearch(query, 200)
	}()
	wg.Wait()

	// Degrade gracefully when only one leg fails
	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if vectorErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("both search methods failed")
	}

	results := s.hydrate(mergeHits(vectorResults, keywordResults, opts))
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

type vectorHit struct {
	chunkID    string
	similarity float64
}

type keywordHit struct {
	chunkID   string
	bm25Score float64
}

func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]vectorHit, error) {
	embedding, err := s.embeddings.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vectorHit
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		results = append(results, vectorHit{chunkID: chunkID, similarity: 1.0 - distance})
	}
	return results, nil
}

func (s *Store) keywordSearch(query string, limit int) ([]keywordHit, error) {
	rows, err := s.db.Query(`
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []keywordHit
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// BM25 scores come back negative
		results = append(results, keywordHit{chunkID: chunkID, bm25Score: -score})
	}
	return results, nil
}

type scoredHit struct {
	chunkID      string
	score        float64
	vectorScore  *float64
	keywordScore *float64
}

// mergeHits normalizes both score spaces to [0,1], combines them by
// weight, and sorts descending
func mergeHits(vectorResults []vectorHit, keywordResults []keywordHit, opts *SearchOptions) []scoredHit {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.chunkID] = r.similarity
	}
	for _, r := range keywordResults {
		keywordMap[r.chunkID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	chunkIDs := make(map[string]bool)
	for id := range vectorMap {
		chunkIDs[id] = true
	}
	for id := range keywordMap {
		chunkIDs[id] = true
	}

	var scored []scoredHit
	for chunkID := range chunkIDs {
		var normalizedVector, normalizedKeyword float64

		// Cosine similarity lands in [-1,1]
		if vectorScore, ok := vectorMap[chunkID]; ok {
			normalizedVector = (vectorScore + 1) / 2
		}
		if keywordScore, ok := keywordMap[chunkID]; ok && maxKeyword > 0 {
			normalizedKeyword = keywordScore / maxKeyword
		}

		combined := (normalizedVector * opts.VectorWeight) + (normalizedKeyword * opts.KeywordWeight)
		if opts.MinScore > 0 && combined < opts.MinScore {
			continue
		}

		var vecPtr, keyPtr *float64
		if _, ok := vectorMap[chunkID]; ok {
			v := normalizedVector
			vecPtr = &v
		}
		if _, ok := keywordMap[chunkID]; ok {
			k := normalizedKeyword
			keyPtr = &k
		}

		scored = append(scored, scoredHit{
			chunkID:      chunkID,
			score:        combined,
			vectorScore:  vecPtr,
			keywordScore: keyPtr,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].chunkID < scored[j].chunkID
	})
	return scored
}

func (s *Store) hydrate(scored []scoredHit) []SearchResult {
	results := make([]SearchResult, 0, len(scored))
	for _, h := range scored {
		var content, filePath string
		err := s.db.QueryRow(`
			SELECT c.content, f.path
			FROM chunks c
			JOIN files f ON c.file_id = f.id
			WHERE c.id = ?
		`, h.chunkID).Scan(&content, &filePath)
		if err != nil {
			s.logger.Warn().Err(err).Str("chunk_id", h.chunkID).Msg("Failed to fetch chunk details")
			continue
		}

		results = append(results, SearchResult{
			ChunkID:      h.chunkID,
			FilePath:     filePath,
			Content:      content,
			Score:        h.score,
			VectorScore:  h.vectorScore,
			KeywordScore: h.keywordScore,
		})
	}
	return results
}

// Sync reindexes every markdown file in the workspace
func (s *Store) Sync(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return errors.New("sync already in progress")
	}
	s.isSyncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		s.isDirty = false
		now := time.Now()
		s.lastSyncTime = &now
		s.mu.Unlock()
	}()

	start := time.Now()

	var mdFiles []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			relPath, _ := filepath.Rel(s.dir, path)
			mdFiles = append(mdFiles, relPath)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk memory dir: %w", err)
	}

	filesIndexed := 0
	filesSkipped := 0
	chunksCreated := 0
	for _, relPath := range mdFiles {
		indexed, chunks, err := s.indexFile(ctx, filepath.Join(s.dir, relPath), relPath)
		if err != nil {
			logger.Warn().Err(err).Str("file", relPath).Msg("Failed to index file")
			continue
		}
		if indexed {
			filesIndexed++
			chunksCreated += chunks
		} else {
			filesSkipped++
		}
	}

	pruned, err := s.pruneDeletedFiles(mdFiles)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
	}

	logger.Info().
		Int("files_indexed", filesIndexed).
		Int("files_skipped", filesSkipped).
		Int("chunks_created", chunksCreated).
		Int("files_pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Memory sync completed")

	observability.SetMemoryEntries(s.Status().TotalChunks)
	return nil
}

func (s *Store) indexFile(ctx context.Context, fullPath, relPath string) (bool, int, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return false, 0, err
	}

	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err = s.db.QueryRow("SELECT content_hash FROM files WHERE path = ?", relPath).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	// Replacing the file record cascades into chunks
	if _, err := tx.Exec("DELETE FROM files WHERE path = ?", relPath); err != nil {
		return false, 0, err
	}
	if _, err := tx.Exec("DELETE FROM chunks_fts WHERE chunk_id LIKE ?", relPath+"#%"); err != nil {
		return false, 0, err
	}

	stat, _ := os.Stat(fullPath)
	result, err := tx.Exec(
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		relPath, contentHash, time.Now().Unix(), stat.Size(),
	)
	if err != nil {
		return false, 0, err
	}
	fileID, _ := result.LastInsertId()

	chunks := chunkContent(string(content))
	for i, ch := range chunks {
		chunkID := fmt.Sprintf("%s#%d", relPath, i)

		if _, err := tx.Exec(
			"INSERT INTO chunks (id, file_id, content, start_offset, end_offset) VALUES (?, ?, ?, ?, ?)",
			chunkID, fileID, ch.content, ch.startOffset, ch.endOffset,
		); err != nil {
			return false, 0, err
		}
		if _, err := tx.Exec(
			"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)",
			chunkID, ch.content,
		); err != nil {
			return false, 0, err
		}

		if s.embeddings != nil {
			if err := s.storeEmbedding(ctx, tx, chunkID, ch.content); err != nil {
				s.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

func (s *Store) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	contentHashBytes := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(contentHashBytes[:])

	var cachedEmbedding []byte
	err := tx.QueryRow("SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cachedEmbedding)

	var embedding []float32
	if err == nil {
		s.stats.cacheHits++
		if err := json.Unmarshal(cachedEmbedding, &embedding); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		s.stats.cacheMisses++
		embedding, err = s.embeddings.GenerateEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}

		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, embeddingJSON, len(embedding), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding for storage: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, string(embeddingJSON),
	); err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}
	return nil
}

type chunk struct {
	content     string
	startOffset int
	endOffset   int
}

// chunkContent splits markdown into overlapping line-aligned chunks
func chunkContent(content string) []chunk {
	const minSize = 500
	const maxSize = 1000
	const overlap = 50

	var chunks []chunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	currentOffset := 0

	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   currentOffset,
			})

			text := current.String()
			if len(text) > overlap {
				overlapText := text[len(text)-overlap:]
				current.Reset()
				current.WriteString(overlapText)
				startOffset = currentOffset - overlap
			} else {
				current.Reset()
				startOffset = currentOffset
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		currentOffset += lineLen
	}

	if current.Len() >= minSize || len(chunks) == 0 {
		if strings.TrimSpace(current.String()) != "" {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   currentOffset,
			})
		}
	}

	return chunks
}

func (s *Store) pruneDeletedFiles(existingFiles []string) (int, error) {
	rows, err := s.db.Query("SELECT path FROM files")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	existingSet := make(map[string]bool)
	for _, f := range existingFiles {
		existingSet[f] = true
	}

	var toDelete []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return 0, err
		}
		if !existingSet[path] {
			toDelete = append(toDelete, path)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, path := range toDelete {
		if _, err := s.db.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
			return 0, err
		}
		if _, err := s.db.Exec("DELETE FROM chunks_fts WHERE chunk_id LIKE ?", path+"#%"); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// Status reports index counters and sync state
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status Status
	status.IsDirty = s.isDirty
	status.IsSyncing = s.isSyncing
	status.LastSyncTime = s.lastSyncTime

	s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&status.TotalFiles)
	s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&status.TotalChunks)

	total := s.stats.cacheHits + s.stats.cacheMisses
	if total > 0 {
		rate := float64(s.stats.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	return status
}

// MarkDirty flags the index for resync before the next search
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDirty = true
}

// Close stops the watcher and closes the database
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing memory store")
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.db.Close()
}
