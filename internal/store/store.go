package store

import (
	"container/heap"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"refsearch/internal/mathkernel"
)

// ChunkRecord is one chunk's text and embedding, ready to be written for an
// item. ChunkID is the chunk's position within the item (0-based), not a
// database row id.
type ChunkRecord struct {
	ChunkID  int
	Text     string
	Language string
	Vector   []float32
}

// ScoredChunk is one chunk returned from a similarity query, together with
// its cosine score against the query vector.
type ScoredChunk struct {
	ItemKey  string
	ChunkID  int
	Text     string
	Language string
	Score    float32
}

// Stats summarizes the current contents of the vector store.
type Stats struct {
	TotalChunks        int
	TotalItems         int
	QuantizedChunks    int
	ZhChunks           int
	EnChunks           int
	CachedContentItems int
	CachedContentBytes int64
	StoredDimensions   int
	DBSizeBytes        int64
}

// int8Threshold is the fraction of rows that must already carry an Int8
// quantization before Search prefers the Int8 comparison path over the
// float32 fallback. Below this, the table is assumed to be mid-migration
// and the canonical float32 vectors are used instead so results don't
// silently degrade in precision for the unquantized minority.
const int8Threshold = 0.9

// Store is the SQLite-backed nearest-neighbor index over chunk embeddings.
// Reads stream the table in bounded batches rather than loading the full
// matrix into memory, trading some query latency on large libraries for a
// constant memory footprint.
type Store struct {
	db            *sql.DB
	mu            sync.RWMutex
	scanBatchSize int
	cache         *contentCache
}

// New constructs a Store over an already-initialized database (see
// internal/db.InitDB). scanBatchSize bounds how many rows a single
// LIMIT/OFFSET page pulls during a scan; cacheCapacity bounds the
// in-process LRU cache of extracted full-text content.
func New(db *sql.DB, scanBatchSize, cacheCapacity int) *Store {
	if scanBatchSize <= 0 {
		scanBatchSize = 50000
	}
	if cacheCapacity <= 0 {
		cacheCapacity = 1000
	}
	return &Store{
		db:            db,
		scanBatchSize: scanBatchSize,
		cache:         newContentCache(cacheCapacity),
	}
}

// ReplaceItemChunks atomically drops every existing chunk for itemKey and
// inserts chunks in its place. Called once per reindexed item so a partial
// previous indexing (different chunk count, stale text) never lingers
// alongside the new rows.
func (s *Store) ReplaceItemChunks(itemKey string, chunks []ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embeddings WHERE item_key = ?`, itemKey); err != nil {
		return fmt.Errorf("store: delete existing chunks for %s: %w", itemKey, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO embeddings
		(item_key, chunk_id, chunk_text, language, dimensions, vector_f32, vector_i8, scale, norm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		q, scale, norm := mathkernel.Quantize(c.Vector)
		if _, err := stmt.Exec(
			itemKey, c.ChunkID, c.Text, c.Language, len(c.Vector),
			serializeF32(c.Vector), encodeI8(q), scale, norm,
		); err != nil {
			return fmt.Errorf("store: insert chunk %d for %s: %w", c.ChunkID, itemKey, err)
		}
	}

	return tx.Commit()
}

// DeleteItemVectors removes every chunk and the index status row belonging
// to itemKey. The content cache entry is preserved unless
// deleteContentCache is set — a re-index of the same item still wants its
// last extracted text on hand to skip PDF re-extraction.
func (s *Store) DeleteItemVectors(itemKey string, deleteContentCache bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embeddings WHERE item_key = ?`, itemKey); err != nil {
		return fmt.Errorf("store: delete chunks for %s: %w", itemKey, err)
	}
	if _, err := tx.Exec(`DELETE FROM index_status WHERE item_key = ?`, itemKey); err != nil {
		return fmt.Errorf("store: delete index status for %s: %w", itemKey, err)
	}
	if deleteContentCache {
		if _, err := tx.Exec(`DELETE FROM content_cache WHERE item_key = ?`, itemKey); err != nil {
			return fmt.Errorf("store: delete content cache for %s: %w", itemKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if deleteContentCache {
		s.cache.remove(itemKey)
	}
	return nil
}

// Clear removes every chunk and index status row but leaves content_cache
// intact, then reclaims freed space with VACUUM.
func (s *Store) Clear() error {
	if err := s.clearTables([]string{"embeddings", "index_status"}); err != nil {
		return err
	}
	s.mu.Lock()
	_, err := s.db.Exec("VACUUM")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: vacuum after clear: %w", err)
	}
	return nil
}

// ClearAll removes every chunk, status row, and content cache entry.
func (s *Store) ClearAll() error {
	if err := s.clearTables([]string{"embeddings", "index_status", "content_cache"}); err != nil {
		return err
	}
	s.cache.clear()
	s.mu.Lock()
	_, err := s.db.Exec("VACUUM")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: vacuum after clear all: %w", err)
	}
	return nil
}

func (s *Store) clearTables(tables []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// scoredRow pairs a database row's identity with its computed score, for
// use as a heap element.
type scoredRow struct {
	itemKey  string
	chunkID  int
	text     string
	language string
	score    float32
}

// minHeap is a bounded min-heap of scoredRow ordered by ascending score, so
// the lowest-scoring retained candidate always sits at the root and is the
// cheapest to evict when a better candidate arrives.
type minHeap []scoredRow

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(scoredRow)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SearchOptions narrows a Search call. A zero-value SearchOptions matches
// every row.
type SearchOptions struct {
	Language  string // "" or "all" means no language filter
	ItemKeys  []string
	MinScore  float32
}

// Search returns the topK chunks with the highest cosine similarity to
// queryVector, scanning the table in scanBatchSize pages so memory use
// stays bounded regardless of library size. If the first stored row's
// dimensions differ from len(queryVector), Search returns an empty result;
// any other row whose vector length differs from the query's is skipped
// rather than compared.
func (s *Store) Search(queryVector []float32, topK int, opts SearchOptions) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	mismatch, err := s.dimensionMismatch(len(queryVector))
	if err != nil {
		return nil, err
	}
	if mismatch {
		return []ScoredChunk{}, nil
	}

	where, args := buildSearchFilter(opts)

	useInt8, err := s.shouldUseInt8(where, args)
	if err != nil {
		return nil, err
	}

	qq, qScale, qNorm := mathkernel.Quantize(queryVector)

	h := &minHeap{}
	heap.Init(h)

	offset := 0
	for {
		queryArgs := append(append([]interface{}{}, args...), s.scanBatchSize, offset)
		rows, err := s.db.Query(
			fmt.Sprintf(`SELECT item_key, chunk_id, chunk_text, language, vector_f32, vector_i8, scale, norm
			 FROM embeddings %s ORDER BY id LIMIT ? OFFSET ?`, where),
			queryArgs...)
		if err != nil {
			return nil, fmt.Errorf("store: scan query: %w", err)
		}

		batchCount := 0
		for rows.Next() {
			batchCount++
			var (
				itemKey, text, language string
				chunkID                 int
				vecF32Blob              []byte
				vecI8Text               sql.NullString
				scale, norm             float64
			)
			if err := rows.Scan(&itemKey, &chunkID, &text, &language, &vecF32Blob, &vecI8Text, &scale, &norm); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: scan row: %w", err)
			}

			score, ok, err := s.scoreRow(useInt8, queryVector, qq, qScale, qNorm, vecF32Blob, vecI8Text, float32(scale), float32(norm))
			if err != nil {
				rows.Close()
				return nil, err
			}
			if !ok || score < opts.MinScore {
				continue
			}

			row := scoredRow{itemKey: itemKey, chunkID: chunkID, text: text, language: language, score: score}
			if h.Len() < topK {
				heap.Push(h, row)
			} else if h.Len() > 0 && score > (*h)[0].score {
				heap.Pop(h)
				heap.Push(h, row)
			}
		}
		closeErr := rows.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("store: close scan rows: %w", closeErr)
		}

		if batchCount < s.scanBatchSize {
			break
		}
		offset += s.scanBatchSize
	}

	out := make([]ScoredChunk, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		r := heap.Pop(h).(scoredRow)
		out[i] = ScoredChunk{ItemKey: r.itemKey, ChunkID: r.chunkID, Text: r.text, Language: r.language, Score: r.score}
	}
	return out, nil
}

// scoreRow computes the cosine similarity between the query and one row,
// using the Int8 path when useInt8 is true and the row carries a
// quantization, falling back to float32 otherwise.
func (s *Store) scoreRow(useInt8 bool, queryVector []float32, qq []int8, qScale, qNorm float32, vecF32Blob []byte, vecI8Text sql.NullString, scale, norm float32) (float32, bool, error) {
	if useInt8 && vecI8Text.Valid {
		rq, err := decodeI8(vecI8Text.String)
		if err != nil {
			return 0, false, err
		}
		if len(rq) != len(qq) {
			return 0, false, nil
		}
		return mathkernel.CosineI8(qq, qScale, qNorm, rq, scale, norm), true, nil
	}

	vec, err := deserializeF32(vecF32Blob)
	if err != nil {
		return 0, false, err
	}
	if len(vec) != len(queryVector) {
		return 0, false, nil
	}
	return mathkernel.CosineF32(queryVector, vec), true, nil
}

// shouldUseInt8 reports whether the fraction of rows matching where/args
// that carry an Int8 quantization meets int8Threshold. The same filter
// clause applied to the scan itself is used here, so a language-scoped
// search whose matching rows are already fully quantized isn't forced onto
// the float32 path just because the rest of the table isn't.
func (s *Store) shouldUseInt8(where string, args []interface{}) (bool, error) {
	var total, quantized int
	if err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM embeddings %s`, where), args...,
	).Scan(&total); err != nil {
		return false, fmt.Errorf("store: count rows: %w", err)
	}
	if total == 0 {
		return false, nil
	}
	quantizedWhere, quantizedArgs := appendFilterClause(where, args, "vector_i8 IS NOT NULL")
	if err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM embeddings %s`, quantizedWhere), quantizedArgs...,
	).Scan(&quantized); err != nil {
		return false, fmt.Errorf("store: count quantized rows: %w", err)
	}
	return float64(quantized)/float64(total) >= int8Threshold, nil
}

// appendFilterClause adds an extra AND-ed condition to an existing
// WHERE/args pair built by buildSearchFilter, producing a new WHERE clause
// without mutating the caller's args slice.
func appendFilterClause(where string, args []interface{}, extra string) (string, []interface{}) {
	newArgs := append([]interface{}{}, args...)
	if where == "" {
		return "WHERE " + extra, newArgs
	}
	return where + " AND " + extra, newArgs
}

// dimensionMismatch probes one row's stored dimensions against wantDim.
// An empty store never mismatches — there is nothing to compare against.
func (s *Store) dimensionMismatch(wantDim int) (bool, error) {
	var storedDim int
	err := s.db.QueryRow(`SELECT dimensions FROM embeddings LIMIT 1`).Scan(&storedDim)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: probe stored dimensions: %w", err)
	}
	return storedDim != wantDim, nil
}

// buildSearchFilter renders opts into a SQL WHERE clause and its bound
// arguments, applied identically to every scan page.
func buildSearchFilter(opts SearchOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if opts.Language != "" && opts.Language != "all" {
		clauses = append(clauses, "language = ?")
		args = append(args, opts.Language)
	}
	if len(opts.ItemKeys) > 0 {
		placeholders := make([]string, len(opts.ItemKeys))
		for i, k := range opts.ItemKeys {
			placeholders[i] = "?"
			args = append(args, k)
		}
		clauses = append(clauses, "item_key IN ("+strings.Join(placeholders, ", ")+")")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// FindSimilar returns the topK chunks, excluding itemKey's own chunks, most
// similar to itemKey's first stored chunk vector.
func (s *Store) FindSimilar(itemKey string, topK int) ([]ScoredChunk, error) {
	query, err := s.firstChunkVector(itemKey)
	if err != nil {
		return nil, err
	}
	if query == nil {
		return nil, nil
	}

	// Overfetch so that excluding itemKey's own chunks still leaves topK
	// results for items with few distinct neighbors nearby.
	candidates, err := s.Search(query, topK*3+1, SearchOptions{})
	if err != nil {
		return nil, err
	}

	out := make([]ScoredChunk, 0, topK)
	for _, c := range candidates {
		if c.ItemKey == itemKey {
			continue
		}
		out = append(out, c)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// firstChunkVector returns itemKey's lowest-chunk_id stored vector, the
// query point used to find items similar to it.
func (s *Store) firstChunkVector(itemKey string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRow(
		`SELECT vector_f32 FROM embeddings WHERE item_key = ? ORDER BY chunk_id ASC LIMIT 1`,
		itemKey,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query first chunk vector: %w", err)
	}
	return deserializeF32(blob)
}

// NeedsReindexByTimestamp reports whether itemKey has no index_status row,
// or its stored item/attachment modification times are older than the
// ones supplied. This is the cheap first change-detection pass, run before
// any extraction or hashing.
func (s *Store) NeedsReindexByTimestamp(itemKey string, itemModifiedUnix, attachmentModifiedUnix int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var storedItemMod, storedAttachMod sql.NullInt64
	err := s.db.QueryRow(
		`SELECT strftime('%s', item_modified), strftime('%s', attachment_modified) FROM index_status WHERE item_key = ?`,
		itemKey,
	).Scan(&storedItemMod, &storedAttachMod)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query index status for %s: %w", itemKey, err)
	}

	if !storedItemMod.Valid || storedItemMod.Int64 < itemModifiedUnix {
		return true, nil
	}
	if !storedAttachMod.Valid || storedAttachMod.Int64 < attachmentModifiedUnix {
		return true, nil
	}
	return false, nil
}

// NeedsReindexByHash reports whether contentHash differs from the hash
// recorded for itemKey's last indexed content, the slower second pass the
// pipeline runs after the timestamp check has reported a change.
func (s *Store) NeedsReindexByHash(itemKey, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var storedHash string
	err := s.db.QueryRow(`SELECT content_hash FROM index_status WHERE item_key = ?`, itemKey).Scan(&storedHash)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query content hash for %s: %w", itemKey, err)
	}
	return storedHash != contentHash, nil
}

// RecordIndexed upserts itemKey's index_status row after a successful
// reindex.
func (s *Store) RecordIndexed(itemKey string, chunkCount int, contentHash string, itemModifiedUnix, attachmentModifiedUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO index_status (item_key, indexed_at, version, chunk_count, content_hash, item_modified, attachment_modified)
		VALUES (?, CURRENT_TIMESTAMP, 1, ?, ?, datetime(?, 'unixepoch'), datetime(?, 'unixepoch'))
		ON CONFLICT(item_key) DO UPDATE SET
			indexed_at = CURRENT_TIMESTAMP,
			version = index_status.version + 1,
			chunk_count = excluded.chunk_count,
			content_hash = excluded.content_hash,
			item_modified = excluded.item_modified,
			attachment_modified = excluded.attachment_modified
	`, itemKey, chunkCount, contentHash, itemModifiedUnix, attachmentModifiedUnix)
	if err != nil {
		return fmt.Errorf("store: record indexed status for %s: %w", itemKey, err)
	}
	return nil
}

// IndexedItemKeys returns every item_key with an index_status row, used by
// the pipeline to filter an incremental (non-rebuild) run down to items
// not yet indexed.
func (s *Store) IndexedItemKeys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT item_key FROM index_status`)
	if err != nil {
		return nil, fmt.Errorf("store: query indexed item keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan indexed item key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RefreshTimestamps updates only the item_modified/attachment_modified
// columns of an existing index_status row, used when content is unchanged
// and a full reindex (with its version bump) is unnecessary.
func (s *Store) RefreshTimestamps(itemKey string, itemModifiedUnix, attachmentModifiedUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE index_status SET item_modified = datetime(?, 'unixepoch'), attachment_modified = datetime(?, 'unixepoch') WHERE item_key = ?`,
		itemModifiedUnix, attachmentModifiedUnix, itemKey,
	)
	if err != nil {
		return fmt.Errorf("store: refresh timestamps for %s: %w", itemKey, err)
	}
	return nil
}

// GetCachedContent returns the cached full extracted text for itemKey, its
// content hash, and whether an entry was found. It first checks the
// in-process LRU cache, falling back to the database on a miss.
func (s *Store) GetCachedContent(itemKey string) (content, hash string, ok bool, err error) {
	if content, hash, ok := s.cache.get(itemKey); ok {
		return content, hash, true, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRow(`SELECT full_content, content_hash FROM content_cache WHERE item_key = ?`, itemKey).Scan(&content, &hash)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("store: query content cache for %s: %w", itemKey, err)
	}
	s.cache.put(itemKey, content, hash)
	return content, hash, true, nil
}

// PutCachedContent stores itemKey's extracted full text and content hash,
// both in the database and the in-process LRU.
func (s *Store) PutCachedContent(itemKey, content, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO content_cache (item_key, full_content, content_hash, cached_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(item_key) DO UPDATE SET
			full_content = excluded.full_content,
			content_hash = excluded.content_hash,
			cached_at = CURRENT_TIMESTAMP
	`, itemKey, content, hash)
	if err != nil {
		return fmt.Errorf("store: put content cache for %s: %w", itemKey, err)
	}
	s.cache.put(itemKey, content, hash)
	return nil
}

// Stats reports the current size of the store.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&st.TotalChunks); err != nil {
		return Stats{}, fmt.Errorf("store: count chunks: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT item_key) FROM embeddings`).Scan(&st.TotalItems); err != nil {
		return Stats{}, fmt.Errorf("store: count items: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings WHERE vector_i8 IS NOT NULL`).Scan(&st.QuantizedChunks); err != nil {
		return Stats{}, fmt.Errorf("store: count quantized: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings WHERE language = 'zh'`).Scan(&st.ZhChunks); err != nil {
		return Stats{}, fmt.Errorf("store: count zh chunks: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings WHERE language = 'en'`).Scan(&st.EnChunks); err != nil {
		return Stats{}, fmt.Errorf("store: count en chunks: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM content_cache`).Scan(&st.CachedContentItems); err != nil {
		return Stats{}, fmt.Errorf("store: count cached content items: %w", err)
	}
	var cachedBytes sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(LENGTH(full_content)) FROM content_cache`).Scan(&cachedBytes); err != nil {
		return Stats{}, fmt.Errorf("store: sum cached content bytes: %w", err)
	}
	st.CachedContentBytes = cachedBytes.Int64
	if err := s.db.QueryRow(`SELECT dimensions FROM embeddings LIMIT 1`).Scan(&st.StoredDimensions); err != nil && err != sql.ErrNoRows {
		return Stats{}, fmt.Errorf("store: probe stored dimensions: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return Stats{}, fmt.Errorf("store: read page_count: %w", err)
	}
	if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Stats{}, fmt.Errorf("store: read page_size: %w", err)
	}
	st.DBSizeBytes = pageCount * pageSize
	return st, nil
}

// MigrateToInt8 backfills vector_i8/scale/norm for every row that predates
// quantization support, verifying each quantization round-trips to the
// original vector's byte length before committing it.
func (s *Store) MigrateToInt8() (migrated int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, vector_f32 FROM embeddings WHERE vector_i8 IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("store: query unquantized rows: %w", err)
	}

	type pending struct {
		id   int64
		blob []byte
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.blob); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan unquantized row: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()

	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin migration: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE embeddings SET vector_i8 = ?, scale = ?, norm = ? WHERE id = ?`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare migration update: %w", err)
	}
	defer stmt.Close()

	for _, p := range batch {
		vec, err := deserializeF32(p.blob)
		if err != nil {
			return 0, fmt.Errorf("store: migrate row %d: %w", p.id, err)
		}
		q, scale, norm := mathkernel.Quantize(vec)
		if len(q) != len(vec) {
			return 0, fmt.Errorf("store: migrate row %d: quantized length %d does not match vector length %d", p.id, len(q), len(vec))
		}
		if _, err := stmt.Exec(encodeI8(q), scale, norm, p.id); err != nil {
			return 0, fmt.Errorf("store: apply migration to row %d: %w", p.id, err)
		}
		migrated++
	}

	return migrated, tx.Commit()
}
