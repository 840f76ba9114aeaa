package store

import (
	"math"
	"testing"

	"refsearch/internal/db"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	database, err := db.InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database, 50000, 100)
}

func TestReplaceItemChunksAndSearch(t *testing.T) {
	s := setupTestStore(t)

	chunks := []ChunkRecord{
		{ChunkID: 0, Text: "hello world", Language: "en", Vector: []float32{1, 0, 0}},
		{ChunkID: 1, Text: "foo bar", Language: "en", Vector: []float32{0, 1, 0}},
	}
	if err := s.ReplaceItemChunks("item1", chunks); err != nil {
		t.Fatalf("ReplaceItemChunks: %v", err)
	}

	results, err := s.Search([]float32{1, 0, 0}, 5, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Text != "hello world" {
		t.Errorf("expected top result 'hello world', got %q", results[0].Text)
	}
	if math.Abs(float64(results[0].Score-1.0)) > 1e-3 {
		t.Errorf("expected score ~1.0, got %f", results[0].Score)
	}
}

func TestSearchRespectsThreshold(t *testing.T) {
	s := setupTestStore(t)
	chunks := []ChunkRecord{
		{ChunkID: 0, Text: "orthogonal", Language: "en", Vector: []float32{0, 1, 0}},
	}
	if err := s.ReplaceItemChunks("item1", chunks); err != nil {
		t.Fatalf("ReplaceItemChunks: %v", err)
	}

	results, err := s.Search([]float32{1, 0, 0}, 5, SearchOptions{MinScore: 0.5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results above threshold, got %d", len(results))
	}
}

func TestSearchLanguageFilter(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "english", Language: "en", Vector: []float32{1, 0, 0}}})
	s.ReplaceItemChunks("item2", []ChunkRecord{{ChunkID: 0, Text: "chinese", Language: "zh", Vector: []float32{1, 0, 0}}})

	results, err := s.Search([]float32{1, 0, 0}, 5, SearchOptions{Language: "zh"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ItemKey != "item2" {
		t.Fatalf("expected only the zh item, got %+v", results)
	}
}

func TestSearchDimensionMismatchReturnsEmpty(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0, 0}}})

	results, err := s.Search([]float32{1, 0}, 5, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result on dimension mismatch, got %+v", results)
	}
}

func TestReplaceItemChunksDropsStaleRows(t *testing.T) {
	s := setupTestStore(t)
	if err := s.ReplaceItemChunks("item1", []ChunkRecord{
		{ChunkID: 0, Text: "first version", Vector: []float32{1, 0}},
		{ChunkID: 1, Text: "second chunk", Vector: []float32{0, 1}},
	}); err != nil {
		t.Fatalf("ReplaceItemChunks (1): %v", err)
	}
	if err := s.ReplaceItemChunks("item1", []ChunkRecord{
		{ChunkID: 0, Text: "replaced version", Vector: []float32{1, 0}},
	}); err != nil {
		t.Fatalf("ReplaceItemChunks (2): %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalChunks != 1 {
		t.Fatalf("expected 1 chunk after replace, got %d", stats.TotalChunks)
	}
}

func TestStatsReportsDatabaseSize(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0}}})

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DBSizeBytes <= 0 {
		t.Fatalf("expected a positive DBSizeBytes, got %d", stats.DBSizeBytes)
	}
}

func TestDeleteItemVectors(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0}}})
	s.ReplaceItemChunks("item2", []ChunkRecord{{ChunkID: 0, Text: "b", Vector: []float32{0, 1}}})

	if err := s.DeleteItemVectors("item1", true); err != nil {
		t.Fatalf("DeleteItemVectors: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalItems != 1 || stats.TotalChunks != 1 {
		t.Fatalf("expected 1 item/1 chunk remaining, got %+v", stats)
	}
}

func TestClearAll(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0}}})

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalChunks != 0 {
		t.Fatalf("expected empty store after ClearAll, got %+v", stats)
	}
}

func TestClearPreservesContentCacheButClearAllDoesNot(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0}}})
	if err := s.PutCachedContent("item1", "full text", "hash1"); err != nil {
		t.Fatalf("PutCachedContent: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalChunks != 0 {
		t.Fatalf("expected vectors removed by Clear, got %+v", stats)
	}
	if stats.CachedContentItems != 1 {
		t.Fatalf("expected content cache preserved by Clear, got %+v", stats)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	stats, err = s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CachedContentItems != 0 {
		t.Fatalf("expected content cache removed by ClearAll, got %+v", stats)
	}
}

func TestNeedsReindexByTimestamp(t *testing.T) {
	s := setupTestStore(t)

	needs, err := s.NeedsReindexByTimestamp("item1", 1000, 1000)
	if err != nil {
		t.Fatalf("NeedsReindexByTimestamp: %v", err)
	}
	if !needs {
		t.Fatal("expected reindex needed for item with no status row")
	}

	if err := s.RecordIndexed("item1", 1, "hash1", 1000, 1000); err != nil {
		t.Fatalf("RecordIndexed: %v", err)
	}

	needs, err = s.NeedsReindexByTimestamp("item1", 1000, 1000)
	if err != nil {
		t.Fatalf("NeedsReindexByTimestamp (after record): %v", err)
	}
	if needs {
		t.Fatal("expected no reindex needed when timestamps are unchanged")
	}

	needs, err = s.NeedsReindexByTimestamp("item1", 2000, 1000)
	if err != nil {
		t.Fatalf("NeedsReindexByTimestamp (newer item): %v", err)
	}
	if !needs {
		t.Fatal("expected reindex needed when item_modified advances")
	}
}

func TestNeedsReindexByHash(t *testing.T) {
	s := setupTestStore(t)

	needs, err := s.NeedsReindexByHash("item1", "hash1")
	if err != nil {
		t.Fatalf("NeedsReindexByHash: %v", err)
	}
	if !needs {
		t.Fatal("expected reindex needed for item with no status row")
	}

	if err := s.RecordIndexed("item1", 1, "hash1", 1000, 1000); err != nil {
		t.Fatalf("RecordIndexed: %v", err)
	}

	needs, err = s.NeedsReindexByHash("item1", "hash1")
	if err != nil {
		t.Fatalf("NeedsReindexByHash (same hash): %v", err)
	}
	if needs {
		t.Fatal("expected no reindex needed when content hash is unchanged")
	}

	needs, err = s.NeedsReindexByHash("item1", "hash2")
	if err != nil {
		t.Fatalf("NeedsReindexByHash (changed hash): %v", err)
	}
	if !needs {
		t.Fatal("expected reindex needed when content hash changes")
	}
}

func TestContentCacheRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	if err := s.PutCachedContent("item1", "full extracted text", "hash1"); err != nil {
		t.Fatalf("PutCachedContent: %v", err)
	}

	content, hash, ok, err := s.GetCachedContent("item1")
	if err != nil {
		t.Fatalf("GetCachedContent: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if content != "full extracted text" || hash != "hash1" {
		t.Fatalf("unexpected cached content: %q %q", content, hash)
	}

	_, _, ok, err = s.GetCachedContent("missing")
	if err != nil {
		t.Fatalf("GetCachedContent (missing): %v", err)
	}
	if ok {
		t.Fatal("expected cache miss for unknown item")
	}
}

func TestFindSimilarExcludesSelf(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0, 0}}})
	s.ReplaceItemChunks("item2", []ChunkRecord{{ChunkID: 0, Text: "b", Vector: []float32{0.9, 0.1, 0}}})

	results, err := s.FindSimilar("item1", 5)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	for _, r := range results {
		if r.ItemKey == "item1" {
			t.Fatalf("expected FindSimilar to exclude the source item, got %+v", r)
		}
	}
	if len(results) != 1 || results[0].ItemKey != "item2" {
		t.Fatalf("expected item2 as the sole neighbor, got %+v", results)
	}
}

func TestShouldUseInt8AppliesFilterToBothCounts(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("zh-item", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 0}, Language: "zh"}})
	s.ReplaceItemChunks("en-item", []ChunkRecord{{ChunkID: 0, Text: "b", Vector: []float32{0, 1}, Language: "en"}})

	// Leave the en row unquantized; the zh row keeps the quantization
	// ReplaceItemChunks always writes. A scan filtered to zh alone should
	// see a 100% quantized fraction and ignore the unquantized en row.
	if _, err := s.db.Exec(`UPDATE embeddings SET vector_i8 = NULL WHERE item_key = 'en-item'`); err != nil {
		t.Fatalf("setup: clear vector_i8: %v", err)
	}

	where, args := buildSearchFilter(SearchOptions{Language: "zh"})
	useInt8, err := s.shouldUseInt8(where, args)
	if err != nil {
		t.Fatalf("shouldUseInt8: %v", err)
	}
	if !useInt8 {
		t.Fatal("expected the zh-filtered scan to be fully quantized and prefer the Int8 path")
	}

	where, args = buildSearchFilter(SearchOptions{Language: "en"})
	useInt8, err = s.shouldUseInt8(where, args)
	if err != nil {
		t.Fatalf("shouldUseInt8: %v", err)
	}
	if useInt8 {
		t.Fatal("expected the en-filtered scan, all unquantized, to fall back to the float32 path")
	}
}

func TestMigrateToInt8BackfillsExistingRows(t *testing.T) {
	s := setupTestStore(t)
	s.ReplaceItemChunks("item1", []ChunkRecord{{ChunkID: 0, Text: "a", Vector: []float32{1, 2, 3}}})

	// Simulate a pre-quantization row by clearing vector_i8 directly.
	if _, err := s.db.Exec(`UPDATE embeddings SET vector_i8 = NULL WHERE item_key = 'item1'`); err != nil {
		t.Fatalf("setup: clear vector_i8: %v", err)
	}

	migrated, err := s.MigrateToInt8()
	if err != nil {
		t.Fatalf("MigrateToInt8: %v", err)
	}
	if migrated != 1 {
		t.Fatalf("expected 1 row migrated, got %d", migrated)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.QuantizedChunks != 1 {
		t.Fatalf("expected 1 quantized chunk after migration, got %d", stats.QuantizedChunks)
	}
}
