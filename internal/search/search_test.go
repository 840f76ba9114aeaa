package search

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refsearch/internal/db"
	"refsearch/internal/embedding"
	"refsearch/internal/host"
	"refsearch/internal/store"
)

type fakeHost struct {
	meta map[host.ItemKey]host.ItemMetadata
}

func (f *fakeHost) ListRegularItems() ([]host.ItemKey, error) { return nil, nil }

func (f *fakeHost) GetItemMetadata(key host.ItemKey) (host.ItemMetadata, error) {
	m, ok := f.meta[key]
	if !ok {
		return host.ItemMetadata{}, fmt.Errorf("unknown item %s", key)
	}
	return m, nil
}

func (f *fakeHost) GetAttachmentModified(attachmentKey string) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeHost) ExtractPDFText(filePath string, timeout time.Duration) (string, error) {
	return "", nil
}

func (f *fakeHost) GetNotesAndAnnotations(key host.ItemKey) (host.NotesAndAnnotations, error) {
	return host.NotesAndAnnotations{}, nil
}

type embReqBody struct {
	Input []string `json:"input"`
}

type embRespData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embResp struct {
	Data []embRespData `json:"data"`
}

// newQueryEmbeddingServer returns the fixed vector for every request,
// regardless of the input text — tests supply distinct stored vectors
// and assert on ranking, not on embedding content.
func newQueryEmbeddingServer(t *testing.T, vector []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embReqBody
		json.NewDecoder(r.Body).Decode(&req)
		resp := embResp{}
		for i := range req.Input {
			resp.Data = append(resp.Data, embRespData{Embedding: vector, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func setupCoordinator(t *testing.T, vector []float32, h host.Library) (*Coordinator, *store.Store) {
	t.Helper()
	path := t.TempDir() + "/test.db"
	database, err := db.InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	st := store.New(database, 50000, 100)

	srv := newQueryEmbeddingServer(t, vector)
	t.Cleanup(srv.Close)

	cfg := embedding.DefaultConfig()
	cfg.APIBase = srv.URL
	cfg.Model = "test-model"
	ec := embedding.NewClient(cfg)

	return New(st, ec, h), st
}

func TestSearchRanksByMaxChunkScoreAndHydratesMetadata(t *testing.T) {
	h := &fakeHost{meta: map[host.ItemKey]host.ItemMetadata{
		"item1": {Title: "First Paper", Year: 2020},
		"item2": {Title: "Second Paper", Year: 2021},
	}}
	c, st := setupCoordinator(t, []float32{1, 0, 0}, h)

	st.ReplaceItemChunks("item1", []store.ChunkRecord{
		{ChunkID: 0, Text: "weak match", Language: "en", Vector: []float32{0.5, 0.5, 0}},
	})
	st.ReplaceItemChunks("item2", []store.ChunkRecord{
		{ChunkID: 0, Text: "strong match", Language: "en", Vector: []float32{1, 0, 0}},
	})

	results, err := c.Search("query text", Options{TopK: 5, MinScore: 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ItemKey != "item2" {
		t.Fatalf("expected item2 ranked first, got %+v", results[0])
	}
	if results[0].Metadata.Title != "Second Paper" {
		t.Fatalf("expected hydrated metadata, got %+v", results[0].Metadata)
	}
}

func TestSearchCapsChunksPerItemAtThree(t *testing.T) {
	h := &fakeHost{meta: map[host.ItemKey]host.ItemMetadata{"item1": {Title: "Paper"}}}
	c, st := setupCoordinator(t, []float32{1, 0}, h)

	chunks := make([]store.ChunkRecord, 5)
	for i := range chunks {
		chunks[i] = store.ChunkRecord{ChunkID: i, Text: fmt.Sprintf("chunk %d", i), Language: "en", Vector: []float32{1, 0}}
	}
	st.ReplaceItemChunks("item1", chunks)

	results, err := c.Search("query", Options{TopK: 5, MinScore: 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 item, got %d", len(results))
	}
	if len(results[0].Chunks) != 3 {
		t.Fatalf("expected at most 3 chunks per item, got %d", len(results[0].Chunks))
	}
}

func TestSearchTruncatesToTopK(t *testing.T) {
	meta := map[host.ItemKey]host.ItemMetadata{}
	h := &fakeHost{meta: meta}
	c, st := setupCoordinator(t, []float32{1, 0}, h)

	for i := 0; i < 5; i++ {
		key := host.ItemKey(fmt.Sprintf("item%d", i))
		meta[key] = host.ItemMetadata{Title: string(key)}
		st.ReplaceItemChunks(string(key), []store.ChunkRecord{{ChunkID: 0, Text: "x", Language: "en", Vector: []float32{1, 0}}})
	}

	results, err := c.Search("query", Options{TopK: 2, MinScore: 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected results truncated to top_k=2, got %d", len(results))
	}
}

func TestFindSimilarHydratesMetadata(t *testing.T) {
	h := &fakeHost{meta: map[host.ItemKey]host.ItemMetadata{
		"item1": {Title: "Source"},
		"item2": {Title: "Neighbor"},
	}}
	c, st := setupCoordinator(t, []float32{1, 0, 0}, h)

	st.ReplaceItemChunks("item1", []store.ChunkRecord{{ChunkID: 0, Text: "a", Language: "en", Vector: []float32{1, 0, 0}}})
	st.ReplaceItemChunks("item2", []store.ChunkRecord{{ChunkID: 0, Text: "b", Language: "en", Vector: []float32{0.9, 0.1, 0}}})

	results, err := c.FindSimilar("item1", 5)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(results) != 1 || results[0].ItemKey != "item2" {
		t.Fatalf("expected item2 as sole neighbor, got %+v", results)
	}
	if results[0].Metadata.Title != "Neighbor" {
		t.Fatalf("expected hydrated metadata, got %+v", results[0].Metadata)
	}
}
