package refsearch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refsearch/internal/host"
	"refsearch/internal/pipeline"
)

// --- fake host ---

type fakeItem struct {
	meta host.ItemMetadata
	na   host.NotesAndAnnotations
}

type fakeHost struct {
	items map[host.ItemKey]fakeItem
}

func newFakeHost() *fakeHost { return &fakeHost{items: map[host.ItemKey]fakeItem{}} }

func (h *fakeHost) addItem(key host.ItemKey, title, abstract string) {
	h.items[key] = fakeItem{
		meta: host.ItemMetadata{Title: title, Year: 2024, DateModified: time.Unix(1000, 0)},
		na:   host.NotesAndAnnotations{Title: title, Abstract: abstract},
	}
}

func (h *fakeHost) ListRegularItems() ([]host.ItemKey, error) {
	keys := make([]host.ItemKey, 0, len(h.items))
	for k := range h.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (h *fakeHost) GetItemMetadata(key host.ItemKey) (host.ItemMetadata, error) {
	return h.items[key].meta, nil
}

func (h *fakeHost) GetAttachmentModified(attachmentKey string) (time.Time, error) {
	return time.Unix(1000, 0), nil
}

func (h *fakeHost) ExtractPDFText(filePath string, timeout time.Duration) (string, error) {
	return "", nil
}

func (h *fakeHost) GetNotesAndAnnotations(key host.ItemKey) (host.NotesAndAnnotations, error) {
	return h.items[key].na, nil
}

// --- fake embedding server ---

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

func newFakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embReqBody
		json.NewDecoder(r.Body).Decode(&req)
		resp := embResp{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, embRespData{Embedding: []float32{float32(len(text)), 1, 0}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func setupLibrary(t *testing.T, h host.Library, apiBase string) *Library {
	t.Helper()
	dataDir := t.TempDir()
	lib, err := NewLibrary(dataDir, h)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	t.Cleanup(func() { lib.Close() })

	cfg := lib.Config().Embedding
	cfg.APIBase = apiBase
	cfg.Model = "test-model"
	if err := lib.SetEmbeddingConfig(cfg); err != nil {
		t.Fatalf("SetEmbeddingConfig: %v", err)
	}
	return lib
}

func TestNewLibraryBuildsIndex(t *testing.T) {
	h := newFakeHost()
	h.addItem("item1", "First Paper", "about apples")
	h.addItem("item2", "Second Paper", "about oranges")

	srv := newFakeEmbeddingServer(t)
	t.Cleanup(srv.Close)

	lib := setupLibrary(t, h, srv.URL)

	if err := lib.BuildIndex(pipeline.BuildOptions{}); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	prog := lib.Progress()
	if prog.State != pipeline.StateCompleted {
		t.Fatalf("expected completed state, got %v", prog.State)
	}
	if prog.Succeeded != 2 {
		t.Fatalf("expected 2 items succeeded, got %d", prog.Succeeded)
	}

	stats, err := lib.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalItems != 2 {
		t.Fatalf("expected 2 indexed items, got %d", stats.TotalItems)
	}
}

func TestNewLibraryResumableReflectsPersistedCheckpoint(t *testing.T) {
	h := newFakeHost()
	_, resumable, err := setupLibrary(t, h, "http://127.0.0.1:0").Resumable()
	if err != nil {
		t.Fatalf("Resumable: %v", err)
	}
	if resumable {
		t.Fatal("expected no resumable checkpoint for a freshly created library")
	}
}

func TestLibraryClearPreservesAbilityToRebuild(t *testing.T) {
	h := newFakeHost()
	h.addItem("item1", "Only Paper", "some text")

	srv := newFakeEmbeddingServer(t)
	t.Cleanup(srv.Close)

	lib := setupLibrary(t, h, srv.URL)
	if err := lib.BuildIndex(pipeline.BuildOptions{}); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if err := lib.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if err := lib.BuildIndex(pipeline.BuildOptions{}); err != nil {
		t.Fatalf("BuildIndex after Clear: %v", err)
	}
	stats, err := lib.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalItems != 1 {
		t.Fatalf("expected 1 indexed item after rebuild, got %d", stats.TotalItems)
	}
}
