package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"refsearch/internal/embedding"
)

type fakeEmbeddingServer struct {
	*httptest.Server
	mu       sync.Mutex
	numCalls int
}

func (s *fakeEmbeddingServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numCalls
}

type embeddingRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponseBody struct {
	Data []embeddingDataBody `json:"data"`
}

type embeddingDataBody struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// newFakeEmbeddingServer returns a three-dimensional deterministic
// embedding for each input text, whose first component is the text's
// length, so distinct texts score distinctly without needing a real model.
func newFakeEmbeddingServer(t *testing.T) *fakeEmbeddingServer {
	t.Helper()
	s := &fakeEmbeddingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.numCalls++
		s.mu.Unlock()

		var req embeddingRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := embeddingResponseBody{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, embeddingDataBody{
				Embedding: []float32{float32(len(text)), 1, 0},
				Index:     i,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	return s
}

// newAuthFailureServer always returns HTTP 401, used to exercise the
// pipeline's auto-pause-on-auth-error path.
func newAuthFailureServer(t *testing.T) *fakeEmbeddingServer {
	t.Helper()
	s := &fakeEmbeddingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.numCalls++
		s.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "invalid api key"},
		})
	}))
	return s
}

func testEmbedConfig(apiBase string) embedding.Config {
	cfg := embedding.DefaultConfig()
	cfg.APIBase = apiBase
	cfg.Model = "test-model"
	cfg.MaxRetries = 1
	return cfg
}
