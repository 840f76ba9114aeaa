// Package prefs persists small JSON preference documents to a caller-owned
// data directory: index progress, cumulative usage counters, and the
// active embedding configuration snapshot. Each document lives in its own
// file and is written independently, in the single-writer os.WriteFile
// idiom the rest of this module uses for small persisted state — there is
// no shared store or schema across the three.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	indexProgressFile  = "index_progress.json"
	usageCountersFile  = "usage_counters.json"
	embeddingConfigFile = "embedding_config.json"
)

// Store reads and writes the preference documents under dir.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir. dir is created on first write if it
// does not already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// IndexProgress is the resumable indexing pipeline's persisted checkpoint.
type IndexProgress struct {
	State        string          `json:"state"`
	TotalItems   int             `json:"total_items"`
	Processed    int             `json:"processed"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	FailedItems  map[string]string `json:"failed_items"`
	LastItemKey  string          `json:"last_item_key,omitempty"`
}

// UsageCounters mirrors internal/embedding.UsageCounters' persisted fields.
type UsageCounters struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalTexts      int64   `json:"total_texts"`
	TotalTokens     int64   `json:"total_tokens"`
	RateLimitHits   int64   `json:"rate_limit_hits"`
	EstimatedCost   float64 `json:"estimated_cost"`
	SessionRequests int64   `json:"session_requests"`
	SessionTexts    int64   `json:"session_texts"`
	SessionTokens   int64   `json:"session_tokens"`
}

// EmbeddingConfigSnapshot is the subset of embedding configuration worth
// round-tripping to disk independently of the rest of Config, so a host
// application can show "last known model/dimensions" without loading the
// full configuration file.
type EmbeddingConfigSnapshot struct {
	APIBase    string `json:"api_base"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// LoadIndexProgress reads the persisted indexing checkpoint. If no file
// exists, it returns a zero-value IndexProgress with State "idle" and no
// error.
func (s *Store) LoadIndexProgress() (IndexProgress, error) {
	var p IndexProgress
	found, err := s.load(indexProgressFile, &p)
	if err != nil {
		return IndexProgress{}, err
	}
	if !found {
		return IndexProgress{State: "idle", FailedItems: map[string]string{}}, nil
	}
	if p.FailedItems == nil {
		p.FailedItems = map[string]string{}
	}
	return p, nil
}

// SaveIndexProgress persists the indexing checkpoint.
func (s *Store) SaveIndexProgress(p IndexProgress) error {
	return s.save(indexProgressFile, p)
}

// LoadUsageCounters reads the persisted usage counters, returning a
// zero-value UsageCounters if no file exists yet.
func (s *Store) LoadUsageCounters() (UsageCounters, error) {
	var u UsageCounters
	if _, err := s.load(usageCountersFile, &u); err != nil {
		return UsageCounters{}, err
	}
	return u, nil
}

// SaveUsageCounters persists the usage counters.
func (s *Store) SaveUsageCounters(u UsageCounters) error {
	return s.save(usageCountersFile, u)
}

// LoadEmbeddingConfigSnapshot reads the last-saved embedding configuration
// snapshot, returning a zero value if none exists.
func (s *Store) LoadEmbeddingConfigSnapshot() (EmbeddingConfigSnapshot, error) {
	var c EmbeddingConfigSnapshot
	if _, err := s.load(embeddingConfigFile, &c); err != nil {
		return EmbeddingConfigSnapshot{}, err
	}
	return c, nil
}

// SaveEmbeddingConfigSnapshot persists the embedding configuration
// snapshot.
func (s *Store) SaveEmbeddingConfigSnapshot(c EmbeddingConfigSnapshot) error {
	return s.save(embeddingConfigFile, c)
}

func (s *Store) load(name string, out interface{}) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("prefs: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("prefs: parse %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) save(name string, in interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("prefs: create data dir: %w", err)
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("prefs: marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0600); err != nil {
		return fmt.Errorf("prefs: write %s: %w", name, err)
	}
	return nil
}
