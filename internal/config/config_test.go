package config

import (
	"encoding/hex"
	"path/filepath"
	"testing"
)

func testKey() []byte {
	key, _ := hex.DecodeString("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	return key
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.APIBase = "http://localhost:8080/v1"
	cfg.Embedding.Model = "bge-m3"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with required fields set should validate: %v", err)
	}
}

func TestEmbeddingConfigValidateRequiresAPIBaseAndModel(t *testing.T) {
	cfg := EmbeddingConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api_base and model")
	}
	cfg.APIBase = "http://localhost:8080/v1"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestChunkerConfigValidateRejectsInconsistentBounds(t *testing.T) {
	cfg := ChunkerConfig{MaxChunkSize: 100, MinChunkSize: 200, OverlapSize: 10}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when min_chunk_size exceeds max_chunk_size")
	}
}

func TestVectorConfigValidateRequiresDBPath(t *testing.T) {
	cfg := VectorConfig{ScanBatchSize: 1000, CacheCapacity: 100}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing db_path")
	}
}

func TestPipelineConfigValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := PipelineConfig{Concurrency: 0, ProgressPersistBatches: 5, YieldEveryItems: 10}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestManagerSaveAndLoadRoundTripsEncryptedAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	m, err := NewManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewManagerWithKey: %v", err)
	}
	if err := m.Load(); err != nil {
		t.Fatalf("Load (initial): %v", err)
	}

	embed := m.Get().Embedding
	embed.APIBase = "http://localhost:8080/v1"
	embed.Model = "bge-m3"
	embed.APIKey = "sk-super-secret"
	if err := m.SetEmbedding(embed); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	m2, err := NewManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewManagerWithKey (reload): %v", err)
	}
	if err := m2.Load(); err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	got := m2.Get()
	if got.Embedding.APIKey != "sk-super-secret" {
		t.Fatalf("expected decrypted api key to round-trip, got %q", got.Embedding.APIKey)
	}
	if got.Embedding.APIBase != "http://localhost:8080/v1" {
		t.Fatalf("unexpected api_base: %q", got.Embedding.APIBase)
	}
}

func TestManagerRejectsInvalidSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	m, err := NewManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewManagerWithKey: %v", err)
	}
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.SetChunker(ChunkerConfig{MaxChunkSize: 10, MinChunkSize: 20}); err == nil {
		t.Fatal("expected SetChunker to reject an inconsistent ChunkerConfig")
	}
}

func TestGetOrCreateEncryptionKeyPersists(t *testing.T) {
	dir := t.TempDir()
	key1, err := getOrCreateEncryptionKey(dir)
	if err != nil {
		t.Fatalf("getOrCreateEncryptionKey: %v", err)
	}
	key2, err := getOrCreateEncryptionKey(dir)
	if err != nil {
		t.Fatalf("getOrCreateEncryptionKey (second call): %v", err)
	}
	if hex.EncodeToString(key1) != hex.EncodeToString(key2) {
		t.Fatal("expected the same encryption key to be reused across calls")
	}
	if len(key1) != 32 {
		t.Fatalf("expected 32-byte key, got %d bytes", len(key1))
	}
}
