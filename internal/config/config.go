// Package config provides the closed set of typed configuration structs
// for every component of the indexing/search core, plus AES-256-GCM
// at-rest encryption for the one secret among them (the embedding
// provider's API key) and JSON persistence of the whole bundle.
//
// There is deliberately no map[string]interface{} updater here: each
// section is a plain struct with named fields and a Validate method, and
// Manager's setters replace one section at a time.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// encryptionKeyEnvVar names the environment variable carrying a hex AES-256
// key for at-rest encryption of the embedding API key.
const encryptionKeyEnvVar = "REFSEARCH_ENCRYPTION_KEY"

// encryptedPrefix marks a value as AES-encrypted in the persisted file.
const encryptedPrefix = "enc:"

// Config is the full, closed configuration for one Library instance.
type Config struct {
	Embedding EmbeddingConfig `json:"embedding"`
	Chunker   ChunkerConfig   `json:"chunker"`
	Vector    VectorConfig    `json:"vector"`
	Pipeline  PipelineConfig  `json:"pipeline"`
}

// EmbeddingConfig holds the enumerated options for the embedding provider.
type EmbeddingConfig struct {
	APIBase                string  `json:"api_base"`
	APIKey                 string  `json:"api_key"`
	Model                  string  `json:"model"`
	Dimensions             int     `json:"dimensions"` // 0 means "let the server decide"
	MaxBatchSize           int     `json:"max_batch_size"`
	TimeoutMS              int     `json:"timeout_ms"`
	MaxRetries             int     `json:"max_retries"`
	RPM                    int     `json:"rpm"`
	TPM                    int     `json:"tpm"`
	CostPerMillionTokens   float64 `json:"cost_per_million_tokens"`
	QueryInstructionPrefix string  `json:"query_instruction_prefix"`
}

// Validate checks that EmbeddingConfig is usable. APIKey is intentionally
// not required — some local providers accept no auth.
func (c EmbeddingConfig) Validate() error {
	if c.APIBase == "" {
		return errors.New("embedding: api_base is required")
	}
	if c.Model == "" {
		return errors.New("embedding: model is required")
	}
	if c.MaxBatchSize < 0 {
		return errors.New("embedding: max_batch_size must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("embedding: max_retries must not be negative")
	}
	return nil
}

// ChunkerConfig holds the size bounds for text chunking.
type ChunkerConfig struct {
	MaxChunkSize int `json:"max_chunk_size"`
	OverlapSize  int `json:"overlap_size"`
	MinChunkSize int `json:"min_chunk_size"`
}

// Validate checks that the chunker's size bounds are internally consistent.
func (c ChunkerConfig) Validate() error {
	if c.MaxChunkSize <= 0 {
		return errors.New("chunker: max_chunk_size must be positive")
	}
	if c.MinChunkSize < 0 {
		return errors.New("chunker: min_chunk_size must not be negative")
	}
	if c.OverlapSize < 0 {
		return errors.New("chunker: overlap_size must not be negative")
	}
	if c.MinChunkSize > c.MaxChunkSize {
		return errors.New("chunker: min_chunk_size must not exceed max_chunk_size")
	}
	return nil
}

// VectorConfig holds the vector store's persistence and scan parameters.
type VectorConfig struct {
	DBPath        string `json:"db_path"`
	ScanBatchSize int    `json:"scan_batch_size"` // rows per LIMIT/OFFSET batch, default 50000
	CacheCapacity int    `json:"cache_capacity"`  // LRU extracted-content cache entries, default 1000
}

// Validate checks the vector store configuration.
func (c VectorConfig) Validate() error {
	if c.DBPath == "" {
		return errors.New("vector: db_path is required")
	}
	if c.ScanBatchSize <= 0 {
		return errors.New("vector: scan_batch_size must be positive")
	}
	if c.CacheCapacity < 0 {
		return errors.New("vector: cache_capacity must not be negative")
	}
	return nil
}

// PipelineConfig holds the indexing pipeline's concurrency and checkpoint
// parameters.
type PipelineConfig struct {
	Concurrency            int `json:"concurrency"`               // worker pool size, default 5
	ProgressPersistBatches int `json:"progress_persist_batches"`  // persist progress every N batches, default 5
	YieldEveryItems        int `json:"yield_every_items"`         // cooperative yield cadence, default 10
}

// Validate checks the pipeline configuration.
func (c PipelineConfig) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New("pipeline: concurrency must be positive")
	}
	if c.ProgressPersistBatches <= 0 {
		return errors.New("pipeline: progress_persist_batches must be positive")
	}
	if c.YieldEveryItems <= 0 {
		return errors.New("pipeline: yield_every_items must be positive")
	}
	return nil
}

// Validate checks every section of Config.
func (c Config) Validate() error {
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Chunker.Validate(); err != nil {
		return err
	}
	if err := c.Vector.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	return nil
}

// DefaultConfig returns a Config populated with this package's default values.
// The embedding API key and model are intentionally left empty — the
// caller must configure them before indexing or search will work.
func DefaultConfig() Config {
	return Config{
		Embedding: EmbeddingConfig{
			MaxBatchSize:         100,
			TimeoutMS:            30000,
			MaxRetries:           3,
			RPM:                  60,
			TPM:                  150000,
			CostPerMillionTokens: 0.02,
		},
		Chunker: ChunkerConfig{
			MaxChunkSize: 450,
			OverlapSize:  50,
			MinChunkSize: 20,
		},
		Vector: VectorConfig{
			DBPath:        "refsearch.db",
			ScanBatchSize: 50000,
			CacheCapacity: 1000,
		},
		Pipeline: PipelineConfig{
			Concurrency:            5,
			ProgressPersistBatches: 5,
			YieldEveryItems:        10,
		},
	}
}

// Manager loads, saves, and holds the current Config, encrypting the
// embedding API key at rest. It is not itself safe to share a single JSON
// file between two Managers; callers wire one Manager per data directory.
type Manager struct {
	path          string
	mu            sync.RWMutex
	cfg           Config
	encryptionKey []byte
}

// NewManager creates a Manager for the config file at path. The AES
// encryption key is read from REFSEARCH_ENCRYPTION_KEY, or from a sibling
// "encryption.key" file, generating and persisting one if neither exists.
func NewManager(path string) (*Manager, error) {
	key, err := getOrCreateEncryptionKey(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: encryption key: %w", err)
	}
	return &Manager{path: path, encryptionKey: key, cfg: DefaultConfig()}, nil
}

// NewManagerWithKey creates a Manager with an explicit 32-byte encryption
// key, bypassing environment/file lookup. Intended for tests.
func NewManagerWithKey(path string, key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, errors.New("config: encryption key must be 32 bytes for AES-256")
	}
	return &Manager{path: path, encryptionKey: key, cfg: DefaultConfig()}, nil
}

// Load reads the config file from disk and decrypts the embedding API key.
// If the file does not exist, it initializes with default values and saves.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.cfg = DefaultConfig()
			return m.saveLocked()
		}
		return fmt.Errorf("config: read file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	if cfg.Embedding.APIKey, err = m.decryptIfNeeded(cfg.Embedding.APIKey); err != nil {
		return fmt.Errorf("config: decrypt embedding api key: %w", err)
	}

	m.applyDefaults(&cfg)
	m.cfg = cfg
	return nil
}

// Save writes the current config to disk with the embedding API key
// encrypted.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	out := m.cfg
	out.Embedding.APIKey = m.encryptIfNeeded(m.cfg.Embedding.APIKey)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetEmbedding validates and replaces the embedding section, then saves.
func (m *Manager) SetEmbedding(c EmbeddingConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Embedding = c
	m.mu.Unlock()
	return m.Save()
}

// SetChunker validates and replaces the chunker section, then saves.
func (m *Manager) SetChunker(c ChunkerConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Chunker = c
	m.mu.Unlock()
	return m.Save()
}

// SetVector validates and replaces the vector store section, then saves.
func (m *Manager) SetVector(c VectorConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Vector = c
	m.mu.Unlock()
	return m.Save()
}

// SetPipeline validates and replaces the pipeline section, then saves.
func (m *Manager) SetPipeline(c PipelineConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Pipeline = c
	m.mu.Unlock()
	return m.Save()
}

// applyDefaults fills zero-value fields with DefaultConfig's values, so an
// older config file gains new fields at their defaults instead of zero.
func (m *Manager) applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Embedding.MaxBatchSize == 0 {
		cfg.Embedding.MaxBatchSize = d.Embedding.MaxBatchSize
	}
	if cfg.Embedding.TimeoutMS == 0 {
		cfg.Embedding.TimeoutMS = d.Embedding.TimeoutMS
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = d.Embedding.MaxRetries
	}
	if cfg.Embedding.RPM == 0 {
		cfg.Embedding.RPM = d.Embedding.RPM
	}
	if cfg.Embedding.TPM == 0 {
		cfg.Embedding.TPM = d.Embedding.TPM
	}
	if cfg.Embedding.CostPerMillionTokens == 0 {
		cfg.Embedding.CostPerMillionTokens = d.Embedding.CostPerMillionTokens
	}
	if cfg.Chunker.MaxChunkSize == 0 {
		cfg.Chunker = d.Chunker
	}
	if cfg.Vector.DBPath == "" {
		cfg.Vector.DBPath = d.Vector.DBPath
	}
	if cfg.Vector.ScanBatchSize == 0 {
		cfg.Vector.ScanBatchSize = d.Vector.ScanBatchSize
	}
	if cfg.Vector.CacheCapacity == 0 {
		cfg.Vector.CacheCapacity = d.Vector.CacheCapacity
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = d.Pipeline.Concurrency
	}
	if cfg.Pipeline.ProgressPersistBatches == 0 {
		cfg.Pipeline.ProgressPersistBatches = d.Pipeline.ProgressPersistBatches
	}
	if cfg.Pipeline.YieldEveryItems == 0 {
		cfg.Pipeline.YieldEveryItems = d.Pipeline.YieldEveryItems
	}
}

// --- AES-GCM encryption helpers ---

func (m *Manager) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

func (m *Manager) decrypt(ciphertextHex string) (string, error) {
	if ciphertextHex == "" {
		return "", nil
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("hex decode: %w", err)
	}
	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *Manager) encryptIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	encrypted, err := m.encrypt(value)
	if err != nil {
		return value
	}
	return encryptedPrefix + encrypted
}

func (m *Manager) decryptIfNeeded(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if len(value) > len(encryptedPrefix) && value[:len(encryptedPrefix)] == encryptedPrefix {
		return m.decrypt(value[len(encryptedPrefix):])
	}
	return value, nil
}

// --- Encryption key management ---

func getOrCreateEncryptionKey(dir string) ([]byte, error) {
	if keyHex := os.Getenv(encryptionKeyEnvVar); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	keyFile := filepath.Join(dir, "encryption.key")
	if data, err := os.ReadFile(keyFile); err == nil {
		if key, err := hex.DecodeString(string(trimNewline(data))); err == nil && len(key) == 32 {
			os.Chmod(keyFile, 0600)
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("save encryption key: %w", err)
	}
	return key, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
