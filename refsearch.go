// Package refsearch is the API facade for a local semantic search core
// over a personal reference library: it binds configuration, the
// SQLite-backed vector store, the embedding client, the indexing
// pipeline, and the search coordinator into one entry point a host
// reference-manager application constructs once and calls into.
package refsearch

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"refsearch/internal/chunker"
	"refsearch/internal/config"
	"refsearch/internal/db"
	"refsearch/internal/embedding"
	"refsearch/internal/errlog"
	"refsearch/internal/host"
	"refsearch/internal/pipeline"
	"refsearch/internal/prefs"
	"refsearch/internal/search"
	"refsearch/internal/store"
)

// Library is the facade binding every collaborator; each public method
// delegates to the component that owns that concern.
type Library struct {
	database      *sql.DB
	configManager *config.Manager
	store         *store.Store
	embed         *embedding.Client
	prefsStore    *prefs.Store
	pipeline      *pipeline.Pipeline
	search        *search.Coordinator
}

// NewLibrary wires every collaborator for one data directory and one
// host.Library implementation, then returns the ready-to-use facade. The
// data directory holds the SQLite database, the three preference JSON
// files, and the AES encryption key for the persisted embedding API key.
func NewLibrary(dataDir string, h host.Library) (*Library, error) {
	if err := errlog.Init(); err != nil {
		errlog.Logf("refsearch: error logger init failed: %v", err)
	}

	configPath := filepath.Join(dataDir, "config.json")
	cm, err := config.NewManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("refsearch: create config manager: %w", err)
	}
	if err := cm.Load(); err != nil {
		return nil, fmt.Errorf("refsearch: load config: %w", err)
	}
	cfg := cm.Get()

	dbPath := cfg.Vector.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dataDir, dbPath)
	}
	database, err := db.InitDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("refsearch: init database: %w", err)
	}

	st := store.New(database, cfg.Vector.ScanBatchSize, cfg.Vector.CacheCapacity)
	ch := chunker.NewTextChunker()
	ec := embedding.NewClient(toEmbeddingConfig(cfg.Embedding))
	pf := prefs.New(dataDir)

	if usage, err := pf.LoadUsageCounters(); err == nil {
		ec.Usage.LoadSnapshot(toEmbeddingUsage(usage))
	} else {
		errlog.Logf("refsearch: load usage counters: %v", err)
	}

	pl := pipeline.New(h, st, ch, ec, pf, cfg.Pipeline)
	sc := search.New(st, ec, h)

	return &Library{
		database:      database,
		configManager: cm,
		store:         st,
		embed:         ec,
		prefsStore:    pf,
		pipeline:      pl,
		search:        sc,
	}, nil
}

// Close releases the database connection and the process-wide error
// logger. Callers should invoke it once when shutting the host down.
func (l *Library) Close() error {
	errlog.Close()
	return l.database.Close()
}

// --- Indexing Interface ---

// BuildIndex runs (or resumes) the indexing pipeline with opts.
func (l *Library) BuildIndex(opts pipeline.BuildOptions) error {
	return l.pipeline.BuildIndex(opts)
}

// Pause requests the running build pause at the next item boundary.
func (l *Library) Pause() { l.pipeline.Pause() }

// Resume wakes a paused build.
func (l *Library) Resume() { l.pipeline.Resume() }

// Abort requests the running build stop dispatching further items.
func (l *Library) Abort() { l.pipeline.Abort() }

// Progress returns a snapshot of the current or most recent build.
func (l *Library) Progress() pipeline.Progress { return l.pipeline.Progress() }

// Resumable reports whether a persisted checkpoint exists for a build
// that was paused or interrupted mid-run.
func (l *Library) Resumable() (pipeline.Progress, bool, error) {
	return l.pipeline.Resumable()
}

// --- Search Interface ---

// Search embeds query and returns ranked, metadata-hydrated results.
func (l *Library) Search(query string, opts search.Options) ([]search.Result, error) {
	return l.search.Search(query, opts)
}

// FindSimilar returns items whose content resembles itemKey's.
func (l *Library) FindSimilar(itemKey string, topK int) ([]search.Result, error) {
	return l.search.FindSimilar(itemKey, topK)
}

// --- Vector Store Maintenance Interface ---

// Stats summarizes the current contents of the vector store.
func (l *Library) Stats() (store.Stats, error) { return l.store.Stats() }

// Clear removes every indexed vector and index_status row, preserving
// the extracted-content cache so a subsequent rebuild skips re-extraction
// for unchanged items.
func (l *Library) Clear() error { return l.store.Clear() }

// ClearAll removes every row the vector store owns, including the
// content cache, restoring it to its post-migration empty state.
func (l *Library) ClearAll() error { return l.store.ClearAll() }

// MigrateToInt8 backfills Int8-quantized vectors for any row still only
// holding its raw Float32 blob, returning the number of rows migrated.
func (l *Library) MigrateToInt8() (int, error) { return l.store.MigrateToInt8() }

// --- Configuration Interface ---

// Config returns the current configuration.
func (l *Library) Config() config.Config { return l.configManager.Get() }

// SetEmbeddingConfig validates and persists a new embedding configuration,
// then updates the shared embedding client in place so the indexing
// pipeline and search coordinator pick it up on their next call. Do not
// call this while a build is in progress.
func (l *Library) SetEmbeddingConfig(c config.EmbeddingConfig) error {
	if err := l.configManager.SetEmbedding(c); err != nil {
		return err
	}
	l.embed.UpdateConfig(toEmbeddingConfig(c))
	if err := l.prefsStore.SaveEmbeddingConfigSnapshot(prefs.EmbeddingConfigSnapshot{
		APIBase:    c.APIBase,
		Model:      c.Model,
		Dimensions: c.Dimensions,
	}); err != nil {
		errlog.Logf("refsearch: save embedding config snapshot: %v", err)
	}
	return nil
}

// UsageSnapshot returns the current cumulative and session embedding
// usage counters, and persists them to disk.
func (l *Library) UsageSnapshot() embedding.UsageCounters {
	snap := l.embed.Usage.Snapshot()
	if err := l.prefsStore.SaveUsageCounters(toPrefsUsageCounters(snap)); err != nil {
		errlog.Logf("refsearch: save usage counters: %v", err)
	}
	return snap
}

func toEmbeddingConfig(c config.EmbeddingConfig) embedding.Config {
	return embedding.Config{
		APIBase:                c.APIBase,
		APIKey:                 c.APIKey,
		Model:                  c.Model,
		Dimensions:             c.Dimensions,
		MaxBatchSize:           c.MaxBatchSize,
		TimeoutMS:              c.TimeoutMS,
		MaxRetries:             c.MaxRetries,
		RPM:                    c.RPM,
		TPM:                    c.TPM,
		CostPerMillionTokens:   c.CostPerMillionTokens,
		QueryInstructionPrefix: c.QueryInstructionPrefix,
	}
}

func toEmbeddingUsage(u prefs.UsageCounters) embedding.UsageCounters {
	return embedding.UsageCounters{
		TotalRequests:   u.TotalRequests,
		TotalTexts:      u.TotalTexts,
		TotalTokens:     u.TotalTokens,
		RateLimitHits:   u.RateLimitHits,
		EstimatedCost:   u.EstimatedCost,
		SessionRequests: u.SessionRequests,
		SessionTexts:    u.SessionTexts,
		SessionTokens:   u.SessionTokens,
	}
}

func toPrefsUsageCounters(u embedding.UsageCounters) prefs.UsageCounters {
	return prefs.UsageCounters{
		TotalRequests:   u.TotalRequests,
		TotalTexts:      u.TotalTexts,
		TotalTokens:     u.TotalTokens,
		RateLimitHits:   u.RateLimitHits,
		EstimatedCost:   u.EstimatedCost,
		SessionRequests: u.SessionRequests,
		SessionTexts:    u.SessionTexts,
		SessionTokens:   u.SessionTokens,
	}
}
