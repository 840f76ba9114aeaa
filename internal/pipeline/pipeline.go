// Package pipeline orchestrates the resumable, cancellable indexing run:
// extraction, change detection, chunking, embedding, and storage across a
// fixed-size worker pool, with cooperative pause/resume/abort and
// auto-pause on embedding provider failure.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"refsearch/internal/chunker"
	"refsearch/internal/config"
	"refsearch/internal/embedding"
	"refsearch/internal/errlog"
	"refsearch/internal/host"
	"refsearch/internal/prefs"
	"refsearch/internal/store"
)

// State is one node of the indexing state machine.
type State string

const (
	StateIdle      State = "idle"
	StateIndexing  State = "indexing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateAborted   State = "aborted"
)

// FailedItem records why one item could not be embedded during a run.
type FailedItem struct {
	ErrorType   string    `json:"error_type"`
	UserMessage string    `json:"user_message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Progress is the pipeline's observable state, safe to copy and hand to a
// progress callback or persist.
type Progress struct {
	Total              int
	Processed          int
	Succeeded          int
	Failed             int
	Skipped            int
	CurrentItem        string
	State              State
	StartTime          time.Time
	EstimatedRemaining time.Duration
	ErrorType          string
	ErrorRetryable     bool
	ErrorMessage       string
	FailedItems        map[string]FailedItem
}

// BuildOptions configures one BuildIndex call.
type BuildOptions struct {
	ItemKeys   []host.ItemKey
	Rebuild    bool
	OnProgress func(Progress)
	OnError    func(Progress)
}

// Pipeline drives one indexing run at a time over a host library.
type Pipeline struct {
	host    host.Library
	store   *store.Store
	chunker *chunker.TextChunker
	embed   *embedding.Client
	prefs   *prefs.Store
	cfg     config.PipelineConfig

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	aborted  bool
	progress Progress
}

// New constructs a Pipeline. Every collaborator is supplied by the caller;
// Pipeline never reaches for a global.
func New(h host.Library, st *store.Store, ch *chunker.TextChunker, ec *embedding.Client, pf *prefs.Store, cfg config.PipelineConfig) *Pipeline {
	p := &Pipeline{
		host:    h,
		store:   st,
		chunker: ch,
		embed:   ec,
		prefs:   pf,
		cfg:     cfg,
		progress: Progress{
			State:       StateIdle,
			FailedItems: map[string]FailedItem{},
		},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Progress returns a snapshot of the pipeline's current state.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Progress {
	cp := p.progress
	cp.FailedItems = make(map[string]FailedItem, len(p.progress.FailedItems))
	for k, v := range p.progress.FailedItems {
		cp.FailedItems[k] = v
	}
	return cp
}

// Pause requests that the pipeline stop dispatching new items after the
// in-flight batch commits. It is a no-op outside StateIndexing.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.progress.State == StateIndexing {
		p.paused = true
	}
}

// Resume wakes a pipeline waiting at the pause gate.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Abort requests cancellation. Workers observe this at the next batch
// boundary; any in-flight embedding call is allowed to complete.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	p.aborted = true
	p.paused = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Resumable loads a persisted index_progress document and reports whether
// the pipeline should start in the paused state awaiting user action,
// rather than idle.
func (p *Pipeline) Resumable() (Progress, bool, error) {
	saved, err := p.prefs.LoadIndexProgress()
	if err != nil {
		return Progress{}, false, fmt.Errorf("pipeline: load persisted progress: %w", err)
	}
	if saved.State != string(StateIndexing) && saved.State != string(StatePaused) {
		return Progress{}, false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = Progress{
		Total:       saved.TotalItems,
		Processed:   saved.Processed,
		Succeeded:   saved.Succeeded,
		Failed:      saved.Failed,
		Skipped:     saved.Skipped,
		State:       StatePaused,
		FailedItems: map[string]FailedItem{},
	}
	for k, msg := range saved.FailedItems {
		p.progress.FailedItems[k] = FailedItem{UserMessage: msg}
	}
	return p.snapshotLocked(), true, nil
}

// BuildIndex runs to a terminal state (completed, aborted, or paused on an
// embedding failure) and returns. While paused with items still queued, its
// workers wait at the pause gate for Resume or Abort. It is not reentrant:
// call it from one goroutine at a time.
func (p *Pipeline) BuildIndex(opts BuildOptions) error {
	items, err := p.selectItems(opts)
	if err != nil {
		return fmt.Errorf("pipeline: select items: %w", err)
	}

	p.mu.Lock()
	p.aborted = false
	p.paused = false
	p.progress = Progress{
		Total:       len(items),
		State:       StateIndexing,
		StartTime:   time.Now(),
		FailedItems: map[string]FailedItem{},
	}
	p.mu.Unlock()

	if opts.Rebuild {
		if err := p.store.Clear(); err != nil {
			return fmt.Errorf("pipeline: clear before rebuild: %w", err)
		}
	}

	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	itemCh := make(chan host.ItemKey)
	go func() {
		defer close(itemCh)
		for _, k := range items {
			p.mu.Lock()
			aborted := p.aborted
			p.mu.Unlock()
			if aborted {
				return
			}
			itemCh <- k
		}
	}()

	var wg sync.WaitGroup
	var counterMu sync.Mutex
	batchesDone := 0
	persistEvery := p.cfg.ProgressPersistBatches
	if persistEvery <= 0 {
		persistEvery = 5
	}
	itemsSinceYield := 0
	yieldEvery := p.cfg.YieldEveryItems
	if yieldEvery <= 0 {
		yieldEvery = 10
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range itemCh {
				p.waitWhilePaused()

				p.mu.Lock()
				aborted := p.aborted
				p.mu.Unlock()
				if aborted {
					continue
				}

				outcome := p.processItem(key)

				p.mu.Lock()
				p.progress.Processed++
				p.progress.CurrentItem = string(key)
				switch outcome.kind {
				case outcomeSkipped:
					p.progress.Skipped++
				case outcomeSucceeded:
					p.progress.Succeeded++
				case outcomeEmbeddingFailed:
					p.progress.Failed++
					p.progress.FailedItems[string(key)] = FailedItem{
						ErrorType:   string(outcome.embErr.Type),
						UserMessage: outcome.embErr.UserMessage,
						Timestamp:   time.Now(),
					}
					p.progress.State = StatePaused
					p.progress.ErrorType = string(outcome.embErr.Type)
					p.progress.ErrorRetryable = outcome.embErr.Retryable
					p.progress.ErrorMessage = outcome.embErr.Message
					p.paused = true
				case outcomeOtherFailed:
					errlog.Logf("pipeline: item %s failed non-fatally: %v", key, outcome.err)
				}
				if p.progress.Processed > 0 {
					elapsed := time.Since(p.progress.StartTime)
					perItem := elapsed / time.Duration(p.progress.Processed)
					p.progress.EstimatedRemaining = perItem * time.Duration(p.progress.Total-p.progress.Processed)
				}
				onErr := opts.OnError
				shouldCallOnErr := outcome.kind == outcomeEmbeddingFailed
				snap := p.snapshotLocked()
				p.mu.Unlock()

				if opts.OnProgress != nil {
					opts.OnProgress(snap)
				}
				if shouldCallOnErr && onErr != nil {
					onErr(snap)
				}

				counterMu.Lock()
				itemsSinceYield++
				yieldNow := itemsSinceYield >= yieldEvery
				if yieldNow {
					itemsSinceYield = 0
				}
				batchesDone++
				persistNow := batchesDone%persistEvery == 0
				counterMu.Unlock()

				if yieldNow {
					time.Sleep(10 * time.Millisecond)
				}
				if persistNow {
					p.persistProgress()
				}
			}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	switch {
	case p.aborted:
		p.progress.State = StateAborted
	case p.progress.State == StatePaused:
		// left paused by an embedding failure; persisted below.
	default:
		p.progress.State = StateCompleted
	}
	terminal := p.progress.State == StateCompleted || p.progress.State == StateAborted
	p.mu.Unlock()

	if terminal {
		if err := p.prefs.SaveIndexProgress(prefs.IndexProgress{State: "idle", FailedItems: map[string]string{}}); err != nil {
			errlog.Logf("pipeline: clear persisted progress: %v", err)
		}
	} else {
		p.persistProgress()
	}

	return nil
}

// waitWhilePaused blocks the calling worker on the pause monitor until
// Resume or Abort is called. A worker always reaches this only between
// items, never mid-item, so a paused run never leaves a half-written
// commit.
func (p *Pipeline) waitWhilePaused() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.paused && !p.aborted {
		p.cond.Wait()
	}
}

func (p *Pipeline) persistProgress() {
	p.mu.Lock()
	snap := p.snapshotLocked()
	p.mu.Unlock()

	failedItems := make(map[string]string, len(snap.FailedItems))
	for k, v := range snap.FailedItems {
		failedItems[k] = v.UserMessage
	}
	err := p.prefs.SaveIndexProgress(prefs.IndexProgress{
		State:       string(snap.State),
		TotalItems:  snap.Total,
		Processed:   snap.Processed,
		Succeeded:   snap.Succeeded,
		Failed:      snap.Failed,
		Skipped:     snap.Skipped,
		FailedItems: failedItems,
		LastItemKey: snap.CurrentItem,
	})
	if err != nil {
		errlog.Logf("pipeline: persist progress: %v", err)
	}
}

// selectItems resolves the set of items a build targets: an explicit item
// list always wins, rebuild targets every regular item, and an ordinary
// run targets only items with no index_status row yet.
func (p *Pipeline) selectItems(opts BuildOptions) ([]host.ItemKey, error) {
	if len(opts.ItemKeys) > 0 {
		return opts.ItemKeys, nil
	}
	all, err := p.host.ListRegularItems()
	if err != nil {
		return nil, fmt.Errorf("list regular items: %w", err)
	}
	if opts.Rebuild {
		return all, nil
	}

	indexed, err := p.store.IndexedItemKeys()
	if err != nil {
		return nil, fmt.Errorf("list indexed items: %w", err)
	}
	indexedSet := make(map[host.ItemKey]bool, len(indexed))
	for _, k := range indexed {
		indexedSet[host.ItemKey(k)] = true
	}

	out := make([]host.ItemKey, 0, len(all))
	for _, k := range all {
		if !indexedSet[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeSucceeded
	outcomeEmbeddingFailed
	outcomeOtherFailed
)

type itemOutcome struct {
	kind   outcomeKind
	embErr *embedding.Error
	err    error
}

// processItem runs one item through change detection, extraction,
// chunking, embedding, and storage.
func (p *Pipeline) processItem(key host.ItemKey) itemOutcome {
	meta, err := p.host.GetItemMetadata(key)
	if err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("get metadata: %w", err)}
	}
	itemModUnix := meta.DateModified.Unix()

	var attachModUnix int64
	for _, ak := range meta.AttachmentKeys {
		t, err := p.host.GetAttachmentModified(ak)
		if err != nil {
			continue
		}
		if t.Unix() > attachModUnix {
			attachModUnix = t.Unix()
		}
	}

	needsTS, err := p.store.NeedsReindexByTimestamp(string(key), itemModUnix, attachModUnix)
	if err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("timestamp check: %w", err)}
	}
	if !needsTS {
		return itemOutcome{kind: outcomeSkipped}
	}

	if cachedContent, cachedHash, ok, err := p.store.GetCachedContent(string(key)); err == nil && ok {
		needsHash, err := p.store.NeedsReindexByHash(string(key), cachedHash)
		if err == nil && !needsHash {
			p.store.RefreshTimestamps(string(key), itemModUnix, attachModUnix)
			return itemOutcome{kind: outcomeSkipped}
		}
		_ = cachedContent
	}

	content, err := p.extractContent(key, meta)
	if err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("extract content: %w", err)}
	}
	if strings.TrimSpace(content) == "" {
		return itemOutcome{kind: outcomeSkipped}
	}

	contentHash := hashContent(content)
	if err := p.store.PutCachedContent(string(key), content, contentHash); err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("cache content: %w", err)}
	}

	needsHash, err := p.store.NeedsReindexByHash(string(key), contentHash)
	if err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("hash check: %w", err)}
	}
	if !needsHash {
		p.store.RefreshTimestamps(string(key), itemModUnix, attachModUnix)
		return itemOutcome{kind: outcomeSkipped}
	}

	chunks := p.chunker.Split(content)
	if len(chunks) == 0 {
		return itemOutcome{kind: outcomeSkipped}
	}

	items := make([]embedding.Item, len(chunks))
	for i, c := range chunks {
		items[i] = embedding.Item{
			ID:   fmt.Sprintf("%d", c.Index),
			Text: c.Text,
			Lang: chunker.DetectLanguage(c.Text),
		}
	}

	results, err := p.embed.EmbedBatch(items)
	if err != nil {
		if embErr, ok := embedding.AsError(err); ok {
			return itemOutcome{kind: outcomeEmbeddingFailed, embErr: embErr}
		}
		return itemOutcome{kind: outcomeOtherFailed, err: err}
	}

	records := make([]store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		r := results[fmt.Sprintf("%d", c.Index)]
		records[i] = store.ChunkRecord{
			ChunkID:  c.Index,
			Text:     c.Text,
			Language: r.Language,
			Vector:   r.Vector,
		}
	}

	if err := p.store.DeleteItemVectors(string(key), false); err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("delete stale vectors: %w", err)}
	}
	if err := p.store.ReplaceItemChunks(string(key), records); err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("insert vectors: %w", err)}
	}
	if err := p.store.RecordIndexed(string(key), len(records), contentHash, itemModUnix, attachModUnix); err != nil {
		return itemOutcome{kind: outcomeOtherFailed, err: fmt.Errorf("record indexed: %w", err)}
	}

	return itemOutcome{kind: outcomeSucceeded}
}

// extractContent joins an item's title/abstract/notes/annotations and its
// PDF fulltext with blank-line separators.
func (p *Pipeline) extractContent(key host.ItemKey, meta host.ItemMetadata) (string, error) {
	notes, err := p.host.GetNotesAndAnnotations(key)
	if err != nil {
		return "", fmt.Errorf("get notes and annotations: %w", err)
	}

	var parts []string
	if notes.Title != "" {
		parts = append(parts, notes.Title)
	}
	if notes.Abstract != "" {
		parts = append(parts, notes.Abstract)
	}
	for _, ak := range meta.AttachmentKeys {
		text, err := p.host.ExtractPDFText(ak, 60*time.Second)
		if err != nil {
			errlog.Logf("pipeline: extract pdf text for attachment %s of item %s: %v", ak, key, err)
			continue
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	parts = append(parts, notes.Notes...)
	parts = append(parts, notes.Annotations...)

	return strings.Join(parts, "\n\n"), nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
