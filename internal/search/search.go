// Package search implements the query-time coordinator: embed the query,
// overfetch chunk hits from the vector store, aggregate them to one
// ranked result per item, and hydrate each result's bibliographic
// metadata via the host.
package search

import (
	"fmt"
	"sort"

	"refsearch/internal/chunker"
	"refsearch/internal/embedding"
	"refsearch/internal/host"
	"refsearch/internal/store"
)

// Chunk is one matching passage within a Result, in descending score
// order, capped at 3 per item.
type Chunk struct {
	ChunkID int
	Text    string
	Score   float32
}

// Result is one ranked item returned by Search, with its best-matching
// chunks and hydrated metadata.
type Result struct {
	ItemKey  string
	Score    float32
	Chunks   []Chunk
	Metadata host.ItemMetadata
}

// Options configures one Search call. TopK defaults to 10 and MinScore to
// 0.1 when left zero; there is no way to request an unfiltered 0.0
// threshold through this API, matching the coordinator's default.
type Options struct {
	TopK     int
	MinScore float32
	Language string // "all", "en", "zh", ...
	ItemKeys []string
}

const overfetchFactor = 3
const maxChunksPerItem = 3

// Coordinator answers Search/FindSimilar queries over an indexed library.
type Coordinator struct {
	store *store.Store
	embed *embedding.Client
	host  host.Library
}

// New constructs a Coordinator from its three collaborators.
func New(st *store.Store, ec *embedding.Client, h host.Library) *Coordinator {
	return &Coordinator{store: st, embed: ec, host: h}
}

// Search embeds query, overfetches matching chunks, aggregates them to
// one ranked Result per item, and hydrates metadata for the top_k
// results.
func (c *Coordinator) Search(query string, opts Options) ([]Result, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = 0.1
	}

	detectedLanguage := chunker.DetectLanguage(query)
	embedded, err := c.embed.EmbedOne(query, detectedLanguage)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	effectiveLanguage := opts.Language
	if effectiveLanguage == "" || effectiveLanguage == "all" {
		effectiveLanguage = detectedLanguage
	}

	hits, err := c.store.Search(embedded.Vector, topK*overfetchFactor, store.SearchOptions{
		Language: effectiveLanguage,
		ItemKeys: opts.ItemKeys,
		MinScore: minScore,
	})
	if err != nil {
		return nil, fmt.Errorf("search: vector store search: %w", err)
	}

	grouped := groupByItem(hits)

	items := make([]*itemAccumulator, 0, len(grouped))
	for _, acc := range grouped {
		items = append(items, acc)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].itemKey < items[j].itemKey
	})
	if len(items) > topK {
		items = items[:topK]
	}

	results := make([]Result, 0, len(items))
	for _, acc := range items {
		meta, err := c.host.GetItemMetadata(host.ItemKey(acc.itemKey))
		if err != nil {
			return nil, fmt.Errorf("search: hydrate metadata for %s: %w", acc.itemKey, err)
		}
		results = append(results, Result{
			ItemKey:  acc.itemKey,
			Score:    acc.score,
			Chunks:   acc.topChunks(maxChunksPerItem),
			Metadata: meta,
		})
	}
	return results, nil
}

// FindSimilar returns items whose content resembles itemKey's, hydrated
// with metadata, ranked by similarity to itemKey's first stored chunk.
func (c *Coordinator) FindSimilar(itemKey string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 10
	}
	hits, err := c.store.FindSimilar(itemKey, topK)
	if err != nil {
		return nil, fmt.Errorf("search: find similar: %w", err)
	}

	grouped := groupByItem(hits)
	items := make([]*itemAccumulator, 0, len(grouped))
	for _, acc := range grouped {
		items = append(items, acc)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].itemKey < items[j].itemKey
	})
	if len(items) > topK {
		items = items[:topK]
	}

	results := make([]Result, 0, len(items))
	for _, acc := range items {
		meta, err := c.host.GetItemMetadata(host.ItemKey(acc.itemKey))
		if err != nil {
			return nil, fmt.Errorf("search: hydrate metadata for %s: %w", acc.itemKey, err)
		}
		results = append(results, Result{
			ItemKey:  acc.itemKey,
			Score:    acc.score,
			Chunks:   acc.topChunks(maxChunksPerItem),
			Metadata: meta,
		})
	}
	return results, nil
}

type itemAccumulator struct {
	itemKey string
	score   float32
	chunks  []Chunk
}

func (a *itemAccumulator) topChunks(n int) []Chunk {
	sorted := make([]Chunk, len(a.chunks))
	copy(sorted, a.chunks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ChunkID < sorted[j].ChunkID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// groupByItem aggregates scored chunks by item_key, with item_score the
// maximum chunk score within the item.
func groupByItem(hits []store.ScoredChunk) map[string]*itemAccumulator {
	out := map[string]*itemAccumulator{}
	for _, h := range hits {
		acc, ok := out[h.ItemKey]
		if !ok {
			acc = &itemAccumulator{itemKey: h.ItemKey}
			out[h.ItemKey] = acc
		}
		acc.chunks = append(acc.chunks, Chunk{ChunkID: h.ChunkID, Text: h.Text, Score: h.Score})
		if h.Score > acc.score {
			acc.score = h.Score
		}
	}
	return out
}
