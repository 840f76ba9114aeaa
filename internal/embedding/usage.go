package embedding

import "sync"

// UsageCounters is the cumulative and session-scoped accounting for
// embedding calls, matching the fields spec'd for usage_counters.json. It
// carries no lock, so it may be freely copied, returned, and serialized.
type UsageCounters struct {
	TotalRequests int64   `json:"total_requests"`
	TotalTexts    int64   `json:"total_texts"`
	TotalTokens   int64   `json:"total_tokens"`
	RateLimitHits int64   `json:"rate_limit_hits"`
	EstimatedCost float64 `json:"estimated_cost_usd"`

	SessionRequests int64 `json:"session_requests"`
	SessionTexts    int64 `json:"session_texts"`
	SessionTokens   int64 `json:"session_tokens"`
}

// Usage guards a UsageCounters value with a mutex so concurrent embedding
// calls can update it safely. It must not be copied; pass *Usage around,
// and use Snapshot/LoadSnapshot to move the counters themselves.
type Usage struct {
	mu       sync.Mutex
	counters UsageCounters
}

// Snapshot returns a copy of the current counters, safe to serialize.
func (u *Usage) Snapshot() UsageCounters {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counters
}

// recordBatch adds one successful batch call's accounting, given the
// number of texts embedded, their total estimated tokens, and the
// configured per-million-token cost.
func (u *Usage) recordBatch(texts int, tokens int, costPerMillion float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counters.TotalRequests++
	u.counters.TotalTexts += int64(texts)
	u.counters.TotalTokens += int64(tokens)
	u.counters.EstimatedCost = float64(u.counters.TotalTokens) * costPerMillion / 1e6

	u.counters.SessionRequests++
	u.counters.SessionTexts += int64(texts)
	u.counters.SessionTokens += int64(tokens)
}

func (u *Usage) recordRateLimitHit() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counters.RateLimitHits++
}

// ResetSession zeroes the session-scoped counters only.
func (u *Usage) ResetSession() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counters.SessionRequests, u.counters.SessionTexts, u.counters.SessionTokens = 0, 0, 0
}

// ResetAll zeroes every counter, cumulative and session alike.
func (u *Usage) ResetAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counters = UsageCounters{}
}

// LoadSnapshot restores counters from a previously persisted snapshot
// (e.g. loaded from usage_counters.json at startup).
func (u *Usage) LoadSnapshot(snap UsageCounters) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counters = snap
}
