// Package engine is the core of the memory system. It orchestrates the
// durable save path, the async enrichment pipeline (entity extraction and
// embedding generation), hybrid semantic+lexical search with rank fusion,
// the session window, and scheduled consolidation of old turns into
// summaries.
package engine

import (
	"errors"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

var (
	// ErrNotStarted is returned when an operation requires a started engine.
	ErrNotStarted = errors.New("engine not started")

	// ErrConsolidationBusy is returned when a consolidation run is already
	// in flight for the same user.
	ErrConsolidationBusy = errors.New("consolidation already running for user")
)

// EnrichmentJob is one unit of async work: derive entities and an embedding
// for a saved turn.
type EnrichmentJob struct {
	// TurnID identifies the turn to enrich.
	TurnID string

	// UserID scopes the derived records.
	UserID string

	// Text is the turn content, carried so workers avoid a re-read.
	Text string

	// Timestamp is when the turn was uttered. Entity first/last-seen times
	// are derived from it, not from when enrichment happens to run.
	Timestamp time.Time

	// Attempt counts retries; used for backoff and the retry cap.
	Attempt int

	// EmbeddingOnly skips entity extraction, for turns whose entities are
	// already complete.
	EmbeddingOnly bool
}

// SearchResponse is the fused result of one hybrid search.
type SearchResponse struct {
	// Hits are the fused results ordered by score descending, recency
	// breaking ties. Scores are reciprocal-rank-fusion values, comparable
	// only within this response.
	Hits []storage.SearchHit `json:"hits"`

	// Degraded is set when exactly one search tier failed and the results
	// come from the surviving tier alone.
	Degraded bool `json:"degraded"`
}

// ContextBundle is what getContext returns: the live session window plus
// fused search hits for the optional query.
type ContextBundle struct {
	// Window is the session window in chronological order. Empty for a user
	// with no history.
	Window []types.Turn `json:"window"`

	// Hits are fused search results for the query, deduplicated against the
	// window. Empty when no query was given.
	Hits []storage.SearchHit `json:"hits,omitempty"`

	// Degraded mirrors SearchResponse.Degraded, and is also set when search
	// failed entirely and only the window could be served.
	Degraded bool `json:"degraded"`
}

// TierStatus reports the health of one backing tier.
type TierStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Status is the engine health report served by the status endpoint.
type Status struct {
	Started    bool       `json:"started"`
	QueueDepth int        `json:"queue_depth"`
	Store      TierStatus `json:"store"`
	Cache      TierStatus `json:"cache"`

	// LLM and Embedder hold live reachability checks when the clients
	// support them.
	LLM      *TierStatus `json:"llm,omitempty"`
	Embedder *TierStatus `json:"embedder,omitempty"`

	// LLMBreaker and EmbedBreaker hold circuit breaker states
	// ("closed", "open", "half-open") when the clients expose them.
	LLMBreaker   string `json:"llm_breaker,omitempty"`
	EmbedBreaker string `json:"embed_breaker,omitempty"`

	LLMModel   string `json:"llm_model,omitempty"`
	EmbedModel string `json:"embed_model,omitempty"`

	Stats *storage.StoreStats `json:"stats,omitempty"`
}
