package storage

import (
	"time"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// SearchHit is a single scored document from either search tier. Score
// semantics differ per provider (cosine similarity for vectors, rank score
// for keyword search); the fusion layer only relies on relative order.
type SearchHit struct {
	DocID     string
	Kind      types.DocKind
	Text      string
	Score     float64
	CreatedAt time.Time
}

// SearchFilters narrows a search to a slice of the corpus. The zero value
// applies no filtering.
type SearchFilters struct {
	// EntityType restricts turn hits to turns carrying at least one mention
	// of this type. Summaries have no mentions, so a type filter excludes
	// them.
	EntityType types.EntityType

	// From and To bound the document time: the turn's utterance timestamp,
	// or the summary's covered span. A zero value leaves that bound open.
	From time.Time
	To   time.Time
}

// IsZero reports whether the filters apply no restriction.
func (f SearchFilters) IsZero() bool {
	return f.EntityType == "" && f.From.IsZero() && f.To.IsZero()
}

// StoreStats reports corpus counts for the status endpoint.
type StoreStats struct {
	TurnCount           int64
	UnconsolidatedCount int64
	SummaryCount        int64
	EntityCount         int64
	MentionCount        int64
}

// ListOptions controls pagination for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

const (
	// DefaultListLimit is applied when a list request omits a limit.
	DefaultListLimit = 50

	// MaxListLimit caps the page size of any list request.
	MaxListLimit = 200
)

// Normalize clamps the options into valid ranges.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// PaginatedResult wraps a page of items with pagination metadata.
type PaginatedResult[T any] struct {
	Items      []T  `json:"items"`
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// NewPaginatedResult assembles a result page and computes HasMore.
func NewPaginatedResult[T any](items []T, total int, opts ListOptions) *PaginatedResult[T] {
	return &PaginatedResult[T]{
		Items:      items,
		TotalCount: total,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
		HasMore:    opts.Offset+len(items) < total,
	}
}
