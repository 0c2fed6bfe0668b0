package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/chartmann1590/mumble-ai-memory/internal/llm"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
)

// searchStore is the slice of the storage surface hybrid search needs.
type searchStore interface {
	storage.SearchProvider
	storage.VectorStore
}

// SearchEngine fuses the semantic and lexical tiers with weighted reciprocal
// rank fusion. Each tier runs concurrently; one failing tier degrades the
// response, both failing is an error.
type SearchEngine struct {
	store    searchStore
	embedder llm.EmbeddingGenerator

	topK           int
	rrfConstant    float64
	semanticWeight float64
}

// NewSearchEngine creates the hybrid search engine. A nil embedder disables
// the semantic tier; every search then runs lexical-only and degraded.
func NewSearchEngine(store searchStore, embedder llm.EmbeddingGenerator, cfg Config) *SearchEngine {
	return &SearchEngine{
		store:          store,
		embedder:       embedder,
		topK:           cfg.TopK,
		rrfConstant:    cfg.RRFConstant,
		semanticWeight: cfg.SemanticWeight,
	}
}

// Search runs both tiers for the user's query and fuses the ranked lists.
// Hits are ordered by fused score descending, with recency breaking ties.
// Filters narrow both tiers to the same slice of the corpus.
func (s *SearchEngine) Search(ctx context.Context, userID, query string, limit int, filters storage.SearchFilters) (*SearchResponse, error) {
	// Fetch more candidates than requested so fusion has rank overlap to
	// work with.
	candidates := limit * 3
	if candidates < s.topK {
		candidates = s.topK
	}

	var (
		wg          sync.WaitGroup
		semantic    []storage.SearchHit
		lexical     []storage.SearchHit
		semanticErr error
		lexicalErr  error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		semantic, semanticErr = s.semanticSearch(ctx, userID, query, candidates, filters)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		lexical, lexicalErr = s.store.LexicalSearch(ctx, userID, query, candidates, filters)
	}()

	wg.Wait()

	if semanticErr != nil && lexicalErr != nil {
		return nil, fmt.Errorf("both search tiers failed: semantic: %v; lexical: %w", semanticErr, lexicalErr)
	}
	if semanticErr != nil {
		log.Printf("WARNING: Semantic search degraded for user %s: %v", userID, semanticErr)
	}
	if lexicalErr != nil {
		log.Printf("WARNING: Lexical search degraded for user %s: %v", userID, lexicalErr)
	}

	hits := s.fuse(semantic, lexical)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &SearchResponse{
		Hits:     hits,
		Degraded: semanticErr != nil || lexicalErr != nil,
	}, nil
}

// semanticSearch embeds the query and runs nearest-neighbour lookup.
func (s *SearchEngine) semanticSearch(ctx context.Context, userID, query string, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedding client configured")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	return s.store.SemanticSearch(ctx, userID, vec, limit, filters)
}

// fuse merges the two ranked lists with weighted reciprocal rank fusion:
// each document scores sum(weight / (k + rank)) over the lists it appears
// in, rank counted from 1.
func (s *SearchEngine) fuse(semantic, lexical []storage.SearchHit) []storage.SearchHit {
	type fused struct {
		hit   storage.SearchHit
		score float64
	}
	byDoc := make(map[string]*fused, len(semantic)+len(lexical))

	accumulate := func(hits []storage.SearchHit, weight float64) {
		for rank, hit := range hits {
			contribution := weight / (s.rrfConstant + float64(rank+1))
			if f, ok := byDoc[hit.DocID]; ok {
				f.score += contribution
			} else {
				byDoc[hit.DocID] = &fused{hit: hit, score: contribution}
			}
		}
	}
	accumulate(semantic, s.semanticWeight)
	accumulate(lexical, 1-s.semanticWeight)

	out := make([]storage.SearchHit, 0, len(byDoc))
	for _, f := range byDoc {
		f.hit.Score = f.score
		out = append(out, f.hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
