package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chartmann1590/mumble-ai-memory/internal/llm"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// minSpanTurns is the smallest span worth summarizing. A lone trailing turn
// stays unconsolidated until enough neighbours age past the cutoff.
const minSpanTurns = 2

// Consolidator folds a user's old turns into summaries. Turns older than the
// cutoff are batched into contiguous spans bounded by a character budget;
// each span is summarized by the LLM and committed in one transaction that
// marks the covered turns. Failed spans stay unconsolidated and are retried
// on the next run.
type Consolidator struct {
	store     storage.Store
	generator llm.TextGenerator
	embedder  llm.EmbeddingGenerator

	cutoffDays     int
	spanCharBudget int
	userWorkers    int

	// running holds per-user in-flight markers; a second run for the same
	// user is rejected with ErrConsolidationBusy.
	mu      sync.Mutex
	running map[string]struct{}

	onCompleted func(run *types.ConsolidationRun)
}

// NewConsolidator creates a consolidator. The embedder may be nil; summaries
// are then committed without vectors and stay lexical-only searchable.
func NewConsolidator(store storage.Store, generator llm.TextGenerator, embedder llm.EmbeddingGenerator, cfg Config) *Consolidator {
	return &Consolidator{
		store:          store,
		generator:      generator,
		embedder:       embedder,
		cutoffDays:     cfg.CutoffDays,
		spanCharBudget: cfg.SpanCharBudget,
		userWorkers:    cfg.UserWorkers,
		running:        make(map[string]struct{}),
	}
}

// RunAll consolidates every user with eligible turns, processing users in
// parallel up to the configured worker bound. The returned run aggregates
// the per-user results.
func (c *Consolidator) RunAll(ctx context.Context) (*types.ConsolidationRun, error) {
	cutoff := c.cutoff()
	users, err := c.store.UsersWithUnconsolidated(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for consolidation: %w", err)
	}

	aggregate := &types.ConsolidationRun{
		ID:     uuid.NewString(),
		Cutoff: cutoff,
	}
	if len(users) == 0 {
		aggregate.RanAt = time.Now()
		return aggregate, nil
	}

	log.Printf("Consolidation run covering %d user(s)", len(users))

	var (
		wg  sync.WaitGroup
		agg sync.Mutex
	)
	sem := make(chan struct{}, c.userWorkers)
	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			run, err := c.RunForUser(ctx, userID)
			if err != nil {
				log.Printf("ERROR: Consolidation failed for user %s: %v", userID, err)
				return
			}
			agg.Lock()
			aggregate.TurnsConsolidated += run.TurnsConsolidated
			aggregate.SummariesCreated += run.SummariesCreated
			aggregate.SpansFailed += run.SpansFailed
			aggregate.CharsSaved += run.CharsSaved
			agg.Unlock()
		}(user)
	}
	wg.Wait()

	aggregate.RanAt = time.Now()
	return aggregate, nil
}

// RunForUser consolidates one user's eligible turns. Returns
// ErrConsolidationBusy when a run for the user is already in flight.
func (c *Consolidator) RunForUser(ctx context.Context, userID string) (*types.ConsolidationRun, error) {
	if !c.tryLock(userID) {
		return nil, fmt.Errorf("%w: %s", ErrConsolidationBusy, userID)
	}
	defer c.unlock(userID)

	cutoff := c.cutoff()
	turns, err := c.store.ListUnconsolidated(ctx, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns for consolidation: %w", err)
	}

	run := &types.ConsolidationRun{
		ID:     uuid.NewString(),
		UserID: userID,
		Cutoff: cutoff,
	}

	for _, span := range c.buildSpans(turns) {
		marked, saved, err := c.consolidateSpan(ctx, userID, span)
		if err != nil {
			// The span's turns stay unconsolidated; the next run retries.
			log.Printf("WARNING: Span of %d turn(s) failed for user %s: %v", len(span), userID, err)
			run.SpansFailed++
			continue
		}
		if marked == 0 {
			continue
		}
		run.TurnsConsolidated += marked
		run.SummariesCreated++
		run.CharsSaved += saved
	}

	run.RanAt = time.Now()
	if err := c.store.AppendRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record consolidation run: %w", err)
	}
	log.Printf("Consolidated %d turn(s) into %d summary(ies) for user %s (%d span(s) failed)",
		run.TurnsConsolidated, run.SummariesCreated, userID, run.SpansFailed)

	if c.onCompleted != nil {
		c.onCompleted(run)
	}
	return run, nil
}

// buildSpans batches chronological turns into contiguous spans bounded by the
// character budget. Spans below minSpanTurns are dropped.
func (c *Consolidator) buildSpans(turns []types.Turn) [][]types.Turn {
	var spans [][]types.Turn
	var current []types.Turn
	chars := 0

	flush := func() {
		if len(current) >= minSpanTurns {
			spans = append(spans, current)
		}
		current = nil
		chars = 0
	}

	for _, turn := range turns {
		if len(current) > 0 && chars+len(turn.Text) > c.spanCharBudget {
			flush()
		}
		current = append(current, turn)
		chars += len(turn.Text)
	}
	flush()
	return spans
}

// consolidateSpan summarizes one span and commits it. Returns the number of
// turns actually marked and the character savings.
func (c *Consolidator) consolidateSpan(ctx context.Context, userID string, span []types.Turn) (int, int, error) {
	texts := make([]string, len(span))
	inputChars := 0
	turnIDs := make([]string, len(span))
	for i, turn := range span {
		texts[i] = fmt.Sprintf("%s: %s", turn.Role, turn.Text)
		inputChars += len(turn.Text)
		turnIDs[i] = turn.ID
	}

	response, err := c.generator.Complete(ctx, llm.SpanSummaryPrompt(texts))
	if err != nil {
		return 0, 0, fmt.Errorf("summarization call failed: %w", err)
	}
	text, err := llm.ParseSummary(response)
	if err != nil {
		return 0, 0, fmt.Errorf("summarization parse failed: %w", err)
	}

	saved := inputChars - len(text)
	if saved < 0 {
		saved = 0
	}
	summary := &types.Summary{
		ID:         uuid.NewString(),
		UserID:     userID,
		Text:       text,
		TurnCount:  len(span),
		FromTurnID: span[0].ID,
		ToTurnID:   span[len(span)-1].ID,
		SpanStart:  span[0].Timestamp,
		SpanEnd:    span[len(span)-1].Timestamp,
		CharsSaved: saved,
		CreatedAt:  time.Now(),
	}

	marked, err := c.store.CommitSummary(ctx, summary, turnIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("summary commit failed: %w", err)
	}
	if marked == 0 {
		// Every turn was consolidated concurrently; the summary was
		// discarded by the store.
		return 0, 0, nil
	}

	// Vector indexing happens after the commit; a failure leaves the summary
	// lexical-only searchable rather than rolling anything back.
	if c.embedder != nil {
		if vec, err := c.embedder.Embed(ctx, text); err != nil {
			log.Printf("WARNING: Summary %s embedding failed: %v", summary.ID, err)
		} else if err := c.store.UpsertEmbedding(ctx, userID, summary.ID, types.DocSummary, vec); err != nil {
			log.Printf("WARNING: Summary %s embedding write failed: %v", summary.ID, err)
		}
	}
	return marked, saved, nil
}

func (c *Consolidator) cutoff() time.Time {
	return time.Now().AddDate(0, 0, -c.cutoffDays)
}

func (c *Consolidator) tryLock(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[userID]; busy {
		return false
	}
	c.running[userID] = struct{}{}
	return true
}

func (c *Consolidator) unlock(userID string) {
	c.mu.Lock()
	delete(c.running, userID)
	c.mu.Unlock()
}
