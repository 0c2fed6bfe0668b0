package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chartmann1590/mumble-ai-memory/internal/llm"
	"github.com/chartmann1590/mumble-ai-memory/internal/observability"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// breakerStater is implemented by LLM clients that expose their circuit
// breaker state for the status endpoint.
type breakerStater interface {
	BreakerState() string
}

// Manager is the boundary of the memory engine. It owns the durable save
// path, the session window, the enrichment worker pool, hybrid search, and
// consolidation, and exposes the operations the HTTP layer serves.
type Manager struct {
	config Config

	store storage.Store
	cache storage.SessionCache

	generator llm.TextGenerator
	embedder  llm.EmbeddingGenerator

	tracker      *EntityTracker
	search       *SearchEngine
	consolidator *Consolidator

	metrics *observability.Metrics

	enrichmentQueue chan *EnrichmentJob
	workerWaitGroup sync.WaitGroup
	workerCtx       context.Context
	workerCancel    context.CancelFunc

	mu           sync.RWMutex
	started      bool
	shuttingDown bool

	onTurnSaved              func(turn *types.Turn)
	onTurnEnriched           func(turnID, userID string)
	onConsolidationCompleted func(run *types.ConsolidationRun)
}

// NewManager wires a Manager from its injected dependencies. The embedder may
// be nil, in which case semantic search and embedding enrichment are disabled
// and search runs lexical-only (degraded). Metrics may be nil.
func NewManager(store storage.Store, cache storage.SessionCache, generator llm.TextGenerator, embedder llm.EmbeddingGenerator, metrics *observability.Metrics, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("session cache is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("text generator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	m := &Manager{
		config:          cfg,
		store:           store,
		cache:           cache,
		generator:       generator,
		embedder:        embedder,
		metrics:         metrics,
		enrichmentQueue: make(chan *EnrichmentJob, cfg.QueueSize),
	}
	m.tracker = NewEntityTracker(store, generator, nil, cfg.ConfidenceFloor)
	m.search = NewSearchEngine(store, embedder, cfg)
	m.consolidator = NewConsolidator(store, generator, embedder, cfg)
	m.consolidator.onCompleted = func(run *types.ConsolidationRun) {
		m.notifyConsolidationCompleted(run)
	}
	return m, nil
}

// SetOnTurnSaved registers a callback fired after a turn is durably saved.
func (m *Manager) SetOnTurnSaved(fn func(turn *types.Turn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTurnSaved = fn
}

// SetOnTurnEnriched registers a callback fired when enrichment completes for
// a turn.
func (m *Manager) SetOnTurnEnriched(fn func(turnID, userID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTurnEnriched = fn
}

// SetOnConsolidationCompleted registers a callback fired after a
// consolidation run finishes for a user.
func (m *Manager) SetOnConsolidationCompleted(fn func(run *types.ConsolidationRun)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConsolidationCompleted = fn
}

// Start launches the worker pool and kicks off enrichment recovery in the
// background. Must be called before Save.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("engine already started")
	}
	if m.shuttingDown {
		return fmt.Errorf("engine is shutting down")
	}

	log.Println("Starting memory engine...")

	m.workerCtx, m.workerCancel = context.WithCancel(context.Background())
	m.startWorkerPool(m.workerCtx)

	go func() {
		if err := m.RecoverPendingEnrichments(m.workerCtx); err != nil {
			log.Printf("ERROR: Enrichment recovery failed: %v", err)
		}
	}()

	m.started = true
	log.Println("Memory engine started")
	return nil
}

// Shutdown stops the engine: the worker context is cancelled and workers
// finish their in-flight jobs, bounded by the context deadline. The drain
// happens outside m.mu so finishing workers can still fire callbacks; jobs
// left in the queue are dropped and recovered from their durable statuses at
// the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.started = false
	m.shuttingDown = true
	m.mu.Unlock()

	log.Println("Shutting down memory engine...")

	if m.workerCancel != nil {
		m.workerCancel()
	}
	if err := m.stopWorkerPool(ctx); err != nil {
		log.Printf("WARNING: Worker pool shutdown had errors: %v", err)
	}

	m.mu.Lock()
	m.shuttingDown = false
	m.mu.Unlock()
	log.Println("Memory engine shut down")
	return nil
}

// Save durably persists a turn, updates the session window, and queues async
// enrichment. Only the store write can fail the call; cache and queue
// problems degrade (the recovery sweep completes derived data later).
func (m *Manager) Save(ctx context.Context, turn *types.Turn) (*types.Turn, error) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	if turn == nil {
		return nil, fmt.Errorf("%w: turn is required", types.ErrValidation)
	}
	if err := turn.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	turn.EntityStatus = types.EnrichmentPending
	turn.EmbeddingStatus = types.EnrichmentPending

	if err := m.store.SaveTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("failed to save turn: %w", err)
	}

	if m.metrics != nil {
		m.metrics.TurnsSaved.Inc()
		m.metrics.ObserveSaveLatency(time.Since(start))
	}

	// A cache failure is not a save failure; the next read rebuilds.
	if err := m.cache.Push(ctx, turn.UserID, *turn); err != nil {
		log.Printf("WARNING: Session cache push failed for turn %s: %v", turn.ID, err)
	}

	if !m.queueEnrichmentJob(m.newEnrichmentJob(turn, 0, false)) {
		// Queue full: the turn stays pending and the backfill sweep
		// picks it up.
		log.Printf("WARNING: Enrichment queue full, turn %s left pending", turn.ID)
	}

	m.notifyTurnSaved(turn)
	return turn, nil
}

// GetContext returns the session window plus fused search hits for the
// optional query. It never fails for an empty history, and a total search
// failure degrades to a window-only bundle.
func (m *Manager) GetContext(ctx context.Context, userID, query string, limit int) (*ContextBundle, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", types.ErrValidation)
	}
	if limit <= 0 {
		limit = m.config.TopK
	}

	window, err := m.sessionWindow(ctx, userID)
	if err != nil {
		return nil, err
	}

	bundle := &ContextBundle{Window: window}
	if strings.TrimSpace(query) == "" {
		return bundle, nil
	}

	resp, err := m.search.Search(ctx, userID, query, limit, storage.SearchFilters{})
	if err != nil {
		log.Printf("WARNING: Context search failed for user %s: %v", userID, err)
		bundle.Degraded = true
		return bundle, nil
	}
	bundle.Degraded = resp.Degraded

	// Drop hits already present verbatim in the window.
	inWindow := make(map[string]struct{}, len(window))
	for _, t := range window {
		inWindow[t.ID] = struct{}{}
	}
	for _, hit := range resp.Hits {
		if _, ok := inWindow[hit.DocID]; ok {
			continue
		}
		bundle.Hits = append(bundle.Hits, hit)
	}
	return bundle, nil
}

// sessionWindow returns the cached window, rebuilding it from the durable
// store on a miss.
func (m *Manager) sessionWindow(ctx context.Context, userID string) ([]types.Turn, error) {
	window, err := m.cache.Window(ctx, userID)
	if err != nil {
		log.Printf("WARNING: Session cache read failed for user %s: %v", userID, err)
	} else if window != nil {
		m.observeCache("hit")
		return window, nil
	}
	m.observeCache("miss")

	window, err = m.store.RecentTurns(ctx, userID, m.config.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild session window: %w", err)
	}
	if err := m.cache.Replace(ctx, userID, window); err != nil {
		log.Printf("WARNING: Session cache rebuild write failed for user %s: %v", userID, err)
	}
	return window, nil
}

func (m *Manager) observeCache(result string) {
	if m.metrics != nil {
		m.metrics.SessionCache.WithLabelValues(result).Inc()
	}
}

// Search runs hybrid search for the user, optionally narrowed by filters.
// Unlike GetContext it fails when both tiers fail.
func (m *Manager) Search(ctx context.Context, userID, query string, limit int, filters storage.SearchFilters) (*SearchResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", types.ErrValidation)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", types.ErrValidation)
	}
	if filters.EntityType != "" && !types.IsValidEntityType(filters.EntityType) {
		return nil, fmt.Errorf("%w: unknown entity type %q", types.ErrValidation, filters.EntityType)
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.To.Before(filters.From) {
		return nil, fmt.Errorf("%w: date range end precedes start", types.ErrValidation)
	}
	if limit <= 0 {
		limit = m.config.TopK
	}

	start := time.Now()
	resp, err := m.search.Search(ctx, userID, query, limit, filters)
	if m.metrics != nil {
		m.metrics.ObserveSearchLatency(time.Since(start))
		switch {
		case err != nil:
			m.metrics.SearchRequests.WithLabelValues("failed").Inc()
		case resp.Degraded:
			m.metrics.SearchRequests.WithLabelValues("degraded").Inc()
		default:
			m.metrics.SearchRequests.WithLabelValues("fused").Inc()
		}
	}
	return resp, err
}

// ListEntities returns the user's live canonical entities, optionally
// filtered by type.
func (m *Manager) ListEntities(ctx context.Context, userID string, entityType types.EntityType, opts storage.ListOptions) (*storage.PaginatedResult[types.CanonicalEntity], error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", types.ErrValidation)
	}
	if entityType != "" && !types.IsValidEntityType(entityType) {
		return nil, fmt.Errorf("%w: unknown entity type %q", types.ErrValidation, entityType)
	}
	return m.store.ListCanonical(ctx, userID, entityType, opts)
}

// AddAlias maps an alias surface onto an existing canonical entity. The
// alias is normalized with the same normalizer used during resolution, so
// future mentions of it resolve to the target entity.
func (m *Manager) AddAlias(ctx context.Context, userID, canonicalID, alias string) error {
	if userID == "" || canonicalID == "" {
		return fmt.Errorf("%w: user id and entity id are required", types.ErrValidation)
	}
	norm := m.tracker.normalizer.Normalize(alias)
	if norm == "" {
		return fmt.Errorf("%w: alias is empty after normalization", types.ErrValidation)
	}
	return m.store.AddAlias(ctx, userID, canonicalID, norm)
}

// DeleteEntity soft-deletes a canonical entity. Past mentions and turn text
// are untouched; a later mention of the same name starts a fresh entity.
func (m *Manager) DeleteEntity(ctx context.Context, userID, entityID string) error {
	if userID == "" || entityID == "" {
		return fmt.Errorf("%w: user id and entity id are required", types.ErrValidation)
	}
	return m.store.DeleteCanonical(ctx, userID, entityID)
}

// RunConsolidation triggers a consolidation run. With a user it consolidates
// that user only, returning ErrConsolidationBusy when a run is already in
// flight; without one it behaves like the scheduled job and covers every user
// with eligible turns.
func (m *Manager) RunConsolidation(ctx context.Context, userID string) (*types.ConsolidationRun, error) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}

	var run *types.ConsolidationRun
	var err error
	if userID != "" {
		run, err = m.consolidator.RunForUser(ctx, userID)
	} else {
		run, err = m.consolidator.RunAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.ConsolidatedTurns.Add(float64(run.TurnsConsolidated))
		m.metrics.ConsolidationSpans.WithLabelValues("committed").Add(float64(run.SummariesCreated))
		m.metrics.ConsolidationSpans.WithLabelValues("failed").Add(float64(run.SpansFailed))
	}
	return run, nil
}

// Status reports per-tier health, queue depth, and corpus counts.
func (m *Manager) Status(ctx context.Context) *Status {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()

	status := &Status{
		Started:    started,
		QueueDepth: len(m.enrichmentQueue),
		Store:      tierStatus(m.store.Ping(ctx)),
		Cache:      tierStatus(m.cache.Ping(ctx)),
		LLMModel:   m.generator.GetModel(),
	}
	if bs, ok := m.generator.(breakerStater); ok {
		status.LLMBreaker = bs.BreakerState()
	}
	if hc, ok := m.generator.(llm.HealthChecker); ok {
		ts := tierStatus(hc.HealthCheck(ctx))
		status.LLM = &ts
	}
	if m.embedder != nil {
		status.EmbedModel = m.embedder.GetModel()
		if bs, ok := m.embedder.(breakerStater); ok {
			status.EmbedBreaker = bs.BreakerState()
		}
		if hc, ok := m.embedder.(llm.HealthChecker); ok {
			ts := tierStatus(hc.HealthCheck(ctx))
			status.Embedder = &ts
		}
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		log.Printf("WARNING: Store stats failed: %v", err)
	} else {
		status.Stats = stats
	}

	if m.metrics != nil {
		m.metrics.EnrichmentQueueDepth.Set(float64(status.QueueDepth))
	}
	return status
}

// Healthy reports whether the durable store is reachable. Used by the
// liveness endpoint.
func (m *Manager) Healthy(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func tierStatus(err error) TierStatus {
	if err != nil {
		return TierStatus{Healthy: false, Detail: err.Error()}
	}
	return TierStatus{Healthy: true}
}

func (m *Manager) notifyTurnSaved(turn *types.Turn) {
	m.mu.RLock()
	fn := m.onTurnSaved
	m.mu.RUnlock()
	if fn != nil {
		fn(turn)
	}
}

func (m *Manager) notifyTurnEnriched(turnID, userID string) {
	m.mu.RLock()
	fn := m.onTurnEnriched
	m.mu.RUnlock()
	if fn != nil {
		fn(turnID, userID)
	}
}

func (m *Manager) notifyConsolidationCompleted(run *types.ConsolidationRun) {
	m.mu.RLock()
	fn := m.onConsolidationCompleted
	m.mu.RUnlock()
	if fn != nil {
		fn(run)
	}
}
