package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/internal/llm"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/rediscache"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/sqlite"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

func newTestManager(t *testing.T, gen llm.TextGenerator, embedder llm.EmbeddingGenerator) *Manager {
	t.Helper()
	store := newTestStore(t)
	cache := rediscache.NewMemory(15, time.Minute)
	m, err := NewManager(store, cache, gen, embedder, nil, testConfig())
	require.NoError(t, err)
	return m
}

func startTestManager(t *testing.T, gen llm.TextGenerator, embedder llm.EmbeddingGenerator) *Manager {
	t.Helper()
	m := newTestManager(t, gen, embedder)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// waitEnriched polls until both enrichment stages complete for the turn.
func waitEnriched(t *testing.T, m *Manager, userID, turnID string) *types.Turn {
	t.Helper()
	var got *types.Turn
	require.Eventually(t, func() bool {
		turn, err := m.store.GetTurn(context.Background(), userID, turnID)
		if err != nil {
			return false
		}
		got = turn
		return turn.EntityStatus == types.EnrichmentCompleted &&
			turn.EmbeddingStatus == types.EnrichmentCompleted
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestManagerSaveAndEnrich(t *testing.T) {
	gen := dispatchingGenerator(extractionResponse("Dr. Chen", "person", 0.9), summaryResponse("x"))
	m := startTestManager(t, gen, constantEmbedder([]float32{1, 0, 0}))
	ctx := context.Background()

	turn, err := m.Save(ctx, &types.Turn{
		UserID: "alice",
		Role:   types.RoleUser,
		Kind:   types.KindVoice,
		Text:   "Seeing Dr. Chen at 3pm",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.ID)
	assert.False(t, turn.Timestamp.IsZero())

	waitEnriched(t, m, "alice", turn.ID)

	list, err := m.ListEntities(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "chen", list.Items[0].Normalized)
}

func TestManagerSaveValidation(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), nil)
	ctx := context.Background()

	_, err := m.Save(ctx, &types.Turn{UserID: "alice", Role: types.RoleUser, Kind: types.KindText})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = m.Save(ctx, &types.Turn{UserID: "", Role: types.RoleUser, Kind: types.KindText, Text: "hi"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = m.Save(ctx, &types.Turn{UserID: "alice", Role: "narrator", Kind: types.KindText, Text: "hi"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestManagerRequiresStart(t *testing.T) {
	m := newTestManager(t, extractionOnly(emptyExtraction), nil)
	ctx := context.Background()

	_, err := m.Save(ctx, testTurn("alice", "hello", time.Now()))
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = m.RunConsolidation(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestManagerGetContextEmptyHistory(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), constantEmbedder([]float32{1}))
	ctx := context.Background()

	bundle, err := m.GetContext(ctx, "nobody", "", 10)
	require.NoError(t, err)
	assert.Empty(t, bundle.Window)
	assert.Empty(t, bundle.Hits)

	bundle, err = m.GetContext(ctx, "nobody", "anything at all", 10)
	require.NoError(t, err)
	assert.Empty(t, bundle.Window)
	assert.Empty(t, bundle.Hits)
}

func TestManagerContextRebuildsWindowAfterExpiry(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), nil)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		_, err := m.Save(ctx, &types.Turn{UserID: "alice", Role: types.RoleUser, Kind: types.KindText, Text: text})
		require.NoError(t, err)
	}

	// Simulate window expiry; the durable store must rebuild it.
	require.NoError(t, m.cache.Invalidate(ctx, "alice"))

	bundle, err := m.GetContext(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, bundle.Window, 3)
	assert.Equal(t, "first", bundle.Window[0].Text)
	assert.Equal(t, "third", bundle.Window[2].Text)
}

func TestManagerSearchFindsSavedTurn(t *testing.T) {
	gen := dispatchingGenerator(emptyExtraction, summaryResponse("x"))
	m := startTestManager(t, gen, constantEmbedder([]float32{1, 0}))
	ctx := context.Background()

	turn, err := m.Save(ctx, &types.Turn{
		UserID: "charles", Role: types.RoleUser, Kind: types.KindVoice,
		Text: "Dentist appointment tomorrow at 3pm",
	})
	require.NoError(t, err)
	_, err = m.Save(ctx, &types.Turn{
		UserID: "charles", Role: types.RoleUser, Kind: types.KindVoice,
		Text: "The weather is nice today",
	})
	require.NoError(t, err)
	waitEnriched(t, m, "charles", turn.ID)

	resp, err := m.Search(ctx, "charles", "dentist appointment time", 5, storage.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, turn.ID, resp.Hits[0].DocID)
}

func TestManagerSearchValidation(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), nil)
	ctx := context.Background()

	_, err := m.Search(ctx, "", "query", 5, storage.SearchFilters{})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = m.Search(ctx, "alice", "   ", 5, storage.SearchFilters{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestManagerUserIsolation(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), nil)
	ctx := context.Background()

	turn, err := m.Save(ctx, &types.Turn{
		UserID: "alice", Role: types.RoleUser, Kind: types.KindText,
		Text: "my secret garden project",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.store.GetTurn(ctx, "alice", turn.ID)
		return err == nil && got.EntityStatus == types.EnrichmentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := m.Search(ctx, "bob", "secret garden", 5, storage.SearchFilters{})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
}

func TestManagerAliasAndDelete(t *testing.T) {
	gen := dispatchingGenerator(extractionResponse("Robert", "person", 0.9), summaryResponse("x"))
	m := startTestManager(t, gen, nil)
	ctx := context.Background()

	turn, err := m.Save(ctx, &types.Turn{
		UserID: "alice", Role: types.RoleUser, Kind: types.KindText,
		Text: "Robert is coming over",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := m.store.GetTurn(ctx, "alice", turn.ID)
		return err == nil && got.EntityStatus == types.EnrichmentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	list, err := m.ListEntities(ctx, "alice", types.EntityPerson, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	robert := list.Items[0]

	// The alias surface is normalized before storage.
	require.NoError(t, m.AddAlias(ctx, "alice", robert.ID, "  Bob.  "))
	resolved, err := m.store.LookupAlias(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, robert.ID, resolved.ID)

	require.NoError(t, m.DeleteEntity(ctx, "alice", robert.ID))
	err = m.DeleteEntity(ctx, "alice", robert.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err = m.ListEntities(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestManagerListEntitiesValidation(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), nil)

	_, err := m.ListEntities(context.Background(), "alice", "creature", storage.ListOptions{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestManagerStatus(t *testing.T) {
	m := startTestManager(t, extractionOnly(emptyExtraction), constantEmbedder([]float32{1}))

	status := m.Status(context.Background())
	assert.True(t, status.Started)
	assert.True(t, status.Store.Healthy)
	assert.True(t, status.Cache.Healthy)
	assert.Equal(t, "mock-llm", status.LLMModel)
	assert.Equal(t, "mock-embed", status.EmbedModel)
	// Mock clients expose no health check, so the live checks stay unset.
	assert.Nil(t, status.LLM)
	assert.Nil(t, status.Embedder)
	require.NotNil(t, status.Stats)
}

// A job still running when Shutdown is called must finish cleanly: the
// drain happens outside the manager lock so the enriched callback can fire,
// and nothing touches the queue in a way that can panic.
func TestShutdownWithJobInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &mockGenerator{complete: func(string) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return emptyExtraction, nil
	}}
	m := newTestManager(t, gen, nil)
	enriched := make(chan string, 1)
	m.SetOnTurnEnriched(func(turnID, _ string) { enriched <- turnID })
	require.NoError(t, m.Start(context.Background()))

	turn, err := m.Save(context.Background(), testTurn("alice", "hold the line", time.Now()))
	require.NoError(t, err)
	<-entered

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(begin), 3*time.Second)

	select {
	case id := <-enriched:
		assert.Equal(t, turn.ID, id)
	default:
		t.Fatal("enriched callback did not fire for the in-flight turn")
	}

	got, err := m.store.GetTurn(context.Background(), "alice", turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnrichmentCompleted, got.EntityStatus)
}

// A job that fails while the engine is draining is not requeued; the turn is
// left in a durable failed state for the backfill sweep.
func TestShutdownSkipsRetryOfFailingJob(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &mockGenerator{complete: func(string) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return "", fmt.Errorf("model unavailable")
	}}
	m := startTestManager(t, gen, nil)

	turn, err := m.Save(context.Background(), testTurn("alice", "doomed attempt", time.Now()))
	require.NoError(t, err)
	<-entered

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(begin), 3*time.Second)

	got, err := m.store.GetTurn(context.Background(), "alice", turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnrichmentFailed, got.EntityStatus)
}

// When every retry is exhausted the turn lands failed, the save itself
// untouched; a later backfill sweep re-queues it and enrichment completes.
func TestEnrichmentFailureRecoveredByBackfill(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	gen := &mockGenerator{complete: func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return "", fmt.Errorf("model unavailable")
		}
		return extractionResponse("Maria", "person", 0.9), nil
	}}

	store := newTestStore(t)
	cache := rediscache.NewMemory(15, time.Minute)
	cfg := testConfig()
	cfg.MaxRetries = 1
	m, err := NewManager(store, cache, gen, nil, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	ctx := context.Background()

	turn, err := m.Save(ctx, testTurn("alice", "lunch with Maria", time.Now()))
	require.NoError(t, err)

	// First attempt and its single retry both fail.
	require.Eventually(t, func() bool {
		got, err := store.GetTurn(ctx, "alice", turn.ID)
		return err == nil && got.EntityStatus == types.EnrichmentFailed
	}, 5*time.Second, 10*time.Millisecond)

	list, err := m.ListEntities(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	// The sweep re-queues the failed turn and this attempt succeeds.
	queued, err := m.sweepPendingEnrichments(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	waitEnriched(t, m, "alice", turn.ID)

	list, err = m.ListEntities(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "maria", list.Items[0].Normalized)
}

// Entity first/last-seen times come from when the turn was uttered, not from
// when the async worker got around to it.
func TestEntityTimesFollowUtterance(t *testing.T) {
	gen := dispatchingGenerator(extractionResponse("Maria", "person", 0.9), summaryResponse("x"))
	m := startTestManager(t, gen, nil)
	ctx := context.Background()

	uttered := time.Now().Add(-48 * time.Hour)
	turn, err := m.Save(ctx, testTurn("alice", "lunch with Maria on Tuesday", uttered))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.store.GetTurn(ctx, "alice", turn.ID)
		return err == nil && got.EntityStatus == types.EnrichmentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	list, err := m.ListEntities(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.WithinDuration(t, uttered, list.Items[0].FirstSeen, time.Minute)
	assert.WithinDuration(t, uttered, list.Items[0].LastSeen, time.Minute)
}

func TestManagerStatusReportsLLMHealth(t *testing.T) {
	gen := &healthCheckedGenerator{mockGenerator: extractionOnly(emptyExtraction)}
	m := startTestManager(t, gen, nil)

	status := m.Status(context.Background())
	require.NotNil(t, status.LLM)
	assert.True(t, status.LLM.Healthy)
	assert.Nil(t, status.Embedder)

	down := &healthCheckedGenerator{
		mockGenerator: extractionOnly(emptyExtraction),
		healthErr:     fmt.Errorf("connection refused"),
	}
	m2 := startTestManager(t, down, nil)
	status = m2.Status(context.Background())
	require.NotNil(t, status.LLM)
	assert.False(t, status.LLM.Healthy)
	assert.Contains(t, status.LLM.Detail, "connection refused")
}

func TestManagerConsolidationEndToEnd(t *testing.T) {
	gen := dispatchingGenerator(emptyExtraction, summaryResponse("Charles talked about his dentist."))
	m := startTestManager(t, gen, constantEmbedder([]float32{1, 0}))
	ctx := context.Background()

	// Seed old turns directly; Save would stamp them with current times.
	saveOldTurns(t, m.store.(*sqlite.Store), "charles", 4, 30)

	run, err := m.RunConsolidation(ctx, "charles")
	require.NoError(t, err)
	assert.Equal(t, 4, run.TurnsConsolidated)

	// getContext for the old topic now surfaces the summary.
	bundle, err := m.GetContext(ctx, "charles", "dentist", 10)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Hits)
	assert.Equal(t, types.DocSummary, bundle.Hits[0].Kind)
}
