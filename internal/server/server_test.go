package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/internal/config"
	"github.com/chartmann1590/mumble-ai-memory/internal/engine"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/rediscache"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/sqlite"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

type stubGenerator struct{}

func (stubGenerator) Complete(context.Context, string) (string, error) {
	return `{"entities":[]}`, nil
}

func (stubGenerator) GetModel() string { return "stub" }

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) GetModel() string { return "stub-embed" }

func devConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{Mode: "development"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := rediscache.NewMemory(15, time.Minute)
	engineCfg := engine.DefaultConfig()
	engineCfg.Workers = 1
	engineCfg.QueueSize = 16

	manager, err := engine.NewManager(store, cache, stubGenerator{}, stubEmbedder{}, nil, engineCfg)
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return NewRouter(cfg, manager, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSaveTurnAndGetContext(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := postJSON(t, handler, "/api/turns", map[string]string{
		"user_id": "alice",
		"role":    "user",
		"kind":    "voice",
		"text":    "Dentist appointment tomorrow at 3pm",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var turn types.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.NotEmpty(t, turn.ID)
	assert.Equal(t, types.EnrichmentPending, turn.EntityStatus)

	rec = get(handler, "/api/context?user=alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var bundle engine.ContextBundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	require.Len(t, bundle.Window, 1)
	assert.Equal(t, turn.ID, bundle.Window[0].ID)
}

func TestSaveTurnValidation(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := postJSON(t, handler, "/api/turns", map[string]string{
		"user_id": "alice",
		"role":    "user",
		"kind":    "voice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION", resp.Code)
}

func TestSearchRequiresQuery(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/api/search?user=alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEmptyCorpus(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/api/search?user=alice&query=anything")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp engine.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Hits)
}

func TestSearchFilterParsing(t *testing.T) {
	handler := newTestServer(t, devConfig())

	// Malformed timestamps are rejected before reaching the engine.
	rec := get(handler, "/api/search?user=alice&query=dentist&from=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(handler, "/api/search?user=alice&query=dentist&to=2026-13-99")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown entity types are rejected too.
	rec = get(handler, "/api/search?user=alice&query=dentist&type=creature")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An inverted range is a validation error.
	rec = get(handler, "/api/search?user=alice&query=dentist&from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Well-formed filters flow through.
	rec = get(handler, "/api/search?user=alice&query=dentist&type=person&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp engine.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Hits)
}

func TestSearchFiltersNarrowResults(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := postJSON(t, handler, "/api/turns", map[string]string{
		"user_id": "alice",
		"role":    "user",
		"kind":    "text",
		"text":    "dentist appointment on Friday",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		r := get(handler, "/api/search?user=alice&query=dentist")
		if r.Code != http.StatusOK {
			return false
		}
		var resp engine.SearchResponse
		if err := json.Unmarshal(r.Body.Bytes(), &resp); err != nil {
			return false
		}
		return len(resp.Hits) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// A range entirely before the utterance excludes the turn.
	past := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	rec = get(handler, "/api/search?user=alice&query=dentist&to="+past)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp engine.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Hits)
}

func TestListEntitiesEmpty(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/api/entities?user=alice")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteEntityNotFound(t *testing.T) {
	handler := newTestServer(t, devConfig())

	req := httptest.NewRequest(http.MethodDelete, "/api/entities/no-such-id?user=alice", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAliasUnknownEntity(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := postJSON(t, handler, "/api/entities/no-such-id/aliases", map[string]string{
		"user_id": "alice",
		"alias":   "bob",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunConsolidationEndpoint(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := postJSON(t, handler, "/api/consolidation/run", map[string]string{"user_id": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var run types.ConsolidationRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Zero(t, run.TurnsConsolidated)
}

func TestStatusEndpoint(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Started)
	assert.True(t, status.Store.Healthy)
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/api/turns")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProductionModeRequiresToken(t *testing.T) {
	cfg := devConfig()
	cfg.Security.Mode = "production"
	cfg.Security.APIToken = "secret-token"
	handler := newTestServer(t, cfg)

	// No token.
	rec := get(handler, "/api/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	rec = get(handler, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	handler := newTestServer(t, devConfig())

	rec := get(handler, "/healthz")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestWebSocketHubBroadcast(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	client := &mockHubClient{send: make(chan []byte, 4)}
	hub.register <- client

	hub.Broadcast(Event{Type: EventTurnSaved, Data: map[string]string{"turn_id": "t1"}})

	select {
	case data := <-client.send:
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, EventTurnSaved, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

type mockHubClient struct {
	send chan []byte
}

func (m *mockHubClient) sendChannel() chan []byte { return m.send }
func (m *mockHubClient) closeConn()               {}

// A client disconnecting after the hub has stopped must not hang on the
// unregister handoff.
func TestHubDropAfterStop(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()

	client := &mockHubClient{send: make(chan []byte, 4)}
	hub.register <- client

	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.drop(client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop blocked after hub stop")
	}
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	rl := NewRateLimiter(1.0, 2)
	handler := rateLimit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), rl)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := get(handler, fmt.Sprintf("/x?i=%d", i))
		codes[rec.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}
