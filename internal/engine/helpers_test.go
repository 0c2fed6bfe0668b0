package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage/sqlite"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// mockGenerator implements llm.TextGenerator. Complete dispatches on the
// prompt so one mock can serve both extraction and summarization.
type mockGenerator struct {
	complete func(prompt string) (string, error)
}

func (m *mockGenerator) Complete(_ context.Context, prompt string) (string, error) {
	return m.complete(prompt)
}

func (m *mockGenerator) GetModel() string { return "mock-llm" }

// extractionResponse builds the strict-JSON reply the extraction prompt
// expects.
func extractionResponse(surface, entityType string, confidence float64) string {
	return fmt.Sprintf(
		`{"entities":[{"surface":"%s","type":"%s","confidence":%v,"context":""}]}`,
		surface, entityType, confidence)
}

// emptyExtraction is a reply with no entities.
const emptyExtraction = `{"entities":[]}`

// summaryResponse builds the strict-JSON reply the summarization prompt
// expects.
func summaryResponse(text string) string {
	return fmt.Sprintf(`{"summary":"%s"}`, text)
}

// extractionOnly returns a generator that answers every prompt with the same
// extraction reply.
func extractionOnly(response string) *mockGenerator {
	return &mockGenerator{complete: func(string) (string, error) {
		return response, nil
	}}
}

// dispatchingGenerator answers summarization prompts with summary and
// everything else with extraction.
func dispatchingGenerator(extraction, summary string) *mockGenerator {
	return &mockGenerator{complete: func(prompt string) (string, error) {
		if strings.Contains(prompt, `"summary"`) {
			return summary, nil
		}
		return extraction, nil
	}}
}

// healthCheckedGenerator is a mockGenerator that also answers health checks.
type healthCheckedGenerator struct {
	*mockGenerator
	healthErr error
}

func (g *healthCheckedGenerator) HealthCheck(context.Context) error { return g.healthErr }

// mockEmbedder implements llm.EmbeddingGenerator with a fixed function.
type mockEmbedder struct {
	embed func(text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return m.embed(text)
}

func (m *mockEmbedder) GetModel() string { return "mock-embed" }

// constantEmbedder returns the same vector for every text.
func constantEmbedder(vec []float32) *mockEmbedder {
	return &mockEmbedder{embed: func(string) ([]float32, error) {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}}
}

// failingEmbedder always errors.
func failingEmbedder() *mockEmbedder {
	return &mockEmbedder{embed: func(string) ([]float32, error) {
		return nil, fmt.Errorf("embedding service down")
	}}
}

func testTurn(userID, text string, ts time.Time) *types.Turn {
	return &types.Turn{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      types.RoleUser,
		Kind:      types.KindText,
		Text:      text,
		Timestamp: ts,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 32
	return cfg
}
