package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/postgres"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	store, err := postgres.New(postgresTestDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.TruncateForTest(context.Background()))
	return store
}

func makeTurn(userID, text string, ts time.Time) *types.Turn {
	return &types.Turn{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      types.RoleUser,
		Kind:      types.KindVoice,
		Text:      text,
		Timestamp: ts,
	}
}

func TestSaveAndGetTurn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turn := makeTurn("alice", "meeting Sam at the harbor on Friday", time.Now())
	require.NoError(t, store.SaveTurn(ctx, turn))

	got, err := store.GetTurn(ctx, "alice", turn.ID)
	require.NoError(t, err)
	assert.Equal(t, turn.Text, got.Text)

	_, err = store.GetTurn(ctx, "bob", turn.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitSummaryTransactional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-30 * 24 * time.Hour)

	var ids []string
	for i := 0; i < 3; i++ {
		turn := makeTurn("alice", "old topic", old.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.SaveTurn(ctx, turn))
		ids = append(ids, turn.ID)
	}

	summary := &types.Summary{
		ID:         uuid.NewString(),
		UserID:     "alice",
		Text:       "The user discussed an old topic repeatedly.",
		TurnCount:  3,
		FromTurnID: ids[0],
		ToTurnID:   ids[2],
		SpanStart:  old,
		SpanEnd:    old.Add(2 * time.Minute),
	}
	marked, err := store.CommitSummary(ctx, summary, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	// A second commit over the same turns is a no-op.
	dup := *summary
	dup.ID = uuid.NewString()
	marked, err = store.CommitSummary(ctx, &dup, ids)
	require.NoError(t, err)
	assert.Zero(t, marked)
}

func TestLexicalSearchScopedToUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTurn(ctx, makeTurn("alice", "booked tickets to the jazz festival", time.Now())))
	require.NoError(t, store.SaveTurn(ctx, makeTurn("bob", "jazz is overrated", time.Now())))

	hits, err := store.LexicalSearch(ctx, "alice", "jazz festival", 10, storage.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Text, "tickets")
}

func TestSemanticSearchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turnA := makeTurn("alice", "vector A", time.Now())
	turnB := makeTurn("alice", "vector B", time.Now())
	require.NoError(t, store.SaveTurn(ctx, turnA))
	require.NoError(t, store.SaveTurn(ctx, turnB))
	require.NoError(t, store.UpsertEmbedding(ctx, "alice", turnA.ID, types.DocTurn, []float32{1, 0, 0}))
	require.NoError(t, store.UpsertEmbedding(ctx, "alice", turnB.ID, types.DocTurn, []float32{0, 1, 0}))

	hits, err := store.SemanticSearch(ctx, "alice", []float32{1, 0, 0}, 10, storage.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, turnA.ID, hits[0].DocID)
}

func TestEntityUpsertAndAlias(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := &types.CanonicalEntity{
		ID:         uuid.NewString(),
		UserID:     "alice",
		Type:       types.EntityPerson,
		Label:      "Samantha",
		Normalized: "samantha",
	}
	require.NoError(t, store.UpsertCanonical(ctx, entity))

	again := &types.CanonicalEntity{
		ID:         uuid.NewString(),
		UserID:     "alice",
		Type:       types.EntityPerson,
		Label:      "Samantha",
		Normalized: "samantha",
	}
	require.NoError(t, store.UpsertCanonical(ctx, again))
	assert.Equal(t, entity.ID, again.ID)
	assert.Equal(t, 2, again.MentionCount)

	require.NoError(t, store.AddAlias(ctx, "alice", entity.ID, "sam"))
	resolved, err := store.LookupAlias(ctx, "alice", "sam")
	require.NoError(t, err)
	assert.Equal(t, entity.ID, resolved.ID)

	require.NoError(t, store.DeleteCanonical(ctx, "alice", entity.ID))
	_, err = store.FindCanonical(ctx, "alice", "samantha", types.EntityPerson)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
