package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

func TestDefaultNormalizer(t *testing.T) {
	n := DefaultNormalizer{}

	tests := []struct {
		surface string
		want    string
	}{
		{"Dr. Chen", "chen"},
		{"CHEN", "chen"},
		{"  Mrs.   Smith  ", "smith"},
		{"San  Francisco", "san francisco"},
		{"Bob's", "bob's"},
		{"Acme, Inc.", "acme inc"},
		{"Dr.", "dr"}, // a lone honorific is kept, there is nothing else to name
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, n.Normalize(tt.surface), "surface %q", tt.surface)
	}
}

func TestTrackerResolvesRepeatMentions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	gen := &mockGenerator{complete: func(prompt string) (string, error) {
		return extractionResponse("Dr. Chen", "person", 0.9), nil
	}}
	tracker := NewEntityTracker(store, gen, nil, 0.5)

	first := testTurn("alice", "Seeing Dr. Chen on Friday", time.Now())
	require.NoError(t, store.SaveTurn(ctx, first))
	stored, err := tracker.ProcessTurn(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	// A differently cased, honorific-free surface resolves to the same row.
	gen.complete = func(string) (string, error) {
		return extractionResponse("chen", "person", 0.8), nil
	}
	second := testTurn("alice", "chen said to come early", time.Now())
	require.NoError(t, store.SaveTurn(ctx, second))
	_, err = tracker.ProcessTurn(ctx, second)
	require.NoError(t, err)

	entity, err := store.FindCanonical(ctx, "alice", "chen", types.EntityPerson)
	require.NoError(t, err)
	assert.Equal(t, 2, entity.MentionCount)

	list, err := store.ListCanonical(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalCount)
}

func TestTrackerConfidenceFloor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tracker := NewEntityTracker(store, extractionOnly(extractionResponse("maybe bob", "person", 0.2)), nil, 0.5)

	turn := testTurn("alice", "I think maybe bob was there", time.Now())
	require.NoError(t, store.SaveTurn(ctx, turn))
	stored, err := tracker.ProcessTurn(ctx, turn)
	require.NoError(t, err)

	// The mention is stored but no canonical entity is created.
	assert.Equal(t, 1, stored)
	list, err := store.ListCanonical(ctx, "alice", "", storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.TotalCount)
}

func TestTrackerAliasWinsOverNormalizedMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	robert := &types.CanonicalEntity{
		ID:         "robert-id",
		UserID:     "alice",
		Type:       types.EntityPerson,
		Label:      "Robert",
		Normalized: "robert",
	}
	require.NoError(t, store.UpsertCanonical(ctx, robert))
	require.NoError(t, store.AddAlias(ctx, "alice", robert.ID, "bob"))

	tracker := NewEntityTracker(store, extractionOnly(extractionResponse("Bob", "person", 0.9)), nil, 0.5)
	turn := testTurn("alice", "Bob called about dinner", time.Now())
	require.NoError(t, store.SaveTurn(ctx, turn))
	_, err := tracker.ProcessTurn(ctx, turn)
	require.NoError(t, err)

	// The mention bumped Robert rather than creating a "bob" entity.
	entity, err := store.GetCanonical(ctx, "alice", robert.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, entity.MentionCount)

	_, err = store.FindCanonical(ctx, "alice", "bob", types.EntityPerson)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTrackerEmptyExtraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tracker := NewEntityTracker(store, extractionOnly(emptyExtraction), nil, 0.5)
	turn := testTurn("alice", "hmm ok", time.Now())
	require.NoError(t, store.SaveTurn(ctx, turn))

	stored, err := tracker.ProcessTurn(ctx, turn)
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func TestTrackerUserIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tracker := NewEntityTracker(store, extractionOnly(extractionResponse("Chen", "person", 0.9)), nil, 0.5)

	aliceTurn := testTurn("alice", "Chen again", time.Now())
	require.NoError(t, store.SaveTurn(ctx, aliceTurn))
	_, err := tracker.ProcessTurn(ctx, aliceTurn)
	require.NoError(t, err)

	bobTurn := testTurn("bob", "Chen again", time.Now())
	require.NoError(t, store.SaveTurn(ctx, bobTurn))
	_, err = tracker.ProcessTurn(ctx, bobTurn)
	require.NoError(t, err)

	aliceEntity, err := store.FindCanonical(ctx, "alice", "chen", types.EntityPerson)
	require.NoError(t, err)
	bobEntity, err := store.FindCanonical(ctx, "bob", "chen", types.EntityPerson)
	require.NoError(t, err)
	assert.NotEqual(t, aliceEntity.ID, bobEntity.ID)
	assert.Equal(t, 1, aliceEntity.MentionCount)
}
