package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

func TestParseMentions(t *testing.T) {
	response := `{
		"entities": [
			{"surface": "Dr. Chen", "type": "person", "confidence": 0.95, "context": "appointment with Dr. Chen"},
			{"surface": "Seattle", "type": "city", "confidence": 0.9, "context": "flying to Seattle"},
			{"surface": "next Tuesday", "type": "date", "confidence": 0.8, "context": "next Tuesday at 3pm"}
		]
	}`

	mentions, err := ParseMentions(response)
	require.NoError(t, err)
	require.Len(t, mentions, 3)

	assert.Equal(t, "Dr. Chen", mentions[0].Surface)
	assert.Equal(t, types.EntityPerson, mentions[0].Type)
	assert.Equal(t, 0.95, mentions[0].Confidence)

	// "city" is not in the closed set and folds to place.
	assert.Equal(t, types.EntityPlace, mentions[1].Type)
	assert.Equal(t, types.EntityDate, mentions[2].Type)
}

func TestParseMentionsMarkdownFences(t *testing.T) {
	response := "Here are the entities:\n```json\n" +
		`{"entities": [{"surface": "Acme Corp", "type": "company", "confidence": 0.9, "context": "works at Acme Corp"}]}` +
		"\n```"

	mentions, err := ParseMentions(response)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, types.EntityOrganization, mentions[0].Type)
}

func TestParseMentionsDropsEmptySurface(t *testing.T) {
	response := `{"entities": [
		{"surface": "  ", "type": "person", "confidence": 0.9, "context": ""},
		{"surface": "Maria", "type": "person", "confidence": 0.9, "context": "call Maria"}
	]}`

	mentions, err := ParseMentions(response)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, "Maria", mentions[0].Surface)
}

func TestParseMentionsClampsConfidence(t *testing.T) {
	response := `{"entities": [
		{"surface": "Paris", "type": "place", "confidence": 1.7, "context": ""},
		{"surface": "Lyon", "type": "place", "confidence": -0.2, "context": ""}
	]}`

	mentions, err := ParseMentions(response)
	require.NoError(t, err)
	require.Len(t, mentions, 2)
	assert.Equal(t, 1.0, mentions[0].Confidence)
	assert.Equal(t, 0.0, mentions[1].Confidence)
}

func TestParseMentionsUnknownTypeFoldsToOther(t *testing.T) {
	response := `{"entities": [{"surface": "widget", "type": "gadget", "confidence": 0.6, "context": ""}]}`

	mentions, err := ParseMentions(response)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, types.EntityOther, mentions[0].Type)
}

func TestParseMentionsEmptyArray(t *testing.T) {
	mentions, err := ParseMentions(`{"entities": []}`)
	require.NoError(t, err)
	assert.Empty(t, mentions)
}

func TestParseMentionsInvalidJSON(t *testing.T) {
	_, err := ParseMentions("I could not find any entities.")
	require.Error(t, err)

	_, err = ParseMentions(`{"entities": [`)
	require.Error(t, err)
}

func TestParseSummary(t *testing.T) {
	summary, err := ParseSummary(`{"summary": "The user planned a trip to Seattle and booked a dentist appointment."}`)
	require.NoError(t, err)
	assert.Contains(t, summary, "Seattle")
}

func TestParseSummaryEmpty(t *testing.T) {
	_, err := ParseSummary(`{"summary": "   "}`)
	require.Error(t, err)
}

func TestExtractJSONHandlesBracesInStrings(t *testing.T) {
	raw := `prefix {"summary": "notes on {nested} braces"} suffix`
	jsonStr, err := extractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"summary": "notes on {nested} braces"}`, jsonStr)
}
