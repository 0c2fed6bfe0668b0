package llm

import (
	"fmt"
	"strings"
)

// MentionExtractionPrompt builds the strict-JSON prompt used to extract
// entity mentions from a single conversational turn.
func MentionExtractionPrompt(text string) string {
	return fmt.Sprintf(`You are an entity extraction system. Extract named entities from the conversational message below.

Allowed entity types (use exactly these strings):
- person: people, names, relations ("my sister")
- place: locations, cities, countries, venues, addresses
- organization: companies, institutions, teams, brands
- date: calendar dates, relative dates ("next Tuesday")
- time: clock times, times of day
- event: meetings, appointments, trips, occasions
- other: anything worth remembering that fits no type above

Rules:
1. Return ONLY valid JSON, no markdown, no explanation.
2. surface is the exact text as it appears in the message.
3. confidence is a number between 0 and 1.
4. context is a short snippet of the message around the mention.
5. Return an empty entities array if nothing is found.

Message:
%s

Respond with JSON in this exact format:
{
  "entities": [
    {
      "surface": "exact text from the message",
      "type": "person",
      "confidence": 0.9,
      "context": "short surrounding snippet"
    }
  ]
}`, text)
}

// SpanSummaryPrompt builds the prompt used to condense a contiguous span of
// old turns into a single durable summary.
func SpanSummaryPrompt(turns []string) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t)
		b.WriteString("\n")
	}
	return fmt.Sprintf(`You are a memory consolidation system. Condense the conversation excerpt below into a single factual summary paragraph.

Rules:
1. Preserve concrete facts: names, places, dates, times, decisions, preferences.
2. Write in third person past tense.
3. Do not invent information that is not in the excerpt.
4. Return ONLY valid JSON, no markdown, no explanation.

Conversation excerpt:
%s

Respond with JSON in this exact format:
{
  "summary": "one paragraph summarizing the excerpt"
}`, b.String())
}
