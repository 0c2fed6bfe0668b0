package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// ExtractedMention is a raw mention as returned by the extraction model,
// before canonical resolution. Type is already folded into the closed set.
type ExtractedMention struct {
	Surface    string
	Type       types.EntityType
	Confidence float64
	Context    string
}

type mentionEnvelope struct {
	Entities []struct {
		Surface    string  `json:"surface"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
		Context    string  `json:"context"`
	} `json:"entities"`
}

type summaryEnvelope struct {
	Summary string `json:"summary"`
}

// ParseMentions parses the extraction model's response. Mentions with an
// empty surface are dropped; unrecognized type strings fold to "other".
// Confidence values outside [0,1] are clamped.
func ParseMentions(response string) ([]ExtractedMention, error) {
	jsonStr, err := extractJSON(response)
	if err != nil {
		return nil, fmt.Errorf("failed to locate JSON in extraction response: %w", err)
	}

	var envelope mentionEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	mentions := make([]ExtractedMention, 0, len(envelope.Entities))
	for _, e := range envelope.Entities {
		surface := strings.TrimSpace(e.Surface)
		if surface == "" {
			continue
		}
		confidence := e.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		mentions = append(mentions, ExtractedMention{
			Surface:    surface,
			Type:       types.NormalizeEntityType(e.Type),
			Confidence: confidence,
			Context:    strings.TrimSpace(e.Context),
		})
	}
	return mentions, nil
}

// ParseSummary parses the consolidation model's response and returns the
// summary text.
func ParseSummary(response string) (string, error) {
	jsonStr, err := extractJSON(response)
	if err != nil {
		return "", fmt.Errorf("failed to locate JSON in summary response: %w", err)
	}

	var envelope summaryEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err != nil {
		return "", fmt.Errorf("failed to parse summary response: %w", err)
	}

	summary := strings.TrimSpace(envelope.Summary)
	if summary == "" {
		return "", fmt.Errorf("summary response contained no text")
	}
	return summary, nil
}

// extractJSON locates the first balanced JSON object in a model response.
// Models sometimes wrap JSON in markdown fences or prepend commentary despite
// instructions, so this scans for the first '{' and matches braces while
// respecting string literals and escapes.
func extractJSON(response string) (string, error) {
	start := strings.IndexByte(response, '{')
	if start == -1 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return response[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object")
}
