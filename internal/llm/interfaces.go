// Package llm provides the external text-understanding boundary of the
// memory engine: embedding generation, entity extraction, and span
// summarization. All HTTP calls are wrapped with circuit breaker protection
// and bounded timeouts; callers treat failures as non-fatal derived-data
// errors and schedule retries.
package llm

import "context"

// TextGenerator is the interface for LLM text completion. Entity extraction
// and span summarization both use single-string completion style prompts.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// HealthChecker is implemented by clients that can verify reachability of
// their backing service. Used by the status endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
