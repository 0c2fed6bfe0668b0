package engine

import (
	"fmt"

	"github.com/chartmann1590/mumble-ai-memory/internal/config"
)

// Config holds the tunables of the memory engine: the enrichment worker pool,
// entity resolution, hybrid search fusion, and consolidation.
type Config struct {
	// Workers is the number of enrichment worker goroutines.
	Workers int

	// QueueSize is the enrichment queue buffer size.
	QueueSize int

	// MaxRetries is the per-turn enrichment retry limit before a turn is
	// marked failed and left to the backfill sweep.
	MaxRetries int

	// ConfidenceFloor is the minimum extraction confidence for a mention to
	// take part in canonical resolution. Lower-confidence mentions are stored
	// unresolved.
	ConfidenceFloor float64

	// WindowSize is the session window length in turns.
	WindowSize int

	// TopK is the per-subquery candidate count for hybrid search.
	TopK int

	// RRFConstant is the smoothing constant k in reciprocal rank fusion.
	RRFConstant float64

	// SemanticWeight is the semantic tier's fusion weight; the lexical tier
	// gets 1 - SemanticWeight.
	SemanticWeight float64

	// CutoffDays is the consolidation age boundary: only turns older than
	// this many days are consolidated.
	CutoffDays int

	// SpanCharBudget caps the character count of one summarized span.
	SpanCharBudget int

	// UserWorkers bounds how many users a scheduled consolidation run
	// processes in parallel.
	UserWorkers int
}

// DefaultConfig returns the engine defaults used when no application config
// is supplied.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1000,
		MaxRetries:      3,
		ConfidenceFloor: 0.5,
		WindowSize:      15,
		TopK:            20,
		RRFConstant:     60.0,
		SemanticWeight:  0.7,
		CutoffDays:      7,
		SpanCharBudget:  2000,
		UserWorkers:     2,
	}
}

// ConfigFromApp maps the application configuration onto an engine Config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		Workers:         cfg.Entities.Workers,
		QueueSize:       cfg.Entities.QueueSize,
		MaxRetries:      cfg.Entities.MaxRetries,
		ConfidenceFloor: cfg.Entities.ConfidenceFloor,
		WindowSize:      cfg.Cache.WindowSize,
		TopK:            cfg.Search.TopK,
		RRFConstant:     cfg.Search.RRFConstant,
		SemanticWeight:  cfg.Search.SemanticWeight,
		CutoffDays:      cfg.Consolidation.CutoffDays,
		SpanCharBudget:  cfg.Consolidation.SpanCharBudget,
		UserWorkers:     cfg.Consolidation.UserWorkers,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be >= 1, got %d", c.QueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence floor must be in [0,1], got %v", c.ConfidenceFloor)
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be >= 1, got %d", c.WindowSize)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top k must be >= 1, got %d", c.TopK)
	}
	if c.RRFConstant <= 0 {
		return fmt.Errorf("rrf constant must be > 0, got %v", c.RRFConstant)
	}
	if c.SemanticWeight < 0 || c.SemanticWeight > 1 {
		return fmt.Errorf("semantic weight must be in [0,1], got %v", c.SemanticWeight)
	}
	if c.CutoffDays < 1 {
		return fmt.Errorf("cutoff days must be >= 1, got %d", c.CutoffDays)
	}
	if c.SpanCharBudget < 200 {
		return fmt.Errorf("span char budget must be >= 200, got %d", c.SpanCharBudget)
	}
	if c.UserWorkers < 1 {
		return fmt.Errorf("user workers must be >= 1, got %d", c.UserWorkers)
	}
	return nil
}
