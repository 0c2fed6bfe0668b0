package engine

import (
	"log"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// newEnrichmentJob builds a job for a saved turn.
func (m *Manager) newEnrichmentJob(turn *types.Turn, attempt int, embeddingOnly bool) *EnrichmentJob {
	return &EnrichmentJob{
		TurnID:        turn.ID,
		UserID:        turn.UserID,
		Text:          turn.Text,
		Timestamp:     turn.Timestamp,
		Attempt:       attempt,
		EmbeddingOnly: embeddingOnly,
	}
}

// queueEnrichmentJob enqueues a job without blocking. Returns false when the
// queue is full; the turn stays pending and the backfill sweep retries it.
func (m *Manager) queueEnrichmentJob(job *EnrichmentJob) bool {
	select {
	case m.enrichmentQueue <- job:
		if m.metrics != nil {
			m.metrics.EnrichmentQueueDepth.Set(float64(len(m.enrichmentQueue)))
		}
		return true
	default:
		log.Printf("WARNING: Enrichment queue full (capacity %d), dropping job for turn %s",
			cap(m.enrichmentQueue), job.TurnID)
		return false
	}
}

// requeueEnrichmentJob re-enqueues a failed job with an incremented attempt
// counter. Returns false when the retry cap is reached or the queue stays
// full; the caller marks the turn failed in that case.
func (m *Manager) requeueEnrichmentJob(job *EnrichmentJob) bool {
	if job.Attempt >= m.config.MaxRetries {
		log.Printf("WARNING: Turn %s exceeded max enrichment retries (%d)",
			job.TurnID, m.config.MaxRetries)
		return false
	}

	// During shutdown nothing will consume the queue again; leave the turn in
	// a durable pending state for the next start's backfill sweep instead.
	m.mu.RLock()
	draining := m.shuttingDown
	m.mu.RUnlock()
	if draining {
		log.Printf("Deferring enrichment retry for turn %s, engine shutting down", job.TurnID)
		return false
	}

	retry := *job
	retry.Attempt++

	// A short blocking window smooths over a momentarily full queue without
	// stalling the worker.
	select {
	case m.enrichmentQueue <- &retry:
		return true
	case <-time.After(10 * time.Millisecond):
		log.Printf("WARNING: Could not requeue enrichment for turn %s, queue full", job.TurnID)
		return false
	}
}
