package engine

import (
	"context"
	"log"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

const (
	// recoveryBatchSize bounds one backfill fetch.
	recoveryBatchSize = 100

	// sweepInterval is how often the backfill sweep re-queues turns whose
	// enrichment is still incomplete (crashed workers, exhausted retries,
	// queue-full drops).
	sweepInterval = 5 * time.Minute

	// sweepStaleness keeps the periodic sweep away from turns that may still
	// be queued or in flight; only rows at least this old are re-queued.
	sweepStaleness = 10 * time.Minute
)

// RecoverPendingEnrichments re-queues turns with incomplete enrichment from
// previous runs, then keeps a periodic sweep running until the context is
// cancelled. Jobs that do not fit in the queue are left for the next sweep.
func (m *Manager) RecoverPendingEnrichments(ctx context.Context) error {
	// At startup nothing is in flight, so every incomplete turn is fair game.
	queued, err := m.sweepPendingEnrichments(ctx, 0)
	if err != nil {
		return err
	}
	if queued > 0 {
		log.Printf("Recovered %d turn(s) with incomplete enrichment", queued)
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := m.sweepPendingEnrichments(ctx, sweepStaleness); err != nil {
				log.Printf("WARNING: Enrichment sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Enrichment sweep re-queued %d turn(s)", n)
			}
		}
	}
}

// sweepPendingEnrichments fetches one batch of incomplete turns at least
// staleness old and queues them. Turns whose entities are already complete
// get embedding-only jobs.
func (m *Manager) sweepPendingEnrichments(ctx context.Context, staleness time.Duration) (int, error) {
	turns, err := m.store.ListPendingEnrichment(ctx, recoveryBatchSize)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-staleness)
	queued := 0
	for i := range turns {
		turn := &turns[i]
		if staleness > 0 && turn.CreatedAt.After(cutoff) {
			continue
		}
		embeddingOnly := turn.EntityStatus == types.EnrichmentCompleted
		if !m.queueEnrichmentJob(m.newEnrichmentJob(turn, 0, embeddingOnly)) {
			// Queue full; the rest of the batch waits for the next sweep.
			break
		}
		queued++
	}
	return queued, nil
}
