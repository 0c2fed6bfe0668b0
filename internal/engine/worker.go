package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// enrichmentTimeout bounds one enrichment attempt (extraction plus
// embedding).
const enrichmentTimeout = 60 * time.Second

// startWorkerPool launches the enrichment workers.
func (m *Manager) startWorkerPool(ctx context.Context) {
	for i := 0; i < m.config.Workers; i++ {
		m.workerWaitGroup.Add(1)
		go m.enrichmentWorker(ctx, i)
	}
	log.Printf("Started %d enrichment workers", m.config.Workers)
}

// stopWorkerPool waits for workers to finish their in-flight jobs, bounded by
// the context deadline. The queue is never closed: save paths may still hold
// a reference to it, and jobs left behind are recovered from the turns'
// durable statuses by the backfill sweep on the next start.
func (m *Manager) stopWorkerPool(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		if depth := len(m.enrichmentQueue); depth > 0 {
			log.Printf("Enrichment workers stopped with %d queued job(s) left for the backfill sweep", depth)
		} else {
			log.Println("Enrichment workers drained")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown timed out: %w", ctx.Err())
	}
}

// enrichmentWorker consumes jobs until its context is cancelled.
func (m *Manager) enrichmentWorker(ctx context.Context, id int) {
	defer m.workerWaitGroup.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.enrichmentQueue:
			if !ok {
				return
			}
			m.processEnrichmentJob(ctx, id, job)
		}
	}
}

// processEnrichmentJob runs one enrichment attempt: entity extraction (unless
// the job is embedding-only) and embedding generation, then writes the
// outcome back to the turn.
func (m *Manager) processEnrichmentJob(ctx context.Context, workerID int, job *EnrichmentJob) {
	if job.Attempt > 0 {
		// Quadratic backoff keeps retries cheap without a scheduler.
		backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	// Writes use a background context so a shutdown mid-job cannot strand a
	// turn in processing state.
	dbCtx := context.Background()

	update := storage.EnrichmentUpdate{
		EntityStatus:    types.EnrichmentProcessing,
		EmbeddingStatus: types.EnrichmentProcessing,
		Attempts:        job.Attempt,
	}
	if job.EmbeddingOnly {
		update.EntityStatus = types.EnrichmentCompleted
	}
	if err := m.store.UpdateEnrichment(dbCtx, job.TurnID, update); err != nil {
		log.Printf("ERROR: Worker %d could not mark turn %s processing: %v", workerID, job.TurnID, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, enrichmentTimeout)
	entityErr, embedErr := m.runEnrichment(callCtx, job)
	cancel()

	update.Attempts = job.Attempt + 1
	update.EntityStatus = types.EnrichmentCompleted
	update.EmbeddingStatus = types.EnrichmentCompleted
	update.LastError = ""

	failed := false
	if entityErr != nil {
		failed = true
		update.EntityStatus = types.EnrichmentFailed
		update.LastError = entityErr.Error()
		m.observeEnrichment("entities", "failed")
	} else if !job.EmbeddingOnly {
		m.observeEnrichment("entities", "completed")
	}
	if embedErr != nil {
		failed = true
		update.EmbeddingStatus = types.EnrichmentFailed
		if update.LastError == "" {
			update.LastError = embedErr.Error()
		}
		m.observeEnrichment("embedding", "failed")
	} else if m.embedder != nil {
		m.observeEnrichment("embedding", "completed")
	}

	if failed {
		retry := *job
		// Entities already extracted: the retry only needs the embedding.
		retry.EmbeddingOnly = job.EmbeddingOnly || entityErr == nil
		if m.requeueEnrichmentJob(&retry) {
			update.EntityStatus = statusForRetry(entityErr, job.EmbeddingOnly)
			update.EmbeddingStatus = types.EnrichmentPending
			if embedErr == nil {
				update.EmbeddingStatus = types.EnrichmentCompleted
			}
		}
	}

	if err := m.store.UpdateEnrichment(dbCtx, job.TurnID, update); err != nil {
		log.Printf("ERROR: Worker %d could not record enrichment for turn %s: %v", workerID, job.TurnID, err)
		return
	}

	if !failed {
		m.notifyTurnEnriched(job.TurnID, job.UserID)
	}
	if m.metrics != nil {
		m.metrics.EnrichmentQueueDepth.Set(float64(len(m.enrichmentQueue)))
	}
}

// statusForRetry picks the entity status to persist while a retry is queued.
func statusForRetry(entityErr error, embeddingOnly bool) types.EnrichmentStatus {
	if embeddingOnly || entityErr == nil {
		return types.EnrichmentCompleted
	}
	return types.EnrichmentPending
}

// runEnrichment performs the LLM calls and derived writes for one job.
// The two stages fail independently.
func (m *Manager) runEnrichment(ctx context.Context, job *EnrichmentJob) (entityErr, embedErr error) {
	if !job.EmbeddingOnly {
		turn := &types.Turn{ID: job.TurnID, UserID: job.UserID, Text: job.Text, Timestamp: job.Timestamp}
		if stored, err := m.tracker.ProcessTurn(ctx, turn); err != nil {
			entityErr = err
		} else if stored > 0 {
			log.Printf("Extracted %d mention(s) from turn %s", stored, job.TurnID)
			if m.metrics != nil {
				m.metrics.MentionsExtracted.Add(float64(stored))
			}
		}
	}

	if m.embedder == nil {
		return entityErr, nil
	}
	vec, err := m.embedder.Embed(ctx, job.Text)
	if err != nil {
		return entityErr, fmt.Errorf("embedding call failed: %w", err)
	}
	if err := m.store.UpsertEmbedding(ctx, job.UserID, job.TurnID, types.DocTurn, vec); err != nil {
		return entityErr, fmt.Errorf("embedding write failed: %w", err)
	}
	return entityErr, nil
}

func (m *Manager) observeEnrichment(stage, result string) {
	if m.metrics != nil {
		m.metrics.EnrichmentOutcomes.WithLabelValues(stage, result).Inc()
	}
}
