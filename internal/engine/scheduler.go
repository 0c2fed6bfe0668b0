package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// consolidationRunner triggers a consolidation run; an empty user covers
// every user with eligible turns.
type consolidationRunner interface {
	RunConsolidation(ctx context.Context, userID string) (*types.ConsolidationRun, error)
}

// Scheduler fires a full consolidation run once a day at a fixed local hour.
type Scheduler struct {
	runner consolidationRunner
	hour   int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewScheduler creates a scheduler firing daily at the given local hour.
func NewScheduler(runner consolidationRunner, hour int) *Scheduler {
	return &Scheduler{runner: runner, hour: hour}
}

// Start launches the scheduling loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.loop(ctx)
	log.Printf("Consolidation scheduler started (daily at %02d:00)", s.hour)
}

// Stop halts the scheduling loop and waits for it to exit. A run already in
// flight finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	log.Println("Consolidation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	for {
		timer := time.NewTimer(time.Until(s.nextRun(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		run, err := s.runner.RunConsolidation(ctx, "")
		if err != nil {
			log.Printf("ERROR: Scheduled consolidation failed: %v", err)
			continue
		}
		log.Printf("Scheduled consolidation: %d turn(s) into %d summary(ies), %d span(s) failed",
			run.TurnsConsolidated, run.SummariesCreated, run.SpansFailed)
	}
}

// nextRun returns the next occurrence of the configured hour after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
