package engine

import (
	"context"
	"log"
	"time"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

const timeoutSweepInterval = 60 * time.Second

// WorkflowScheduler periodically expires approval steps whose deadline has
// passed, routing each instance along its on_timeout branch. All logic lives
// in the workflow engine; this is just the clock.
type WorkflowScheduler struct {
	engine *WorkflowEngine
	ticker *time.Ticker
	done   chan struct{}
}

func NewWorkflowScheduler(s *store.Store, reg *metadata.Registry) *WorkflowScheduler {
	return &WorkflowScheduler{engine: NewDefaultWorkflowEngine(s, reg)}
}

// Start launches the sweep loop. Calling Start on a running scheduler is a
// no-op, so there is never more than one loop.
func (ws *WorkflowScheduler) Start() {
	if ws.done != nil {
		return
	}
	ws.ticker = time.NewTicker(timeoutSweepInterval)
	ws.done = make(chan struct{})
	go func(ticker *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ws.engine.ProcessTimeouts(context.Background())
			}
		}
	}(ws.ticker, ws.done)
	log.Printf("Workflow scheduler started (%s interval)", timeoutSweepInterval)
}

// Stop is idempotent; stopping a scheduler that never started is a no-op.
func (ws *WorkflowScheduler) Stop() {
	if ws.done == nil {
		return
	}
	ws.ticker.Stop()
	close(ws.done)
	ws.ticker = nil
	ws.done = nil
}
