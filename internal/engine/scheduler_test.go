package engine

import (
	"testing"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// Start and Stop must be safe to call repeatedly and in any order: a second
// Stop used to close an already-closed channel, and a second Start leaked the
// first loop.
func TestSchedulersStartStopIdempotent(t *testing.T) {
	wh := NewWebhookScheduler(nil)
	wh.Stop() // never started
	wh.Start()
	wh.Start() // second Start keeps the first loop
	wh.Stop()
	wh.Stop() // must not panic

	wf := NewWorkflowScheduler(&store.Store{}, metadata.NewRegistry())
	wf.Start()
	wf.Stop()
	wf.Start() // restart after a stop
	wf.Stop()
	wf.Stop()
}
