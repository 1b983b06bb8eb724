package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"loom-backend/internal/store"
)

const flushTimeout = 10 * time.Second

// EventBuffer batches events in memory and writes them to _events in one
// INSERT per flush. Losing a batch on a crash is acceptable; slowing down
// the write path is not.
type EventBuffer struct {
	db      *sql.DB
	dialect store.Dialect
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}

	mu      sync.Mutex
	pending []Event
}

// NewEventBuffer starts a buffer that flushes every flushIntervalMs and
// whenever maxSize events have accumulated.
func NewEventBuffer(db *sql.DB, dialect store.Dialect, maxSize int, flushIntervalMs int) *EventBuffer {
	eb := &EventBuffer{
		db:      db,
		dialect: dialect,
		maxSize: maxSize,
		ticker:  time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond),
		done:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-eb.done:
				return
			case <-eb.ticker.C:
				eb.Flush()
			}
		}
	}()
	return eb
}

// Enqueue appends an event; a full buffer flushes off the caller's goroutine.
func (eb *EventBuffer) Enqueue(event Event) {
	eb.mu.Lock()
	eb.pending = append(eb.pending, event)
	full := len(eb.pending) >= eb.maxSize
	eb.mu.Unlock()
	if full {
		go eb.Flush()
	}
}

// Flush takes the current batch and writes it in a single transaction.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	batch := eb.pending
	eb.pending = nil
	eb.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	tx, err := eb.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("instrument: flush begin tx: %v", err)
		return
	}
	defer tx.Rollback()

	// Durability is relaxed for event rows where the dialect allows it.
	if stmt := eb.dialect.SyncCommitOff(); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			log.Printf("instrument: flush relax sync: %v", err)
			return
		}
	}

	cols := []string{"trace_id", "span_id", "parent_span_id", "event_type", "source",
		"component", "action", "entity", "record_id", "user_id", "duration_ms", "status", "metadata"}
	// Dialects without a uuid column default need ids generated here.
	appSideIDs := eb.dialect.UUIDDefault() == ""
	if appSideIDs {
		cols = append([]string{"id"}, cols...)
	}
	pb := eb.dialect.NewParamBuilder()
	tuples := make([]string, 0, len(batch))
	for _, e := range batch {
		var meta any
		if e.Metadata != nil {
			b, _ := json.Marshal(e.Metadata)
			meta = string(b)
		}
		vals := []any{e.TraceID, e.SpanID, e.ParentSpanID, e.EventType, e.Source,
			e.Component, e.Action, e.Entity, e.RecordID, e.UserID, e.DurationMs, e.Status, meta}
		if appSideIDs {
			vals = append([]any{store.GenerateUUID()}, vals...)
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = pb.Add(v)
		}
		tuples = append(tuples, "("+strings.Join(ph, ",")+")")
	}

	query := "INSERT INTO _events (" + strings.Join(cols, ",") + ") VALUES " + strings.Join(tuples, ",")
	if _, err := tx.ExecContext(ctx, query, pb.Params()...); err != nil {
		log.Printf("instrument: flush insert %d events: %v", len(batch), err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("instrument: flush commit: %v", err)
	}
}

// Stop ends the flush loop and drains whatever is left.
func (eb *EventBuffer) Stop() {
	eb.ticker.Stop()
	close(eb.done)
	eb.Flush()
}
