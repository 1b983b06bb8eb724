package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"loom-backend/internal/store"
)

const (
	retrySweepInterval = 30 * time.Second
	retryBaseDelay     = 30 * time.Second
	retrySweepLimit    = 50
)

// WebhookScheduler re-sends deliveries that _webhook_logs marks as retrying,
// backing off exponentially until max_attempts is spent.
type WebhookScheduler struct {
	store  *store.Store
	ticker *time.Ticker
	done   chan struct{}
}

func NewWebhookScheduler(s *store.Store) *WebhookScheduler {
	return &WebhookScheduler{store: s}
}

// Start launches the sweep loop. Calling Start on a running scheduler is a
// no-op, so there is never more than one loop.
func (ws *WebhookScheduler) Start() {
	if ws.done != nil {
		return
	}
	ws.ticker = time.NewTicker(retrySweepInterval)
	ws.done = make(chan struct{})
	go func(ticker *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ws.sweep()
			}
		}
	}(ws.ticker, ws.done)
	log.Printf("Webhook scheduler started (%s interval)", retrySweepInterval)
}

// Stop is idempotent; stopping a scheduler that never started is a no-op.
func (ws *WebhookScheduler) Stop() {
	if ws.done == nil {
		return
	}
	ws.ticker.Stop()
	close(ws.done)
	ws.ticker = nil
	ws.done = nil
}

func (ws *WebhookScheduler) sweep() {
	ctx := context.Background()
	rows, err := store.QueryRows(ctx, ws.store.DB, fmt.Sprintf(
		`SELECT id, url, method, request_headers, request_body, attempt, max_attempts
		 FROM _webhook_logs
		 WHERE status = 'retrying' AND next_retry_at < %s
		 ORDER BY next_retry_at ASC
		 LIMIT %d`, ws.store.Dialect.NowExpr(), retrySweepLimit))
	if err != nil {
		log.Printf("ERROR: webhook retry sweep: %v", err)
		return
	}
	for _, row := range rows {
		ws.retry(ctx, parseRetryRow(row))
	}
}

// pendingRetry is one due row from _webhook_logs.
type pendingRetry struct {
	logID       string
	url         string
	method      string
	headers     map[string]string
	body        []byte
	attempt     int
	maxAttempts int
}

func parseRetryRow(row map[string]any) pendingRetry {
	r := pendingRetry{
		logID:       textColumn(row, "id"),
		url:         textColumn(row, "url"),
		method:      textColumn(row, "method"),
		headers:     map[string]string{},
		attempt:     intColumn(row, "attempt") + 1,
		maxAttempts: intColumn(row, "max_attempts"),
	}
	switch v := row["request_headers"].(type) {
	case string:
		json.Unmarshal([]byte(v), &r.headers)
	case map[string]any:
		for k, val := range v {
			r.headers[k] = fmt.Sprintf("%v", val)
		}
	}
	switch v := row["request_body"].(type) {
	case string:
		r.body = []byte(v)
	case nil:
	default:
		r.body, _ = json.Marshal(v)
	}
	return r
}

func (ws *WebhookScheduler) retry(ctx context.Context, r pendingRetry) {
	result := DispatchWebhook(ctx, r.url, r.method, ResolveHeaders(r.headers), r.body)
	status, errMsg, nextRetry := retryOutcome(r, result)

	pb := ws.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, ws.store.DB,
		fmt.Sprintf(`UPDATE _webhook_logs
		 SET status = %s, attempt = %s, response_status = %s, response_body = %s,
		     error = %s, next_retry_at = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(status), pb.Add(r.attempt), pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
			pb.Add(errMsg), pb.Add(nextRetry), ws.store.Dialect.NowExpr(), pb.Add(r.logID)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: webhook retry update for %s: %v", r.logID, err)
		return
	}

	switch status {
	case "delivered":
		log.Printf("Webhook retry delivered: log=%s attempt=%d", r.logID, r.attempt)
	case "failed":
		log.Printf("Webhook retry exhausted: log=%s attempt=%d/%d", r.logID, r.attempt, r.maxAttempts)
	}
}

// retryOutcome decides the row's next state after one retry. The delay
// doubles with every attempt, starting from retryBaseDelay.
func retryOutcome(r pendingRetry, result *DispatchResult) (status, errMsg string, nextRetry *time.Time) {
	if result.Error == "" && result.StatusCode >= 200 && result.StatusCode < 300 {
		return "delivered", "", nil
	}
	errMsg = result.Error
	if errMsg == "" {
		errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
	}
	if r.attempt >= r.maxAttempts {
		return "failed", errMsg, nil
	}
	t := time.Now().Add(time.Duration(1<<r.attempt) * retryBaseDelay)
	return "retrying", errMsg, &t
}

func intColumn(row map[string]any, col string) int {
	switch v := row[col].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
