package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"

	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

const (
	webhookTimeout      = 30 * time.Second
	webhookMaxResponse  = 64 * 1024
	webhookInitialDelay = 30 * time.Second
)

var webhookClient = &http.Client{Timeout: webhookTimeout}

// webhookPayload is the JSON body delivered to webhook endpoints.
type webhookPayload struct {
	Event          string         `json:"event"`
	Entity         string         `json:"entity"`
	Action         string         `json:"action"` // create, update, delete
	Record         map[string]any `json:"record"`
	Old            map[string]any `json:"old,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	User           map[string]any `json:"user,omitempty"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func newWebhookPayload(hook, entity, action string, record, old map[string]any, user *metadata.UserContext) *webhookPayload {
	p := &webhookPayload{
		Event:          hook,
		Entity:         entity,
		Action:         action,
		Record:         record,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		IdempotencyKey: "wh_" + uuid.New().String(),
	}
	if old != nil {
		p.Old = old
		p.Changes = diffFields(old, record)
	}
	if user != nil {
		p.User = map[string]any{"id": user.ID, "roles": user.Roles}
	}
	return p
}

// diffFields maps each changed field to its {old, new} pair. Values are
// compared by their string form, which is how they travel in JSON anyway.
func diffFields(old, record map[string]any) map[string]any {
	changes := map[string]any{}
	for field, newVal := range record {
		oldVal, existed := old[field]
		if existed && fmt.Sprintf("%v", oldVal) == fmt.Sprintf("%v", newVal) {
			continue
		}
		changes[field] = map[string]any{"old": oldVal, "new": newVal}
	}
	return changes
}

// shouldFire evaluates the webhook's condition expression against the payload.
// An empty condition always fires. The compiled program is cached on the
// webhook descriptor.
func shouldFire(wh *metadata.Webhook, p *webhookPayload) (bool, error) {
	if wh.Condition == "" {
		return true, nil
	}
	env := map[string]any{
		"record":  p.Record,
		"old":     p.Old,
		"changes": p.Changes,
		"action":  p.Action,
		"entity":  p.Entity,
		"event":   p.Event,
	}
	if p.User != nil {
		env["user"] = p.User
	}
	fire, err := cachedBool(&wh.CompiledCondition, wh.Condition, env)
	if err != nil {
		return false, fmt.Errorf("webhook condition: %w", err)
	}
	return fire, nil
}

var envPlaceholder = regexp.MustCompile(`\{\{env\.([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// ResolveHeaders expands {{env.VAR}} placeholders in header values, so
// secrets stay out of the stored webhook definitions.
func ResolveHeaders(headers map[string]string) map[string]string {
	resolved := make(map[string]string, len(headers))
	for name, value := range headers {
		resolved[name] = envPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
			return os.Getenv(envPlaceholder.FindStringSubmatch(match)[1])
		})
	}
	return resolved
}

// DispatchResult holds the outcome of a single webhook HTTP call.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

func (r *DispatchResult) succeeded() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// DispatchWebhook performs one HTTP call with fully resolved url, method and
// headers. Network failures come back in the result, never as an error.
func DispatchWebhook(ctx context.Context, url, method string, headers map[string]string, body []byte) *DispatchResult {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetMetadata("url", url)
	span.SetMetadata("method", method)

	fail := func(stage string, err error) *DispatchResult {
		msg := fmt.Sprintf("%s: %v", stage, err)
		span.SetStatus("error")
		span.SetMetadata("error", msg)
		return &DispatchResult{Error: msg}
	}

	// GET carries no body; some receivers reject GETs with one.
	var reqBody io.Reader
	if method != http.MethodGet {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fail("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		return fail("http call", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, webhookMaxResponse))
	result := &DispatchResult{StatusCode: resp.StatusCode, ResponseBody: string(respBody)}

	span.SetMetadata("status_code", resp.StatusCode)
	if result.succeeded() {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return result
}

// DispatchWebhookDirect fires a one-off call for state machine and workflow
// actions. No _webhook_logs row is written; the caller decides what failure
// means.
func DispatchWebhookDirect(ctx context.Context, url, method string, headers map[string]string, body []byte) *DispatchResult {
	return DispatchWebhook(ctx, url, method, ResolveHeaders(headers), body)
}

// delivery is one webhook ready to send: condition already checked, headers
// resolved, body marshaled.
type delivery struct {
	webhook *metadata.Webhook
	payload *webhookPayload
	headers map[string]string
	body    []byte
}

// matchDeliveries filters the registry's webhooks for an entity hook down to
// the ones that should fire now, split by the async flag. Condition
// evaluation errors fail the whole batch only when failFast is set (the sync,
// inside-transaction path); otherwise they are logged and the hook skipped.
func matchDeliveries(reg *metadata.Registry, hook, entity, action string,
	record, old map[string]any, user *metadata.UserContext, async, failFast bool) ([]*delivery, error) {

	webhooks := reg.GetWebhooksForEntityHook(entity, hook)
	if len(webhooks) == 0 {
		return nil, nil
	}

	payload := newWebhookPayload(hook, entity, action, record, old, user)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	var out []*delivery
	for _, wh := range webhooks {
		if wh.Async != async {
			continue
		}
		fire, err := shouldFire(wh, payload)
		if err != nil {
			if failFast {
				return nil, fmt.Errorf("webhook %s: %w", wh.ID, err)
			}
			log.Printf("ERROR: webhook %s condition evaluation: %v", wh.ID, err)
			continue
		}
		if !fire {
			continue
		}
		out = append(out, &delivery{
			webhook: wh,
			payload: payload,
			headers: ResolveHeaders(wh.Headers),
			body:    body,
		})
	}
	return out, nil
}

// recordDelivery writes the _webhook_logs row for a first attempt. Failed
// calls with retries remaining are queued for the retry scheduler.
func recordDelivery(ctx context.Context, q store.Querier, dialect store.Dialect, d *delivery, result *DispatchResult) {
	status := "delivered"
	errMsg := result.Error
	var nextRetry *time.Time

	if !result.succeeded() {
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
		if d.webhook.Retry.MaxAttempts > 1 {
			status = "retrying"
			t := time.Now().Add(webhookInitialDelay)
			nextRetry = &t
		} else {
			status = "failed"
		}
	}

	headersJSON, _ := json.Marshal(d.headers)
	pb := dialect.NewParamBuilder()
	_, err := store.Exec(ctx, q,
		fmt.Sprintf(`INSERT INTO _webhook_logs (id, webhook_id, entity, hook, url, method, request_headers, request_body,
		 response_status, response_body, status, attempt, max_attempts, next_retry_at, error, idempotency_key)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(store.GenerateUUID()), pb.Add(d.webhook.ID), pb.Add(d.webhook.Entity), pb.Add(d.webhook.Hook),
			pb.Add(d.webhook.URL), pb.Add(d.webhook.Method),
			pb.Add(string(headersJSON)), pb.Add(string(d.body)),
			pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
			pb.Add(status), pb.Add(1), pb.Add(d.webhook.Retry.MaxAttempts),
			pb.Add(nextRetry), pb.Add(errMsg), pb.Add(d.payload.IdempotencyKey)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: failed to log webhook delivery for %s: %v", d.webhook.ID, err)
	}
}

// FireSyncWebhooks runs the synchronous webhooks for a hook inside the write
// transaction. Any failure (condition error, network error, non-2xx) aborts
// the write; delivery logs ride the same transaction.
func FireSyncWebhooks(ctx context.Context, tx store.Querier, dialect store.Dialect, reg *metadata.Registry,
	hook, entity, action string, record, old map[string]any, user *metadata.UserContext) error {

	deliveries, err := matchDeliveries(reg, hook, entity, action, record, old, user, false, true)
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		result := DispatchWebhook(ctx, d.webhook.URL, d.webhook.Method, d.headers, d.body)
		recordDelivery(ctx, tx, dialect, d, result)

		if result.Error != "" {
			return fmt.Errorf("webhook %s failed: %s", d.webhook.ID, result.Error)
		}
		if !result.succeeded() {
			return fmt.Errorf("webhook %s returned HTTP %d: %s", d.webhook.ID, result.StatusCode, result.ResponseBody)
		}
	}
	return nil
}

// FireAsyncWebhooks dispatches the asynchronous webhooks for a hook after
// commit, each in its own goroutine. The caller is never blocked and never
// sees a failure; retries are the scheduler's job.
func FireAsyncWebhooks(ctx context.Context, s *store.Store, reg *metadata.Registry,
	hook, entity, action string, record, old map[string]any, user *metadata.UserContext) {

	deliveries, err := matchDeliveries(reg, hook, entity, action, record, old, user, true, false)
	if err != nil {
		log.Printf("ERROR: async webhooks for %s.%s: %v", entity, hook, err)
		return
	}

	for _, d := range deliveries {
		go func(d *delivery) {
			ctx := context.Background()
			result := DispatchWebhook(ctx, d.webhook.URL, d.webhook.Method, d.headers, d.body)
			recordDelivery(ctx, s.DB, s.Dialect, d, result)
		}(d)
	}
}
