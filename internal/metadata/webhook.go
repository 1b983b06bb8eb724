package metadata

// WebhookRetry controls redelivery of failed async webhooks.
type WebhookRetry struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"` // "exponential" or "linear"
}

// Webhook is one row of _webhooks: an HTTP callout fired around entity
// writes. Sync hooks run inside the write transaction and can veto it;
// async hooks are queued through _webhook_logs.
type Webhook struct {
	ID        string            `json:"id"`
	Entity    string            `json:"entity"`
	Hook      string            `json:"hook"` // before_write, after_write, before_delete, after_delete
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Condition string            `json:"condition"` // expression; empty fires always
	Async     bool              `json:"async"`
	Retry     WebhookRetry      `json:"retry"`
	Active    bool              `json:"active"`

	// CompiledCondition caches the compiled condition program.
	CompiledCondition any `json:"-"`
}
