package admin

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/engine"
	"loom-backend/internal/store"
)

const webhookLogColumns = "id, webhook_id, entity, hook, url, method, request_headers, request_body, " +
	"response_status, response_body, status, attempt, max_attempts, next_retry_at, error, " +
	"idempotency_key, created_at, updated_at"

// ListWebhookLogs returns recent delivery attempts, optionally filtered by
// webhook, status or entity. Capped at 200 rows; this is an inspection
// endpoint, not an archive.
func (h *Handler) ListWebhookLogs(c *fiber.Ctx) error {
	query := "SELECT " + webhookLogColumns + " FROM _webhook_logs"
	pb := h.store.Dialect.NewParamBuilder()

	var filters []string
	for _, col := range []string{"webhook_id", "status", "entity"} {
		if v := c.Query(col); v != "" {
			filters = append(filters, fmt.Sprintf("%s = %s", col, pb.Add(v)))
		}
	}
	if len(filters) > 0 {
		query += " WHERE " + strings.Join(filters, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT 200"

	rows, err := store.QueryRows(c.Context(), h.store.DB, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list webhook logs: %w", err)
	}
	return c.JSON(fiber.Map{"data": emptyIfNil(rows)})
}

func (h *Handler) GetWebhookLog(c *fiber.Ctx) error {
	id := c.Params("id")
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _webhook_logs WHERE id = %s", webhookLogColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return engine.NotFoundError("webhook log", id)
	}
	return c.JSON(fiber.Map{"data": row})
}

// RetryWebhookLog requeues a failed or stuck delivery: the retry scheduler
// picks up anything in 'retrying' whose next_retry_at has passed.
func (h *Handler) RetryWebhookLog(c *fiber.Ctx) error {
	id := c.Params("id")
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT id, status FROM _webhook_logs WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return engine.NotFoundError("webhook log", id)
	}

	status, _ := row["status"].(string)
	if status != "failed" && status != "retrying" {
		return engine.NewAppError("VALIDATION_FAILED", 422, "Can only retry failed or retrying webhook logs")
	}

	nowExpr := h.store.Dialect.NowExpr()
	pb = h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _webhook_logs SET status = 'retrying', next_retry_at = %s, updated_at = %s WHERE id = %s",
			nowExpr, nowExpr, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("retry webhook log %s: %w", id, err)
	}

	pb = h.store.Dialect.NewParamBuilder()
	row, err = store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _webhook_logs WHERE id = %s", webhookLogColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("fetch retried webhook log: %w", err)
	}
	return c.JSON(fiber.Map{"data": row})
}
