package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/store"
)

const eventColumns = "id, trace_id, span_id, parent_span_id, event_type, source, component, " +
	"action, entity, record_id, user_id, duration_ms, status, metadata, created_at"

// EventHandler serves the observability API over the _events table.
type EventHandler struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewEventHandler(db *sql.DB, dialect store.Dialect) *EventHandler {
	return &EventHandler{db: db, dialect: dialect}
}

// RegisterRoutes mounts the event endpoints. Emitting requires a logged-in
// user; reading traces is admin only.
func RegisterRoutes(app *fiber.App, h *EventHandler, authMW, adminMW fiber.Handler) {
	grp := app.Group("/api/_events", authMW)
	grp.Post("/", h.Emit)
	grp.Get("/", adminMW, h.List)
	grp.Get("/stats", adminMW, h.GetStats)
	grp.Get("/trace/:traceId", adminMW, h.GetTrace)
}

// Emit records a custom business event on the caller's current trace.
func (h *EventHandler) Emit(c *fiber.Ctx) error {
	var body struct {
		Action   string         `json:"action"`
		Entity   string         `json:"entity"`
		RecordID string         `json:"record_id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return errJSON(c, 400, "INVALID_PAYLOAD", "Invalid JSON body")
	}
	if body.Action == "" {
		return errJSON(c, 422, "VALIDATION_FAILED", "action is required")
	}

	GetInstrumenter(c.UserContext()).
		EmitBusinessEvent(c.UserContext(), body.Action, body.Entity, body.RecordID, body.Metadata)
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "ok"}})
}

// eventFilter accumulates WHERE conditions from query params.
type eventFilter struct {
	dialect store.Dialect
	conds   []string
	args    []any
}

func (f *eventFilter) add(cond string, arg any) {
	f.conds = append(f.conds, fmt.Sprintf(cond, f.dialect.Placeholder(len(f.args)+1)))
	f.args = append(f.args, arg)
}

func (f *eventFilter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func (h *EventHandler) filterFromQuery(c *fiber.Ctx, cols ...string) *eventFilter {
	f := &eventFilter{dialect: h.dialect}
	for _, col := range cols {
		if v := c.Query(col); v != "" {
			f.add(col+" = %s", v)
		}
	}
	if v := c.Query("from"); v != "" {
		f.add("created_at >= %s", v)
	}
	if v := c.Query("to"); v != "" {
		f.add("created_at <= %s", v)
	}
	return f
}

// List returns events page by page, newest first unless sort=created_at.
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()
	f := h.filterFromQuery(c,
		"source", "component", "action", "entity", "event_type", "trace_id", "user_id", "status")

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}

	order := "created_at DESC"
	if c.Query("sort") == "created_at" {
		order = "created_at ASC"
	}

	countRow, err := store.QueryRow(ctx, h.db, "SELECT COUNT(*) as count FROM _events"+f.where(), f.args...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	total := toInt(countRow["count"])

	query := fmt.Sprintf("SELECT %s FROM _events%s ORDER BY %s LIMIT %s OFFSET %s",
		eventColumns, f.where(), order,
		h.dialect.Placeholder(len(f.args)+1), h.dialect.Placeholder(len(f.args)+2))
	rows, err := store.QueryRows(ctx, h.db, query, append(f.args, perPage, (page-1)*perPage)...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrace returns all spans of one trace assembled into a parent/child tree.
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	ctx := c.UserContext()
	traceID := c.Params("traceId")

	rows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("SELECT %s FROM _events WHERE trace_id = %s ORDER BY created_at ASC",
			eventColumns, h.dialect.Placeholder(1)),
		traceID)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return errJSON(c, 404, "NOT_FOUND", "Trace not found: "+traceID)
	}

	children := make(map[string][]map[string]any, len(rows))
	byID := make(map[string]map[string]any, len(rows))
	var root map[string]any
	for _, row := range rows {
		spanID, _ := row["span_id"].(string)
		byID[spanID] = row
	}
	for _, row := range rows {
		parent, _ := row["parent_span_id"].(string)
		if parent == "" {
			root = row
		} else if _, ok := byID[parent]; ok {
			children[parent] = append(children[parent], row)
		}
	}
	for spanID, row := range byID {
		if children[spanID] == nil {
			row["children"] = []map[string]any{}
		} else {
			row["children"] = children[spanID]
		}
	}
	// Orphaned traces (root span lost) still render from the earliest span.
	if root == nil {
		root = rows[0]
	}

	return c.JSON(fiber.Map{"data": fiber.Map{
		"trace_id":          traceID,
		"root_span":         root,
		"spans":             rows,
		"total_duration_ms": root["duration_ms"],
	}})
}

// GetStats aggregates latency and error counts, overall and per source.
func (h *EventHandler) GetStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	p95Expr := "NULL"
	if h.dialect.SupportsPercentile() {
		p95Expr = h.dialect.PercentileExpr(0.95, "duration_ms")
	}
	errCountExpr := h.dialect.FilterCountExpr("status = 'error'")

	// Per-source breakdown only considers timed spans.
	timed := h.filterFromQuery(c, "entity")
	timed.conds = append([]string{"duration_ms IS NOT NULL"}, timed.conds...)
	bySourceRows, err := store.QueryRows(ctx, h.db, fmt.Sprintf(
		"SELECT source, COUNT(*) as count, AVG(duration_ms) as avg_duration_ms, %s as p95_duration_ms, %s as error_count FROM _events%s GROUP BY source ORDER BY count DESC",
		p95Expr, errCountExpr, timed.where()), timed.args...)
	if err != nil {
		return fmt.Errorf("stats by source: %w", err)
	}

	overall := h.filterFromQuery(c, "entity")
	totalRow, err := store.QueryRow(ctx, h.db, fmt.Sprintf(
		"SELECT COUNT(*) as total_events, AVG(duration_ms) as avg_latency_ms, %s as p95_latency_ms, %s as error_count FROM _events%s",
		p95Expr, errCountExpr, overall.where()), overall.args...)
	if err != nil {
		return fmt.Errorf("stats overall: %w", err)
	}

	totalEvents := toInt(totalRow["total_events"])
	var errorRate float64
	if totalEvents > 0 {
		errorRate = math.Round(float64(toInt(totalRow["error_count"]))/float64(totalEvents)*10000) / 10000
	}
	p95Latency := totalRow["p95_latency_ms"]
	if !h.dialect.SupportsPercentile() && totalEvents > 0 {
		p95Latency = h.percentileFallback(ctx, timed, "")
	}

	bySource := make([]fiber.Map, 0, len(bySourceRows))
	for _, row := range bySourceRows {
		p95 := row["p95_duration_ms"]
		if !h.dialect.SupportsPercentile() {
			source, _ := row["source"].(string)
			p95 = h.percentileFallback(ctx, timed, source)
		}
		bySource = append(bySource, fiber.Map{
			"source":          row["source"],
			"count":           toInt(row["count"]),
			"avg_duration_ms": row["avg_duration_ms"],
			"p95_duration_ms": p95,
			"error_count":     toInt(row["error_count"]),
		})
	}

	return c.JSON(fiber.Map{"data": fiber.Map{
		"total_events":   totalEvents,
		"avg_latency_ms": totalRow["avg_latency_ms"],
		"p95_latency_ms": p95Latency,
		"error_rate":     errorRate,
		"by_source":      bySource,
	}})
}

// percentileFallback computes p95 client-side for dialects without
// percentile_cont. Source narrows the sample when non-empty.
func (h *EventHandler) percentileFallback(ctx context.Context, f *eventFilter, source string) any {
	query := "SELECT duration_ms FROM _events" + f.where()
	args := f.args
	if source != "" {
		query += fmt.Sprintf(" AND source = %s", h.dialect.Placeholder(len(args)+1))
		args = append(append([]any{}, args...), source)
	}
	rows, err := store.QueryRows(ctx, h.db, query, args...)
	if err != nil || len(rows) == 0 {
		return nil
	}
	durations := make([]float64, 0, len(rows))
	for _, r := range rows {
		if d := toFloat(r["duration_ms"]); d > 0 {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return nil
	}
	sort.Float64s(durations)
	idx := int(float64(len(durations)) * 0.95)
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

func errJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": fiber.Map{"code": code, "message": message}})
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
