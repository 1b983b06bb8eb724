package instrument

import (
	"math/rand"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"loom-backend/internal/config"
	"loom-backend/internal/metadata"
)

// Middleware wraps every request in a root HTTP span. An incoming X-Trace-ID
// header joins an existing trace; otherwise a new one starts. Sampled-out
// requests pass through untouched and downstream code sees the no-op tracer.
func Middleware(cfg config.InstrumentationConfig, buffer *EventBuffer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Enabled || buffer == nil {
			return c.Next()
		}
		if cfg.SamplingRate < 1.0 && rand.Float64() > cfg.SamplingRate {
			return c.Next()
		}

		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set("X-Trace-ID", traceID)

		tracer := NewTracer(buffer)
		ctx := WithInstrumenter(WithTraceID(c.UserContext(), traceID), tracer)

		ctx, span := tracer.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)

		err := c.Next()

		// Auth middleware runs after us, so the user is only known now.
		if user, ok := c.Locals("user").(*metadata.UserContext); ok && user != nil {
			span.SetMetadata("user_id", user.ID)
			c.SetUserContext(WithUserID(c.UserContext(), user.ID))
		}

		status := c.Response().StatusCode()
		span.SetMetadata("status_code", status)
		if status >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()
		return err
	}
}
