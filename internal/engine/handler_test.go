package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/metadata"
)

// resolveEntity must return a non-nil error for unknown entities so callers
// can bail out before touching the entity pointer.
func TestResolveEntityUnknown(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.Replace(metadata.Snapshot{Entities: []*metadata.Entity{
		{Name: "customer", Table: "customer", PrimaryKey: metadata.PrimaryKey{Field: "id", Generated: true}},
	}})

	h := NewHandler(nil, reg)

	app := fiber.New()
	app.Get("/api/:entity", func(c *fiber.Ctx) error {
		entity, err := h.resolveEntity(c)
		if err != nil {
			var appErr *AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("resolveEntity error type = %T, want *AppError", err)
			}
			if appErr.Code != "UNKNOWN_ENTITY" {
				t.Fatalf("code = %s, want UNKNOWN_ENTITY", appErr.Code)
			}
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}
		if entity == nil {
			t.Fatal("resolveEntity returned nil entity with nil error")
		}
		return c.JSON(fiber.Map{"name": entity.Name})
	})

	req, _ := http.NewRequest("GET", "/api/nonexistent", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	if errResp.Error.Code != "UNKNOWN_ENTITY" {
		t.Fatalf("body code = %s, want UNKNOWN_ENTITY", errResp.Error.Code)
	}
	if !strings.Contains(errResp.Error.Message, "nonexistent") {
		t.Fatalf("message should name the entity, got: %s", errResp.Error.Message)
	}

	req2, _ := http.NewRequest("GET", "/api/customer", nil)
	resp2, err := app.Test(req2, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("known entity status = %d, want 200", resp2.StatusCode)
	}
}

func TestFiberErrorHandlerRendersAppErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return NewAppError("VALIDATION_FAILED", 422, "total must be positive")
	})
	app.Get("/plain", func(c *fiber.Ctx) error {
		return errors.New("disk on fire")
	})

	req, _ := http.NewRequest("GET", "/boom", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 422 {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var errResp ErrorResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	if errResp.Error.Code != "VALIDATION_FAILED" || errResp.Error.Message != "total must be positive" {
		t.Fatalf("unexpected envelope: %+v", errResp.Error)
	}

	// Non-AppError values become an opaque 500 without leaking the message.
	req2, _ := http.NewRequest("GET", "/plain", nil)
	resp2, err := app.Test(req2, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp2.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp2.StatusCode)
	}
	body2, _ := io.ReadAll(resp2.Body)
	if strings.Contains(string(body2), "disk on fire") {
		t.Fatalf("internal error detail leaked: %s", body2)
	}
}
