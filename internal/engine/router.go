package engine

import "github.com/gofiber/fiber/v2"

// RegisterDynamicRoutes mounts the generic record endpoints. They hang off
// the app root rather than a route group so the /api/:entity wildcard cannot
// shadow the static /api/auth and /api/_admin subtrees.
func RegisterDynamicRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	routes := []struct {
		method, path string
		handler      fiber.Handler
	}{
		{fiber.MethodGet, "/api/:entity", h.List},
		{fiber.MethodGet, "/api/:entity/:id", h.GetByID},
		{fiber.MethodPost, "/api/:entity", h.Create},
		{fiber.MethodPut, "/api/:entity/:id", h.Update},
		{fiber.MethodDelete, "/api/:entity/:id", h.Delete},
	}
	for _, r := range routes {
		chain := append(append([]fiber.Handler{}, middleware...), r.handler)
		app.Add(r.method, r.path, chain...)
	}
}
