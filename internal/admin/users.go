package admin

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/auth"
	"loom-backend/internal/engine"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

const userColumns = "id, email, roles, active, created_at, updated_at"

// userBody is the write shape for user endpoints. Password is accepted only
// here; it is stored as a bcrypt hash and never read back out.
type userBody struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
	Active   *bool    `json:"active"`
}

func (h *Handler) ListUsers(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT "+userColumns+" FROM _users ORDER BY email")
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	rows = emptyIfNil(rows)
	h.normalizeUsers(rows)
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetUser(c *fiber.Ctx) error {
	row, err := h.fetchUser(c, c.Params("id"))
	if err != nil {
		return engine.NotFoundError("user", c.Params("id"))
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateUser(c *fiber.Ctx) error {
	var body userBody
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.Email == "" {
		return engine.NewAppError("VALIDATION_FAILED", 422, "email is required")
	}
	if body.Password == "" {
		return engine.NewAppError("VALIDATION_FAILED", 422, "password is required")
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	active := body.Active == nil || *body.Active
	if body.Roles == nil {
		body.Roles = []string{}
	}

	id := store.GenerateUUID()
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("INSERT INTO _users (id, email, password_hash, roles, active) VALUES (%s, %s, %s, %s, %s)",
			pb.Add(id), pb.Add(body.Email), pb.Add(hash), pb.Add(h.store.Dialect.ArrayParam(body.Roles)), pb.Add(active)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	row, err := h.fetchUser(c, id)
	if err != nil {
		return fmt.Errorf("fetch created user: %w", err)
	}
	return c.Status(201).JSON(fiber.Map{"data": row})
}

func (h *Handler) UpdateUser(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.fetchUser(c, id); err != nil {
		return engine.NotFoundError("user", id)
	}

	var body userBody
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.Email == "" {
		return engine.NewAppError("VALIDATION_FAILED", 422, "email is required")
	}
	if body.Roles == nil {
		body.Roles = []string{}
	}

	pb := h.store.Dialect.NewParamBuilder()
	sets := fmt.Sprintf("email = %s, roles = %s, active = %s",
		pb.Add(body.Email), pb.Add(h.store.Dialect.ArrayParam(body.Roles)), pb.Add(body.Active))
	// An empty password means "leave the hash alone".
	if body.Password != "" {
		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		sets += ", password_hash = " + pb.Add(hash)
	}
	_, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _users SET %s, updated_at = %s WHERE id = %s",
			sets, h.store.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	row, err := h.fetchUser(c, id)
	if err != nil {
		return fmt.Errorf("fetch updated user: %w", err)
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) DeleteUser(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.fetchUser(c, id); err != nil {
		return engine.NotFoundError("user", id)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _users WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

func (h *Handler) fetchUser(c *fiber.Ctx, id string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _users WHERE id = %s", userColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	h.normalizeUsers([]map[string]any{row})
	return row, nil
}

func (h *Handler) normalizeUsers(rows []map[string]any) {
	h.fixBools(rows, []string{"active"})
	for _, row := range rows {
		row["roles"] = metadata.ParseStringArray(row["roles"])
	}
}
