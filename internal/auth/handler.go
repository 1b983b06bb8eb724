package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/engine"
	"loom-backend/internal/store"
)

// Handler serves the /api/auth endpoints: login, refresh-token rotation and
// logout. Sessions are a short-lived JWT plus an opaque refresh token stored
// in _refresh_tokens.
type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// RegisterRoutes mounts the auth endpoints. They are unauthenticated by
// design; everything else goes through AuthMiddleware.
func RegisterRoutes(app *fiber.App, h *Handler) {
	grp := app.Group("/api/auth")
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
}

// Login verifies email and password and issues a token pair. Bad email and
// bad password produce the same message, so the endpoint cannot be used to
// probe which accounts exist.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()
	pb := h.store.Dialect.NewParamBuilder()
	user, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT id, email, password_hash, roles, active FROM _users WHERE email = %s", pb.Add(body.Email)),
		pb.Params()...)
	if err != nil {
		return engine.UnauthorizedError("Invalid email or password")
	}

	if !isActive(user["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}
	hash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, hash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	roles, _ := h.store.Dialect.ScanArray(user["roles"])
	pair, err := h.issueTokenPair(ctx, fmt.Sprintf("%v", user["id"]), roles)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh rotates a refresh token: the presented token is consumed and a
// fresh pair is issued, so a leaked token works at most once.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf(`SELECT rt.id, rt.user_id, rt.expires_at, u.roles, u.active
		 FROM _refresh_tokens rt
		 JOIN _users u ON u.id = rt.user_id
		 WHERE rt.token = %s`, pb.Add(body.RefreshToken)),
		pb.Params()...)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}

	if expired(row["expires_at"]) {
		h.deleteToken(ctx, "token", body.RefreshToken)
		return engine.UnauthorizedError("Refresh token expired")
	}
	if !isActive(row["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	h.deleteToken(ctx, "id", row["id"])

	roles, _ := h.store.Dialect.ScanArray(row["roles"])
	pair, err := h.issueTokenPair(ctx, fmt.Sprintf("%v", row["user_id"]), roles)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout revokes the presented refresh token. Idempotent: revoking an
// unknown token still reports success.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	h.deleteToken(c.Context(), "token", body.RefreshToken)
	return c.JSON(fiber.Map{"message": "Logged out"})
}

func (h *Handler) issueTokenPair(ctx context.Context, userID string, roles []string) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, roles, h.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refreshToken := GenerateRefreshToken()
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, h.store.DB,
		fmt.Sprintf("INSERT INTO _refresh_tokens (user_id, token, expires_at) VALUES (%s, %s, %s)",
			pb.Add(userID), pb.Add(refreshToken), pb.Add(time.Now().UTC().Add(RefreshTokenTTL))),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (h *Handler) deleteToken(ctx context.Context, column string, value any) {
	pb := h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE %s = %s", column, pb.Add(value)),
		pb.Params()...)
}

// isActive tolerates the SQLite 0/1 integer encoding of booleans.
func isActive(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case string:
		return b == "true" || b == "1"
	default:
		return false
	}
}

func expired(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return time.Now().After(t)
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return true
		}
		return time.Now().After(parsed)
	default:
		return true
	}
}
