package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handlers exposes the auth endpoints.
type Handlers struct {
	users  *UserStore
	tokens *TokenService
}

// NewHandlers creates the auth handler set.
func NewHandlers(users *UserStore, tokens *TokenService) *Handlers {
	return &Handlers{users: users, tokens: tokens}
}

// Register mounts the auth routes on the group.
func (h *Handlers) Register(g *echo.Group) {
	g.POST("/auth/register", h.register)
	g.POST("/auth/login", h.login)
	g.POST("/auth/anonymous", h.anonymous)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handlers) register(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Username == "" || len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "username and a password of at least 8 characters are required")
	}

	u, err := h.users.Register(c.Request().Context(), req.Username, req.Password)
	if errors.Is(err, ErrUserExists) {
		return echo.NewHTTPError(http.StatusConflict, "username already exists")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create account")
	}
	return h.issue(c, u.ID, false)
}

func (h *Handlers) login(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	u, err := h.users.Authenticate(c.Request().Context(), req.Username, req.Password)
	if errors.Is(err, ErrBadCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to log in")
	}
	return h.issue(c, u.ID, false)
}

func (h *Handlers) anonymous(c echo.Context) error {
	u, err := h.users.CreateAnonymous(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}
	return h.issue(c, u.ID, true)
}

func (h *Handlers) issue(c echo.Context, userID string, anonymous bool) error {
	token, expiresAt, err := h.tokens.Issue(userID, anonymous)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue token")
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token, UserID: userID, ExpiresAt: expiresAt})
}
