package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/zhiwei/internal/aggregator"
	"github.com/zhiwei/internal/api/auth"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/orchestrator"
	"github.com/zhiwei/internal/treestore"
)

type chatFile struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Data     string `json:"data"` // base64
}

type chatRequest struct {
	ConversationID string     `json:"conversation_id"`
	ParentID       string     `json:"parent_id"`
	Message        string     `json:"message"`
	Model          string     `json:"model"`
	EnableSearch   bool       `json:"enable_search"`
	EnableRAG      bool       `json:"enable_rag"`
	FileIDs        []string   `json:"file_ids"`
	Files          []chatFile `json:"files"`
}

// chat runs one streaming turn. Everything that can fail is checked
// before the stream opens, so errors before the first frame are plain
// HTTP errors and errors after it arrive as protocol frames.
func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	files := make([]aggregator.File, 0, len(req.Files))
	for _, f := range req.Files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "attachment "+f.Filename+" is not valid base64")
		}
		files = append(files, aggregator.File{Filename: f.Filename, Mime: f.Mime, Data: data})
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Chat.DefaultModel
	}

	userID := auth.UserID(c)
	var systemPrompt string
	if s.instructions != nil {
		var err error
		systemPrompt, err = s.instructions.SystemPrompt(c.Request().Context(), userID)
		if err != nil {
			s.log.Warn().Err(err).Msg("could not load user instructions")
			systemPrompt = ""
		}
	}

	turn := &orchestrator.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		ParentID:       req.ParentID,
		Message:        req.Message,
		Model:          model,
		SystemPrompt:   systemPrompt,
		Files:          files,
		Options: aggregator.Options{
			EnableSearch: req.EnableSearch,
			EnableRAG:    req.EnableRAG,
			FileIDs:      req.FileIDs,
		},
	}

	ctx := c.Request().Context()
	if err := s.orch.Validate(ctx, turn); err != nil {
		return mapDomainError(err)
	}

	w := newSSEWriter(c)
	if err := s.orch.Run(ctx, turn, w); err != nil {
		// The stream already carried an error frame; just log here.
		s.log.Error().Err(err).Str("user_id", userID).Msg("chat turn failed")
	}
	return nil
}

// mapDomainError translates core errors into HTTP status codes at the
// edge.
func mapDomainError(err error) error {
	var capErr *modelhub.CapabilityError
	switch {
	case errors.Is(err, treestore.ErrConversationNotFound),
		errors.Is(err, treestore.ErrNodeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, treestore.ErrInvalidParent),
		errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, modelhub.ErrUnknownModel):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &capErr):
		return echo.NewHTTPError(http.StatusBadRequest, capErr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// chatRateLimit bounds each user to a steady request rate. Streams are
// long-lived, so this counts request starts, not bytes.
func chatRateLimit() echo.MiddlewareFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(userID string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[userID]
		if !ok {
			l = rate.NewLimiter(rate.Limit(5), 10)
			limiters[userID] = l
		}
		return l
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := auth.UserID(c)
			if userID != "" && !limiterFor(userID).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
			}
			return next(c)
		}
	}
}
