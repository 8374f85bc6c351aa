package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/zhiwei/internal/api/auth"
	"github.com/zhiwei/internal/config"
	"github.com/zhiwei/internal/instructions"
	"github.com/zhiwei/internal/jobqueue"
	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/orchestrator"
	"github.com/zhiwei/internal/retrieval"
	"github.com/zhiwei/internal/storage"
	"github.com/zhiwei/internal/treestore"
)

// Server represents the API server
type Server struct {
	echo *echo.Echo
	port int
	log  zerolog.Logger

	cfg          *config.Config
	store        treestore.Store
	orch         *orchestrator.Orchestrator
	hub          *modelhub.Hub
	blobs        *storage.Store
	files        *retrieval.FileStore
	instructions *instructions.Store
	jobs         *jobqueue.JobQueue
	authHandlers *auth.Handlers
	tokens       *auth.TokenService
}

// Deps carries everything the server serves.
type Deps struct {
	Config       *config.Config
	Store        treestore.Store
	Orchestrator *orchestrator.Orchestrator
	Hub          *modelhub.Hub
	Blobs        *storage.Store
	Files        *retrieval.FileStore
	Instructions *instructions.Store
	Jobs         *jobqueue.JobQueue
	ManagementDB *sql.DB
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	tokens := auth.NewTokenService(deps.Config.Auth.JWTSecret, deps.Config.Auth.TokenTTLMin)

	server := &Server{
		echo:         e,
		port:         deps.Config.Server.Port,
		log:          logging.Component("api"),
		cfg:          deps.Config,
		store:        deps.Store,
		orch:         deps.Orchestrator,
		hub:          deps.Hub,
		blobs:        deps.Blobs,
		files:        deps.Files,
		instructions: deps.Instructions,
		jobs:         deps.Jobs,
		authHandlers: auth.NewHandlers(auth.NewUserStore(deps.ManagementDB), tokens),
		tokens:       tokens,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	// Auth endpoints stay open; signed file downloads carry their own
	// credential in the URL.
	s.authHandlers.Register(v1)
	v1.GET("/files/*", s.downloadFile)

	authed := v1.Group("", auth.Middleware(s.tokens))

	authed.POST("/chat", s.chat, chatRateLimit())
	authed.GET("/conversations", s.listConversations)
	authed.GET("/conversations/:id/messages", s.conversationMessages)
	authed.DELETE("/conversations/:id", s.deleteConversation)
	authed.GET("/tree/path/:node_id", s.treePath)

	authed.POST("/upload", s.upload)
	authed.GET("/uploads", s.listUploads)
	authed.GET("/attachments/:id/url", s.attachmentURL)

	authed.GET("/models", s.listModels)

	authed.GET("/instructions", s.listInstructions)
	authed.POST("/instructions", s.createInstruction)
	authed.PUT("/instructions/:id", s.updateInstruction)
	authed.DELETE("/instructions/:id", s.deleteInstruction)
}

// Start begins the API server
func (s *Server) Start() error {
	// Start server in a goroutine
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.jobs != nil {
		if err := s.jobs.Stop(ctx); err != nil {
			s.log.Warn().Err(err).Msg("job queue did not stop cleanly")
		}
	}
	return s.echo.Shutdown(ctx)
}
