package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"suipic/internal/catalog"
	"suipic/internal/ingest"
	"suipic/internal/models"
	"suipic/internal/reaper"
)

type Ingester interface {
	Accept(ctx context.Context, req ingest.Request) (*models.Image, error)
}

type Catalog interface {
	Get(ctx context.Context, id uuid.UUID) (*catalog.View, error)
	ListAlbum(ctx context.Context, albumID uuid.UUID) ([]*catalog.View, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, olderThanMinutes int) (reaper.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ingest  Ingester
	Catalog Catalog
	Reaper  Sweeper
	// Health is optional; without it /health always reports ok.
	Health Pinger
	Logger *slog.Logger
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	deps   Deps
	log    *slog.Logger
}

func NewServer(cfg *models.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger))

	s := &Server{
		cfg:    cfg,
		router: r,
		deps:   deps,
		log:    deps.Logger,
		http: &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	r.GET("/health", s.handleHealth)

	authed := r.Group("/", identity())
	authed.POST("/albums/:albumID/images", requireRole(RolePhotographer, RoleAdmin), s.handleUpload)
	authed.GET("/albums/:albumID/images", s.handleListAlbum)
	authed.GET("/images/:id", s.handleGetImage)
	authed.POST("/admin/cleanup", requireRole(RoleAdmin), s.handleCleanup)

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.ServerAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
