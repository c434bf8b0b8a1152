// Package admin serves the operator HTTP API: health, per-source sync state,
// on-demand ticks, cursor resets, pass-through provider queries and the
// latest merged taxonomy.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/sync"
)

const shutdownTimeout = 10 * time.Second

// Engine is the sync control surface. Implemented by [sync.Engine].
type Engine interface {
	Status() []sync.SourceStatus
	SourceStatus(src model.Source) (sync.SourceStatus, bool)
	TickNow(ctx context.Context, src model.Source) (sync.Stats, error)
	ResetCursor(ctx context.Context, src model.Source, changeID int64) (*model.ChangeCursor, error)
}

// Snapshots serves the latest merged taxonomy. Implemented by
// [filters.Aggregator].
type Snapshots interface {
	Current() *model.TaxonomySnapshot
}

// Server is the admin HTTP server.
type Server struct {
	engine   Engine
	registry *source.Registry
	filters  Snapshots
	log      *slog.Logger
	router   *gin.Engine
}

// New builds the server and its routes. serviceName names the request spans.
func New(engine Engine, registry *source.Registry, filters Snapshots, serviceName string, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), requestLog(logger))

	s := &Server{
		engine:   engine,
		registry: registry,
		filters:  filters,
		log:      logger,
		router:   router,
	}

	router.GET("/healthz", s.health)

	api := router.Group("/api")
	api.GET("/filters", s.mergedFilters)
	api.GET("/sources", s.listSources)

	src := api.Group("/sources/:source")
	src.GET("", s.getSource)
	src.POST("/sync", s.syncNow)
	src.PUT("/cursor", s.resetCursor)
	src.GET("/filters", s.sourceFilters)
	src.GET("/change-id", s.changeID)
	src.GET("/changes", s.changes)
	src.GET("/offer", s.offer)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin API shutdown: %w", err)
	}
	return nil
}

// requestLog logs one line per request at debug level.
func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
