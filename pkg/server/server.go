// Package server fronts the memory engine with the HTTP contract:
// memory CRUD and query, ingestion, temporal facts, embedding status,
// admin surfaces and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/backup"
	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/temporal"
	"github.com/openmemory/openmemory-go/pkg/webhook"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"

// Deps are the collaborators the HTTP layer fronts. Ollama and Backups
// are nil when the deployment does not use them.
type Deps struct {
	Holder     *config.Holder
	Store      storage.Store
	Engine     *core.Engine
	Temporal   *temporal.Service
	Auth       *auth.Service
	Limiter    *auth.Limiter
	Provider   embedder.Provider
	Dispatcher *webhook.Dispatcher
	Backups    *backup.Manager
}

type Server struct {
	deps    Deps
	router  *gin.Engine
	started time.Time
}

func New(deps Deps) *Server {
	cfg := deps.Holder.Get()
	if cfg.Mode == config.ModeProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{deps: deps, started: time.Now().UTC()}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(), s.bodyLimit())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", s.authenticate(), s.rateLimit())
	authed.POST("/memory/add", s.addMemory)
	authed.POST("/memory/query", s.queryMemory)
	authed.GET("/memory/all", s.listMemories)
	authed.GET("/memory/:id", s.getMemory)
	authed.PATCH("/memory/:id", s.patchMemory)
	authed.DELETE("/memory/:id", s.deleteMemory)
	authed.POST("/memory/ingest", s.ingest)
	authed.POST("/memory/reinforce", s.reinforce)
	authed.GET("/sectors", s.sectors)
	authed.GET("/users/:id/memories", s.listUserMemories)
	authed.DELETE("/users/:id/memories", s.deleteUserMemories)
	authed.POST("/webhooks", s.subscribeWebhook)
	authed.GET("/webhooks", s.listWebhooks)
	authed.DELETE("/webhooks/:id", s.unsubscribeWebhook)

	authed.POST("/temporal/fact", s.insertFact)
	authed.GET("/temporal/facts", s.queryFacts)
	authed.POST("/temporal/edge", s.insertEdge)

	authed.GET("/embed/config", s.embedConfig)
	authed.GET("/embed/ollama/status", s.ollamaStatus)

	admin := r.Group("/", s.requireAdmin())
	admin.POST("/embed/config", s.updateEmbedConfig)
	admin.GET("/admin/users", s.listUsers)
	admin.POST("/admin/users", s.createUser)
	admin.GET("/admin/users/:id", s.getUser)
	admin.DELETE("/admin/users/:id", s.deleteUser)
	admin.GET("/admin/users/:id/keys", s.listUserKeys)
	admin.POST("/admin/users/:id/keys", s.issueUserKey)
	admin.GET("/admin/backup/status", s.backupStatus)
	admin.GET("/dashboard/stats", s.dashboardStats)

	s.router = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.deps.Holder.Get()
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr, "protocol", cfg.Protocol())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("Run: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("Run: shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
		"backend": s.deps.Store.Dialect(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}
