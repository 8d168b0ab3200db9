// Package adminhttp is the engine's ambient HTTP surface: health and
// Prometheus metrics only. Adapted from the teacher's gin server and
// middleware stack, stripped of every route and middleware that depended on
// a REST job/cluster API this engine no longer exposes (job CRUD, JWT/API
// key auth, per-client rate limiting) — only the tracing and metrics
// middleware survive, generalized onto a server with two routes.
package adminhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightcrew/skedge/pkg/models"
)

// Config controls the admin server.
type Config struct {
	Port string
}

// EngineStatuser is the narrow view onto *engine.Engine the health handler
// needs, kept as an interface so tests can substitute a fake without
// constructing a real Engine.
type EngineStatuser interface {
	Status() models.EngineStatus
}

// Server wraps a gin router configured with the tracing and metrics
// middleware and the health/metrics routes.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
}

// New builds the admin server. eng may be nil, in which case /health always
// reports "unknown".
func New(cfg Config, eng EngineStatuser, serviceName string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracingMiddleware(serviceName))
	router.Use(metricsMiddleware())

	router.GET("/health", healthHandler(eng))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := cfg.Port
	if len(addr) > 0 && addr[0] != ':' {
		addr = ":" + addr
	}

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the server and blocks until it fails or is shut down.
func (s *Server) Run() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(eng EngineStatuser) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "unknown"
		if eng != nil {
			status = string(eng.Status())
		}
		c.JSON(http.StatusOK, gin.H{
			"status": status,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
