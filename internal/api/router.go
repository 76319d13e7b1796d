// Package api exposes the sync engine over a local HTTP/JSON interface:
// feed projections, queue commands, and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njoerd114/snapqueue/internal/model"
	"github.com/njoerd114/snapqueue/internal/store"
	snapsync "github.com/njoerd114/snapqueue/internal/sync"
	"github.com/njoerd114/snapqueue/internal/view"
)

// defaultWaitTimeout bounds how long a ?wait=true request blocks on a command.
const defaultWaitTimeout = 30 * time.Second

// Engine is the subset of [snapsync.Engine] the HTTP layer drives.
type Engine interface {
	view.Source
	HasMore() bool
	FetchPage(ctx context.Context) (store.MergeStats, error)
	FetchNewer(ctx context.Context) (store.MergeStats, error)
	CreateItem(ctx context.Context, payload model.Payload) (model.Item, *snapsync.Completion, error)
	RetryErrored(ids ...string) *snapsync.Completion
	FlushPending() *snapsync.Completion
	ToggleLike(id string) *snapsync.Completion
	ReportImage(id string) *snapsync.Completion
	RemoveImage(id string) *snapsync.Completion
}

// Compile-time check.
var _ Engine = (*snapsync.Engine)(nil)

// Options configures the HTTP layer. Zero values select defaults.
type Options struct {
	// AllowOrigins lists CORS origins. Empty allows any origin.
	AllowOrigins []string
	// WaitTimeout bounds requests that wait for a command to finish.
	WaitTimeout time.Duration
	// Registry receives the feed gauges and request counters. A fresh
	// registry is created when nil.
	Registry *prometheus.Registry
}

// Server routes HTTP requests to the engine.
type Server struct {
	eng    Engine
	proj   *view.Projector
	log    *slog.Logger
	opts   Options
	router *gin.Engine

	requests *prometheus.CounterVec
}

// NewServer builds the router and registers metrics.
func NewServer(eng Engine, opts Options, logger *slog.Logger) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		eng:  eng,
		proj: view.NewProjector(eng),
		log:  logger,
		opts: opts,
	}
	s.registerMetrics(opts.Registry)
	s.router = s.routes(opts.Registry)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(s.opts.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.opts.AllowOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/feed", s.feed)
		v1.GET("/items", s.listConfirmed)
		v1.GET("/items/pending", s.listPending)
		v1.GET("/items/errored", s.listErrored)
		v1.GET("/items/:id", s.getItem)

		v1.POST("/items", s.createItem)
		v1.POST("/items/:id/like", s.toggleLike)
		v1.POST("/items/:id/report", s.reportItem)
		v1.DELETE("/items/:id", s.removeItem)

		v1.POST("/fetch", s.fetchPage)
		v1.POST("/refresh", s.fetchNewer)
		v1.POST("/retry", s.retry)
		v1.POST("/flush", s.flush)
	}
	return r
}

// requestLogger logs each request at debug level and counts it by route.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.requests.WithLabelValues(c.Request.Method, route, http.StatusText(status)).Inc()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
		)
	}
}
