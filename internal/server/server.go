// Package server is the cloudmetrics HTTP surface: the JSON query API under
// /api, the websocket real-time channel at /ws and the Prometheus scrape
// endpoint at /metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
	"github.com/vesaa/cloudmetrics/internal/hoststat"
	"github.com/vesaa/cloudmetrics/internal/models"
)

// MetricsReader serves the current snapshot and history, normally through
// the cache.
type MetricsReader interface {
	Current(ctx context.Context) (map[string]models.CurrentMetric, error)
	History(ctx context.Context, start, end time.Time, instanceID string) ([]models.Metric, error)
}

// StoreReader is the direct-to-storage part of the query surface.
type StoreReader interface {
	Aggregate(ctx context.Context, start, end time.Time) (models.MetricStats, error)
	ListInstances(ctx context.Context) ([]models.Instance, error)
	Ping(ctx context.Context) error
}

type AlertService interface {
	List(ctx context.Context, limit int, includeAcknowledged bool) ([]models.Alert, error)
	Acknowledge(ctx context.Context, id uint) (*models.Alert, error)
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Metrics    MetricsReader
	Store      StoreReader
	Alerts     AlertService
	Hub        *broadcast.Hub
	Auth       *Auth
	CORSOrigin string
	Log        *slog.Logger
}

// Server owns the gin engine and its handlers.
type Server struct {
	metrics MetricsReader
	store   StoreReader
	alerts  AlertService
	hub     *broadcast.Hub
	auth    *Auth
	log     *slog.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
	now      func() time.Time
	host     func(ctx context.Context) (*hoststat.Snapshot, error)
}

// New builds the engine with every route registered.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		metrics: d.Metrics,
		store:   d.Store,
		alerts:  d.Alerts,
		hub:     d.Hub,
		auth:    d.Auth,
		log:     log.With("module", "server"),
		started: time.Now(),
		now:     time.Now,
		host:    hoststat.Collect,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(d.CORSOrigin),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log), corsMiddleware(d.CORSOrigin))
	s.registerRoutes(r)
	s.engine = r
	return s
}

// Handler returns the HTTP handler to mount on an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func corsMiddleware(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originChecker(origin string) func(r *http.Request) bool {
	if origin == "" || origin == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || o == origin
	}
}
