package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"github.com/vesaa/cloudmetrics/internal/apperr"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
	defaultStatsRange = 24 * time.Hour
)

// registerRoutes wires up the whole surface.
//
//	Public:    GET  /api/metrics/*, /api/alerts, /api/health, /api/ready
//	           POST /api/login
//	Protected: PATCH /api/alerts/:id/acknowledge (JWT when a secret is set)
//	Root:      GET /ws, GET /metrics
func (s *Server) registerRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)

	metrics := api.Group("/metrics")
	{
		metrics.GET("/current", s.handleCurrent)
		metrics.GET("/history", s.handleHistory)
		metrics.GET("/stats", s.handleStats)
		metrics.GET("/instances", s.handleInstances)
	}

	api.GET("/alerts", s.handleAlerts)

	// ── Protected endpoints ───────────────────────────────────────────────────
	protected := api.Group("/", s.auth.Middleware())
	protected.PATCH("/alerts/:id/acknowledge", s.handleAcknowledge)

	// ── Real-time + scrape ────────────────────────────────────────────────────
	r.GET("/ws", s.handleWS)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		respondMessage(c, http.StatusNotFound, "Route "+c.Request.Method+" "+c.Request.URL.Path+" not found")
	})
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleCurrent returns the latest sample per instance.
//
//	GET /api/metrics/current
func (s *Server) handleCurrent(c *gin.Context) {
	snap, err := s.metrics.Current(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, snap)
}

// handleHistory returns samples in [start, end], oldest first.
//
//	GET /api/metrics/history?start=<RFC3339>&end=<RFC3339>[&instance_id=<id>]
func (s *Server) handleHistory(c *gin.Context) {
	rawStart, rawEnd := c.Query("start"), c.Query("end")
	if rawStart == "" || rawEnd == "" {
		s.respondError(c, apperr.Validation("start and end query parameters are required"))
		return
	}
	start, end, err := parseRange(rawStart, rawEnd)
	if err != nil {
		s.respondError(c, err)
		return
	}

	out, err := s.metrics.History(c.Request.Context(), start, end, c.Query("instance_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, out)
}

// handleStats aggregates a range, the last 24 hours by default.
//
//	GET /api/metrics/stats[?start=...&end=...]
func (s *Server) handleStats(c *gin.Context) {
	end := s.now()
	if raw := c.Query("end"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.respondError(c, err)
			return
		}
		end = t
	}
	start := end.Add(-defaultStatsRange)
	if raw := c.Query("start"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.respondError(c, err)
			return
		}
		start = t
	}
	if start.After(end) {
		s.respondError(c, apperr.Validation("start must not be after end"))
		return
	}

	stats, err := s.store.Aggregate(c.Request.Context(), start, end)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, stats)
}

// handleInstances lists the active fleet.
//
//	GET /api/metrics/instances
func (s *Server) handleInstances(c *gin.Context) {
	out, err := s.store.ListInstances(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, out)
}

// handleAlerts lists alerts newest first.
//
//	GET /api/alerts[?limit=50&include_acknowledged=true]
func (s *Server) handleAlerts(c *gin.Context) {
	limit := cast.ToInt(c.Query("limit"))
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}
	includeAck := cast.ToBool(c.Query("include_acknowledged"))

	out, err := s.alerts.List(c.Request.Context(), limit, includeAck)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, out)
}

// handleAcknowledge marks one alert acknowledged.
//
//	PATCH /api/alerts/:id/acknowledge
func (s *Server) handleAcknowledge(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		s.respondError(c, apperr.Validation("Invalid alert ID"))
		return
	}

	a, err := s.alerts.Acknowledge(c.Request.Context(), uint(id))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, a)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// parseTime accepts RFC 3339 timestamps and bare dates; values without a
// zone are taken as UTC.
func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Validation("Invalid date format. Use ISO 8601 format.")
}

func parseRange(rawStart, rawEnd string) (time.Time, time.Time, error) {
	start, err := parseTime(rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime(rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, apperr.Validation("start must not be after end")
	}
	return start, end, nil
}
