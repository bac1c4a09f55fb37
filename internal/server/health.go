package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/cloudmetrics/internal/apperr"
)

// handleHealth reports liveness plus a reading of the host.
//
//	GET /api/health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{
		"status":      "ok",
		"timestamp":   s.now().UTC(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"subscribers": s.hub.Len(),
	}
	if snap, err := s.host(ctx); err == nil {
		body["host"] = snap
	} else {
		s.log.Debug("host stats unavailable", "error", err)
	}
	respondOK(c, body)
}

// handleReady answers 200 only while storage is reachable.
//
//	GET /api/ready
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.respondError(c, apperr.Storage("ping", err))
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Data: gin.H{"status": "ready"}})
}
