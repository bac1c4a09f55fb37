package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/cloudmetrics/internal/apperr"
)

// envelope is the body of every /api response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

// respondError maps err onto a status and a message safe to show clients.
func (s *Server) respondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: apperr.Public(err)})
}

func respondMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: msg})
}
