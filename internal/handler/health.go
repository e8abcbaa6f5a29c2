package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDeepHealth checks the database and, when configured, redis.
func (s *Server) handleDeepHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}

	if s.db != nil {
		dbHealth := s.db.Health(ctx)
		body["database"] = dbHealth
		if dbHealth["status"] != "up" {
			status = http.StatusServiceUnavailable
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			body["redis"] = gin.H{"status": "down", "error": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			body["redis"] = gin.H{"status": "up"}
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
