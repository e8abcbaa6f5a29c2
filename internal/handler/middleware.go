package handler

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/logger"
)

const (
	requestIDHeader = "X-Request-Id"
	adminKeyHeader  = "X-Admin-Key"
)

func requestID(logg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)
		c.Request = c.Request.WithContext(logg.WithRequestID(c.Request.Context(), reqID))
		c.Next()
	}
}

func accessLog(logg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := logg.WithFields(c.Request.Context(), map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		logg.Info(ctx, "request completed")
	}
}

func recovery(logg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logg.Error(c.Request.Context(), "panic recovered", fmt.Errorf("panic: %v", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorEnvelope{
					Error: apiError{Code: string(apperr.CodeInternal), Message: apperr.MetadataFor(apperr.CodeInternal).PublicMessage},
				})
			}
		}()
		c.Next()
	}
}

// requireAdmin guards administrative routes with ADMIN_API_KEY. Without a
// configured key the routes stay open outside production.
func (s *Server) requireAdmin(c *gin.Context) {
	key := s.cfg.App.AdminAPIKey
	if key == "" {
		if s.cfg.App.IsProd() {
			s.writeError(c, apperr.New(apperr.CodeForbidden, "administrative API disabled"))
			c.Abort()
			return
		}
		c.Next()
		return
	}
	if subtle.ConstantTimeCompare([]byte(c.GetHeader(adminKeyHeader)), []byte(key)) != 1 {
		s.writeError(c, apperr.New(apperr.CodeUnauthorized, "invalid admin key"))
		c.Abort()
		return
	}
	c.Next()
}
