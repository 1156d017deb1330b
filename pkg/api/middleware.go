package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mhrivnak/vmorch/pkg/api/handlers"
)

// corsMiddleware answers preflight requests and echoes allowed origins. An entry of "*"
// allows any origin.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(s.config.API.AllowedOrigins))
	for _, origin := range s.config.API.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
			c.Header("Access-Control-Expose-Headers", "Content-Length")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// errorHandlerMiddleware turns panics into the standard error body
func (s *Server) errorHandlerMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("Panic while handling request", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", fmt.Sprint(recovered))
		handlers.SendError(c, handlers.NewAPIError(http.StatusInternalServerError, "InternalError", "An unexpected error occurred"))
	})
}
