package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Version is overridden at build time with -ldflags "-X github.com/mhrivnak/vmorch/pkg/api.Version=..."
var Version = "dev"

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

type ReadinessResponse struct {
	Ready     bool              `json:"ready"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

type VersionResponse struct {
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Hypervisor string `json:"hypervisor"`
}

func (s *Server) databaseReachable() bool {
	if err := s.db.Ping(); err != nil {
		s.logger.Warn("Database ping failed", "error", err)
		return false
	}
	return true
}

// healthHandler reports liveness; a lost database connection makes the process unhealthy
func (s *Server) healthHandler(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Timestamp: time.Now(), Version: Version, Database: "ok"}
	if !s.databaseReachable() {
		resp.Status = "unhealthy"
		resp.Database = "error"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// readinessHandler reports whether lifecycle requests can be served and which driver backs them
func (s *Server) readinessHandler(c *gin.Context) {
	resp := ReadinessResponse{
		Ready:     true,
		Timestamp: time.Now(),
		Services: map[string]string{
			"database":   "ready",
			"hypervisor": s.config.Hypervisor.Driver,
		},
	}

	status := http.StatusOK
	if !s.databaseReachable() {
		resp.Ready = false
		resp.Services["database"] = "not ready"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, VersionResponse{
		Version:    Version,
		GoVersion:  runtime.Version(),
		Hypervisor: s.config.Hypervisor.Driver,
	})
}
