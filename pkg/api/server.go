package api

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhrivnak/vmorch/pkg/api/handlers"
	"github.com/mhrivnak/vmorch/pkg/config"
	"github.com/mhrivnak/vmorch/pkg/database"
	"github.com/mhrivnak/vmorch/pkg/services"
)

// Server represents the API server
type Server struct {
	config      *config.Config
	db          *database.DB
	diskHandler *handlers.DiskHandler
	vmHandler   *handlers.VMHandler
	logger      *slog.Logger
	router      *gin.Engine
	httpServer  *http.Server
}

// NewServer creates a new API server instance
func NewServer(cfg *config.Config, db *database.DB, disks services.DiskServiceInterface, vms services.VMServiceInterface, logger *slog.Logger) *Server {
	server := &Server{
		config:      cfg,
		db:          db,
		diskHandler: handlers.NewDiskHandler(disks, logger),
		vmHandler:   handlers.NewVMHandler(vms, logger),
		logger:      logger,
	}

	// Configure gin mode based on log level
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = gin.New()

	// Global middleware
	s.router.Use(gin.Logger())
	s.router.Use(s.errorHandlerMiddleware())
	s.router.Use(s.corsMiddleware())

	// Health endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/version", s.versionHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		// Disk endpoints
		api.GET("/disks", s.diskHandler.List)
		api.POST("/disks", s.diskHandler.Create)
		api.GET("/disks/:id", s.diskHandler.Get)
		api.PATCH("/disks/:id", s.diskHandler.Update)
		api.DELETE("/disks/:id", s.diskHandler.Delete)

		// VM endpoints
		api.GET("/vms", s.vmHandler.List)
		api.POST("/vms", s.vmHandler.Create)
		api.GET("/vms/:id", s.vmHandler.Get)
		api.PUT("/vms/:id", s.vmHandler.Update)
		api.DELETE("/vms/:id", s.vmHandler.Delete)
		api.POST("/vms/:id/start", s.vmHandler.Start)
		api.POST("/vms/:id/stop", s.vmHandler.Stop)
	}

	s.router.NoRoute(func(c *gin.Context) {
		handlers.SendError(c, handlers.NewAPIError(http.StatusNotFound, "Not Found", "No route for "+c.Request.Method+" "+c.Request.URL.Path))
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	address := fmt.Sprintf(":%d", s.config.API.Port)
	log.Printf("Starting API server on %s", address)

	// start and stop can hold a request for a whole hypervisor operation
	writeTimeout := s.config.Hypervisor.OperationTimeout + 15*time.Second

	s.httpServer = &http.Server{
		Addr:         address,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if s.config.API.TLSCert != "" && s.config.API.TLSKey != "" {
		if _, err := os.Stat(s.config.API.TLSCert); err != nil {
			return fmt.Errorf("TLS certificate file error: %w", err)
		}
		if _, err := os.Stat(s.config.API.TLSKey); err != nil {
			return fmt.Errorf("TLS key file error: %w", err)
		}

		log.Println("Starting HTTPS server")
		return s.httpServer.ListenAndServeTLS(s.config.API.TLSCert, s.config.API.TLSKey)
	}

	log.Println("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Println("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetRouter returns the gin router (useful for testing)
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
