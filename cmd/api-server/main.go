package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhrivnak/vmorch/pkg/api"
	"github.com/mhrivnak/vmorch/pkg/app"
	"github.com/mhrivnak/vmorch/pkg/config"
	"github.com/mhrivnak/vmorch/pkg/controllers"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database, hypervisor driver and services
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("Failed to close resources: %v", err)
		}
	}()

	log.Printf("Using %s hypervisor driver", a.Driver.Name())

	// Address pool and interrupted transitions are settled before the API accepts requests
	controller := controllers.NewVMStatusController(a.VMs, cfg.Controller.ReconcileInterval, logger.With("component", "vm-status-controller"))
	if _, err := controller.Startup(ctx); err != nil {
		log.Fatalf("Startup reconcile failed: %v", err)
	}

	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		controller.RunPeriodic(ctx)
	}()

	server := api.NewServer(cfg, a.DB, a.Disks, a.VMs, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-serverErr:
		log.Printf("Server failed: %v", err)
		stop()
	}

	// Give the server 30 seconds to finish current requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	<-controllerDone

	log.Println("Server exited")
}
