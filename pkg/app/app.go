// Package app assembles the database, hypervisor driver and services shared by the
// api-server and vm-admin binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mhrivnak/vmorch/pkg/config"
	"github.com/mhrivnak/vmorch/pkg/database"
	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/hypervisor"
	"github.com/mhrivnak/vmorch/pkg/services"
)

// App holds the wired components
type App struct {
	Config *config.Config
	DB     *database.DB
	Driver hypervisor.Driver
	Disks  *services.DiskRegistry
	VMs    *services.VMService
	Logger *slog.Logger
}

// NewLogger builds the process logger from log.level and log.format
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New connects to the database, migrates it, opens the hypervisor driver and builds
// the disk registry and VM state machine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := database.NewConnectionWithRetry(ctx, cfg, database.RetryConfigFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	driver, err := hypervisor.New(ctx, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize %s hypervisor driver: %w", cfg.Hypervisor.Driver, err)
	}

	pool, err := services.NewAddressPool(cfg.Hypervisor.Subnet)
	if err != nil {
		_ = driver.Close()
		_ = db.Close()
		return nil, err
	}

	locks := services.NewEntityLocks()
	disks := services.NewDiskRegistry(db.DB, driver, locks, services.DiskOptions{
		MinSizeGB:     cfg.Disk.MinSizeGB,
		MaxSizeGB:     cfg.Disk.MaxSizeGB,
		DefaultFormat: models.DiskFormat(cfg.Disk.DefaultFormat),
	}, logger)
	vms := services.NewVMService(db.DB, disks, driver, locks, pool, services.VMOptions{
		OperationTimeout: cfg.Hypervisor.OperationTimeout,
	}, logger)

	return &App{
		Config: cfg,
		DB:     db,
		Driver: driver,
		Disks:  disks,
		VMs:    vms,
		Logger: logger,
	}, nil
}

// Close releases the driver and the database connection
func (a *App) Close() error {
	driverErr := a.Driver.Close()
	dbErr := a.DB.Close()
	if driverErr != nil {
		return driverErr
	}
	return dbErr
}
