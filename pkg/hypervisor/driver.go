// Package hypervisor adapts VM lifecycle intents (boot, shutdown, allocate and resize
// storage) to a concrete virtualization backend.
//
// Three backends are available:
//
//   - simulated: in-memory bookkeeping, used for development and tests
//   - qemu: qemu-img and qemu-system processes tracked by pid file
//   - libvirt: storage volumes and domains managed through the libvirt RPC socket
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mhrivnak/vmorch/pkg/config"
	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// ErrNotRunning is returned by Shutdown when the instance is already gone
var ErrNotRunning = errors.New("instance is not running")

// StorageSpec describes a backing file to allocate
type StorageSpec struct {
	ID        string
	Name      string
	Format    models.DiskFormat
	SizeBytes uint64
	Dynamic   bool
}

// BootSpec describes a VM instance to boot
type BootSpec struct {
	VMID       string
	Name       string
	DiskPath   string
	DiskFormat models.DiskFormat
	CPUCores   int
	MemoryMB   int
	// IPAddress is the address reserved for the guest; backends may report a different one
	IPAddress string
}

// Driver is the capability interface the VM state machine and disk registry depend on
type Driver interface {
	// Name returns the backend identifier ("simulated", "qemu", "libvirt")
	Name() string

	// AllocateStorage creates the backing file and returns its path
	AllocateStorage(ctx context.Context, spec StorageSpec) (string, error)

	// ResizeStorage changes the capacity of an existing backing file
	ResizeStorage(ctx context.Context, path string, format models.DiskFormat, sizeBytes uint64) error

	// ReleaseStorage removes a backing file. A missing file is not an error.
	ReleaseStorage(ctx context.Context, path string) error

	// Boot starts an instance and returns the guest address if the backend knows it
	Boot(ctx context.Context, spec BootSpec) (string, error)

	// Shutdown stops the instance for vmID
	Shutdown(ctx context.Context, vmID string) error

	// IsRunning reports whether an instance for vmID is alive
	IsRunning(ctx context.Context, vmID string) (bool, error)

	// Close releases backend connections
	Close() error
}

// New builds the driver selected by hypervisor.driver
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Driver, error) {
	switch cfg.Hypervisor.Driver {
	case "simulated":
		return NewSimulatedDriver(cfg.Disk.StorageDir), nil
	case "qemu":
		return NewQemuDriver(QemuOptions{
			ImgBinary:    cfg.Hypervisor.Qemu.ImgBinary,
			SystemBinary: cfg.Hypervisor.Qemu.SystemBinary,
			StorageDir:   cfg.Disk.StorageDir,
			RunDir:       cfg.Hypervisor.Qemu.RunDir,
			ISOPath:      cfg.Hypervisor.Qemu.ISOPath,
			EnableKVM:    cfg.Hypervisor.Qemu.EnableKVM,
			StopTimeout:  cfg.Hypervisor.Qemu.StopTimeout,
		}, logger)
	case "libvirt":
		client, err := ConnectLibvirt(ctx, cfg.Hypervisor.Libvirt.Socket, cfg.Hypervisor.Libvirt.Timeout)
		if err != nil {
			return nil, err
		}
		return NewLibvirtDriver(client, LibvirtOptions{
			StoragePool: cfg.Hypervisor.Libvirt.StoragePool,
			Network:     cfg.Hypervisor.Libvirt.Network,
			EnableKVM:   cfg.Hypervisor.Qemu.EnableKVM,
			StopTimeout: cfg.Hypervisor.Qemu.StopTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported hypervisor driver: %s", cfg.Hypervisor.Driver)
	}
}

// fileName returns the backing file name for a disk
func fileName(spec StorageSpec) string {
	return fmt.Sprintf("%s.%s", spec.ID, spec.Format)
}
