package services

import (
	"context"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// DiskServiceInterface defines the disk registry operations used by the API layer
type DiskServiceInterface interface {
	CreateDisk(ctx context.Context, req CreateDiskRequest) (*models.Disk, error)
	GetDisk(ctx context.Context, id string) (*models.Disk, error)
	ListDisks(ctx context.Context, sortOrder string) ([]models.Disk, error)
	EditDisk(ctx context.Context, id string, req EditDiskRequest) (*models.Disk, error)
	DeleteDisk(ctx context.Context, id string) error
}

// VMServiceInterface defines the VM state machine operations used by the API layer
type VMServiceInterface interface {
	Create(ctx context.Context, req CreateVMRequest) (*models.VM, error)
	Get(ctx context.Context, id string) (*models.VM, error)
	List(ctx context.Context, sortOrder string) ([]models.VM, error)
	Start(ctx context.Context, id string) (*models.VM, error)
	Stop(ctx context.Context, id string) (*models.VM, error)
	Update(ctx context.Context, id string, req UpdateVMRequest) (*models.VM, error)
	Delete(ctx context.Context, id string) error
}

// ReconcilerServiceInterface is what the status reconciler needs from the VM state machine
type ReconcilerServiceInterface interface {
	RestoreAddresses(ctx context.Context) error
	ListByStatus(ctx context.Context, statuses ...models.VMStatus) ([]models.VM, error)
	ReconcileVM(ctx context.Context, id string, startup bool) (*Correction, error)
}

var (
	_ DiskServiceInterface       = (*DiskRegistry)(nil)
	_ VMServiceInterface         = (*VMService)(nil)
	_ ReconcilerServiceInterface = (*VMService)(nil)
)
