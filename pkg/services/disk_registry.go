package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/database/repositories"
	"github.com/mhrivnak/vmorch/pkg/hypervisor"
)

// DiskOptions bounds disk sizes and supplies the default format
type DiskOptions struct {
	MinSizeGB     int
	MaxSizeGB     int
	DefaultFormat models.DiskFormat
}

// CreateDiskRequest carries the fields accepted when creating a disk
type CreateDiskRequest struct {
	Name    string `json:"name"`
	Size    string `json:"size"`
	Format  string `json:"format"`
	Dynamic bool   `json:"dynamic"`
}

// EditDiskRequest carries optional name and size changes
type EditDiskRequest struct {
	Name *string `json:"name"`
	Size *string `json:"size"`
}

// DiskRegistry owns disk records and their backing storage
type DiskRegistry struct {
	disks  *repositories.DiskRepository
	driver hypervisor.Driver
	locks  *EntityLocks
	opts   DiskOptions
	logger *slog.Logger
}

func NewDiskRegistry(db *gorm.DB, driver hypervisor.Driver, locks *EntityLocks, opts DiskOptions, logger *slog.Logger) *DiskRegistry {
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = models.DiskFormatQCOW2
	}
	return &DiskRegistry{
		disks:  repositories.NewDiskRepository(db),
		driver: driver,
		locks:  locks,
		opts:   opts,
		logger: logger,
	}
}

// CreateDisk validates the request, allocates backing storage and persists the disk
func (r *DiskRegistry) CreateDisk(ctx context.Context, req CreateDiskRequest) (*models.Disk, error) {
	start := time.Now()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationError("disk name is required")
	}

	size, sizeBytes, err := r.validateSize(req.Size)
	if err != nil {
		return nil, err
	}

	format := models.DiskFormat(strings.ToLower(strings.TrimSpace(req.Format)))
	if format == "" {
		format = r.opts.DefaultFormat
	}
	if !format.Valid() {
		return nil, validationError("unsupported disk format %q", req.Format)
	}

	disk := &models.Disk{
		ID:        uuid.New().String(),
		Name:      name,
		Size:      size,
		SizeBytes: sizeBytes,
		Format:    format,
		Dynamic:   req.Dynamic,
		InUse:     false,
	}

	path, err := r.driver.AllocateStorage(ctx, hypervisor.StorageSpec{
		ID:        disk.ID,
		Name:      disk.Name,
		Format:    disk.Format,
		SizeBytes: disk.SizeBytes,
		Dynamic:   disk.Dynamic,
	})
	if err != nil {
		r.logger.Error("Failed to allocate disk storage", "diskID", disk.ID, "error", err)
		recordDiskOperation("create", "storage_error", time.Since(start))
		return nil, storageAllocationError(err, "failed to allocate storage for disk %s", disk.Name)
	}
	disk.Path = path

	if err := r.disks.Create(ctx, disk); err != nil {
		r.logger.Error("Failed to persist disk, releasing storage", "diskID", disk.ID, "path", path, "error", err)
		if releaseErr := r.driver.ReleaseStorage(context.WithoutCancel(ctx), path); releaseErr != nil {
			r.logger.Error("Failed to release orphaned storage", "path", path, "error", releaseErr)
		}
		recordDiskOperation("create", "error", time.Since(start))
		return nil, internalError(err, "failed to save disk %s", disk.Name)
	}

	r.logger.Info("Disk created", "diskID", disk.ID, "name", disk.Name, "size", disk.Size, "format", disk.Format, "path", disk.Path)
	recordDiskOperation("create", "success", time.Since(start))
	return disk, nil
}

// GetDisk returns a single disk
func (r *DiskRegistry) GetDisk(ctx context.Context, id string) (*models.Disk, error) {
	disk, err := r.disks.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "disk", id)
	}
	return disk, nil
}

// ListDisks returns a snapshot of all disks
func (r *DiskRegistry) ListDisks(ctx context.Context, sortOrder string) ([]models.Disk, error) {
	disks, err := r.disks.List(ctx, sortOrder)
	if err != nil {
		return nil, internalError(err, "failed to list disks")
	}
	if disks == nil {
		disks = []models.Disk{}
	}
	return disks, nil
}

// EditDisk renames and/or resizes a disk. Resizing is refused while the disk is attached.
func (r *DiskRegistry) EditDisk(ctx context.Context, id string, req EditDiskRequest) (*models.Disk, error) {
	start := time.Now()

	unlock := r.locks.Disk(id)
	defer unlock()

	disk, err := r.disks.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "disk", id)
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, validationError("disk name cannot be empty")
		}
		disk.Name = name
	}

	var oldBytes uint64
	resized := false
	if req.Size != nil {
		size, sizeBytes, err := r.validateSize(*req.Size)
		if err != nil {
			return nil, err
		}
		if sizeBytes != disk.SizeBytes {
			if disk.InUse {
				return nil, conflictError("disk %s is attached to a VM and cannot be resized", id)
			}
			if err := r.driver.ResizeStorage(ctx, disk.Path, disk.Format, sizeBytes); err != nil {
				r.logger.Error("Failed to resize disk storage", "diskID", id, "error", err)
				recordDiskOperation("resize", "storage_error", time.Since(start))
				return nil, storageAllocationError(err, "failed to resize disk %s", id)
			}
			oldBytes = disk.SizeBytes
			resized = true
		}
		disk.Size = size
		disk.SizeBytes = sizeBytes
	}

	if err := r.disks.Update(ctx, disk); err != nil {
		if resized {
			if rbErr := r.driver.ResizeStorage(context.WithoutCancel(ctx), disk.Path, disk.Format, oldBytes); rbErr != nil {
				r.logger.Error("Failed to restore disk size after save error", "diskID", id, "error", rbErr)
			}
		}
		recordDiskOperation("edit", "error", time.Since(start))
		return nil, internalError(err, "failed to save disk %s", id)
	}

	r.logger.Info("Disk updated", "diskID", id, "name", disk.Name, "size", disk.Size, "resized", resized)
	recordDiskOperation("edit", "success", time.Since(start))
	return disk, nil
}

// DeleteDisk removes a free disk and its backing storage
func (r *DiskRegistry) DeleteDisk(ctx context.Context, id string) error {
	start := time.Now()

	unlock := r.locks.Disk(id)
	defer unlock()

	disk, err := r.disks.GetByID(ctx, id)
	if err != nil {
		return lookupError(err, "disk", id)
	}

	if disk.InUse {
		return conflictError("disk %s is in use by a VM", id)
	}

	if err := r.driver.ReleaseStorage(ctx, disk.Path); err != nil {
		r.logger.Error("Failed to release disk storage", "diskID", id, "path", disk.Path, "error", err)
		recordDiskOperation("delete", "storage_error", time.Since(start))
		return storageAllocationError(err, "failed to remove storage for disk %s", id)
	}

	if err := r.disks.Delete(ctx, id); err != nil {
		recordDiskOperation("delete", "error", time.Since(start))
		return lookupError(err, "disk", id)
	}

	r.logger.Info("Disk deleted", "diskID", id, "path", disk.Path)
	recordDiskOperation("delete", "success", time.Since(start))
	return nil
}

// markInUse flips the in_use flag inside the caller's transaction. The caller must hold the disk lock.
func (r *DiskRegistry) markInUse(ctx context.Context, tx *gorm.DB, id string, inUse bool) error {
	if err := r.disks.WithTx(tx).SetInUse(ctx, id, inUse); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("disk %s not found", id)
		}
		return internalError(err, "failed to update disk %s", id)
	}
	return nil
}

// loadForAttach fetches a disk inside tx and checks that it is free
func (r *DiskRegistry) loadForAttach(ctx context.Context, tx *gorm.DB, id string) (*models.Disk, error) {
	disk, err := r.disks.WithTx(tx).GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "disk", id)
	}
	if disk.InUse {
		return nil, conflictError("disk %s is already in use", id)
	}
	return disk, nil
}

func (r *DiskRegistry) validateSize(size string) (string, uint64, error) {
	sizeBytes, err := models.ParseSize(size)
	if err != nil {
		return "", 0, validationError("%v", err)
	}

	minBytes := uint64(r.opts.MinSizeGB) * models.GiB
	maxBytes := uint64(r.opts.MaxSizeGB) * models.GiB
	if sizeBytes < minBytes || (maxBytes > 0 && sizeBytes > maxBytes) {
		return "", 0, validationError("disk size %s must be between %dG and %dG", size, r.opts.MinSizeGB, r.opts.MaxSizeGB)
	}

	return models.NormalizeSize(size), sizeBytes, nil
}
