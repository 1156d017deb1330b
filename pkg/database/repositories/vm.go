package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/database/sorting"
)

type VMRepository struct {
	db *gorm.DB
}

func NewVMRepository(db *gorm.DB) *VMRepository {
	return &VMRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *VMRepository) WithTx(tx *gorm.DB) *VMRepository {
	return &VMRepository{db: tx}
}

func (r *VMRepository) Create(ctx context.Context, vm *models.VM) error {
	return r.db.WithContext(ctx).Create(vm).Error
}

func (r *VMRepository) GetByID(ctx context.Context, id string) (*models.VM, error) {
	var vm models.VM
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&vm).Error
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// GetByDiskID returns the VM that owns the given disk
func (r *VMRepository) GetByDiskID(ctx context.Context, diskID string) (*models.VM, error) {
	var vm models.VM
	err := r.db.WithContext(ctx).Where("disk_id = ?", diskID).First(&vm).Error
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (r *VMRepository) GetWithDisk(ctx context.Context, id string) (*models.VM, error) {
	var vm models.VM
	err := r.db.WithContext(ctx).Preload("Disk").Where("id = ?", id).First(&vm).Error
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// List returns all VMs ordered by the sanitized sort expression
func (r *VMRepository) List(ctx context.Context, sortOrder string) ([]models.VM, error) {
	var vms []models.VM
	order := sorting.SanitizeSortOrder(sortOrder, sorting.VMSortColumns, "created_at ASC")
	err := r.db.WithContext(ctx).Order(order).Find(&vms).Error
	return vms, err
}

func (r *VMRepository) ListByStatus(ctx context.Context, statuses ...models.VMStatus) ([]models.VM, error) {
	var vms []models.VM
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Find(&vms).Error
	return vms, err
}

// ListWithIPAddress returns the VMs that currently have a guest address recorded
func (r *VMRepository) ListWithIPAddress(ctx context.Context) ([]models.VM, error) {
	var vms []models.VM
	err := r.db.WithContext(ctx).Where("ip_address IS NOT NULL").Find(&vms).Error
	return vms, err
}

func (r *VMRepository) Update(ctx context.Context, vm *models.VM) error {
	return r.db.WithContext(ctx).Save(vm).Error
}

// UpdateStatus sets the status and IP address of a VM in one statement.
// Returns gorm.ErrRecordNotFound when no row matched.
func (r *VMRepository) UpdateStatus(ctx context.Context, id string, status models.VMStatus, ip *string) error {
	result := r.db.WithContext(ctx).Model(&models.VM{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"ip_address": ip,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *VMRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.VM{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountByDiskID returns how many VMs reference the disk
func (r *VMRepository) CountByDiskID(ctx context.Context, diskID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.VM{}).Where("disk_id = ?", diskID).Count(&count).Error
	return count, err
}
