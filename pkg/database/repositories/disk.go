package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/database/sorting"
)

type DiskRepository struct {
	db *gorm.DB
}

func NewDiskRepository(db *gorm.DB) *DiskRepository {
	return &DiskRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *DiskRepository) WithTx(tx *gorm.DB) *DiskRepository {
	return &DiskRepository{db: tx}
}

func (r *DiskRepository) Create(ctx context.Context, disk *models.Disk) error {
	return r.db.WithContext(ctx).Create(disk).Error
}

func (r *DiskRepository) GetByID(ctx context.Context, id string) (*models.Disk, error) {
	var disk models.Disk
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&disk).Error
	if err != nil {
		return nil, err
	}
	return &disk, nil
}

// List returns all disks ordered by the sanitized sort expression
func (r *DiskRepository) List(ctx context.Context, sortOrder string) ([]models.Disk, error) {
	var disks []models.Disk
	order := sorting.SanitizeSortOrder(sortOrder, sorting.DiskSortColumns, "created_at ASC")
	err := r.db.WithContext(ctx).Order(order).Find(&disks).Error
	return disks, err
}

func (r *DiskRepository) Update(ctx context.Context, disk *models.Disk) error {
	return r.db.WithContext(ctx).Save(disk).Error
}

// SetInUse flips the in_use flag of a single disk. Returns gorm.ErrRecordNotFound
// when no row matched.
func (r *DiskRepository) SetInUse(ctx context.Context, id string, inUse bool) error {
	result := r.db.WithContext(ctx).Model(&models.Disk{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"in_use":     inUse,
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

func (r *DiskRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Disk{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
