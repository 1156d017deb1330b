package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Disk struct {
	ID        string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name      string     `gorm:"not null" json:"name"`
	Size      string     `gorm:"not null" json:"size"`
	SizeBytes uint64     `gorm:"not null" json:"size_bytes"`
	Format    DiskFormat `gorm:"type:varchar(16);not null" json:"format"`
	Dynamic   bool       `gorm:"not null" json:"dynamic"`
	InUse     bool       `gorm:"not null;default:false;index" json:"in_use"`
	Path      string     `json:"path"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (d *Disk) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// SizeGB returns the disk size in GB.
func (d *Disk) SizeGB() float64 {
	return float64(d.SizeBytes) / float64(GiB)
}
