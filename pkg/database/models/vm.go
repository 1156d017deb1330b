package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type VM struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name       string    `gorm:"not null" json:"name"`
	CPUCores   int       `gorm:"not null;check:cpu_cores > 0" json:"cpu_cores"`
	MemorySize int       `gorm:"not null;check:memory_size > 0" json:"memory_size"` // MB
	DiskID     string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"disk_id"`
	Status     VMStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	IPAddress  *string   `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Relationships
	Disk *Disk `gorm:"foreignKey:DiskID;constraint:OnDelete:RESTRICT" json:"-"`
}

func (vm *VM) BeforeCreate(tx *gorm.DB) error {
	if vm.ID == "" {
		vm.ID = uuid.New().String()
	}
	if vm.Status == "" {
		vm.Status = VMStatusStopped
	}
	return nil
}
