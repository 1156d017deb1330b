package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/hypervisor"
)

type testEnv struct {
	db     *gorm.DB
	driver *hypervisor.SimulatedDriver
	locks  *EntityLocks
	pool   *AddressPool
	disks  *DiskRegistry
	vms    *VMService
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Disk{}, &models.VM{}))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	driver := hypervisor.NewSimulatedDriver("/var/lib/vmorch/disks")
	locks := NewEntityLocks()
	pool, err := NewAddressPool("192.168.122.0/24")
	require.NoError(t, err)

	disks := NewDiskRegistry(db, driver, locks, DiskOptions{
		MinSizeGB:     1,
		MaxSizeGB:     1000,
		DefaultFormat: models.DiskFormatQCOW2,
	}, log)
	vms := NewVMService(db, disks, driver, locks, pool, VMOptions{OperationTimeout: 5 * time.Second}, log)

	return &testEnv{db: db, driver: driver, locks: locks, pool: pool, disks: disks, vms: vms}
}

func (e *testEnv) createDisk(t *testing.T, name string) *models.Disk {
	t.Helper()
	disk, err := e.disks.CreateDisk(context.Background(), CreateDiskRequest{Name: name, Size: "10G", Dynamic: true})
	require.NoError(t, err)
	return disk
}

func (e *testEnv) createVM(t *testing.T, name, diskID string) *models.VM {
	t.Helper()
	vm, err := e.vms.Create(context.Background(), CreateVMRequest{Name: name, CPUCores: 2, MemorySize: 2048, DiskID: diskID})
	require.NoError(t, err)
	return vm
}

func (e *testEnv) reloadDisk(t *testing.T, id string) *models.Disk {
	t.Helper()
	var disk models.Disk
	require.NoError(t, e.db.First(&disk, "id = ?", id).Error)
	return &disk
}

func (e *testEnv) reloadVM(t *testing.T, id string) *models.VM {
	t.Helper()
	var vm models.VM
	require.NoError(t, e.db.First(&vm, "id = ?", id).Error)
	return &vm
}

// requireInUseConsistent checks that a disk is flagged in use exactly when a VM references it
func (e *testEnv) requireInUseConsistent(t *testing.T) {
	t.Helper()

	var disks []models.Disk
	require.NoError(t, e.db.Find(&disks).Error)
	for _, d := range disks {
		var refs int64
		require.NoError(t, e.db.Model(&models.VM{}).Where("disk_id = ?", d.ID).Count(&refs).Error)
		require.LessOrEqual(t, refs, int64(1), "disk %s referenced by more than one vm", d.ID)
		require.Equal(t, refs == 1, d.InUse, "disk %s in_use flag out of sync", d.ID)
	}
}
