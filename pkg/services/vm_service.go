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

// maxLockAttempts bounds how often a VM is re-read when its disk changes while locks are acquired
const maxLockAttempts = 5

// CreateVMRequest carries the fields accepted when creating a VM
type CreateVMRequest struct {
	Name       string `json:"name"`
	CPUCores   int    `json:"cpu_cores"`
	MemorySize int    `json:"memory_size"`
	DiskID     string `json:"disk_id"`
}

// UpdateVMRequest carries optional VM changes
type UpdateVMRequest struct {
	Name       *string `json:"name"`
	CPUCores   *int    `json:"cpu_cores"`
	MemorySize *int    `json:"memory_size"`
	DiskID     *string `json:"disk_id"`
}

// VMOptions tunes the state machine
type VMOptions struct {
	// OperationTimeout bounds each hypervisor boot or shutdown call
	OperationTimeout time.Duration
}

// Correction describes a status fix applied by ReconcileVM
type Correction struct {
	VMID string
	Name string
	From models.VMStatus
	To   models.VMStatus
}

// VMService is the VM state machine. It owns VM records, drives start/stop through the
// hypervisor driver and keeps disk attachment consistent with the disk registry.
type VMService struct {
	db        *gorm.DB
	vms       *repositories.VMRepository
	disks     *DiskRegistry
	driver    hypervisor.Driver
	locks     *EntityLocks
	pool      *AddressPool
	opTimeout time.Duration
	logger    *slog.Logger
}

func NewVMService(db *gorm.DB, disks *DiskRegistry, driver hypervisor.Driver, locks *EntityLocks, pool *AddressPool, opts VMOptions, logger *slog.Logger) *VMService {
	return &VMService{
		db:        db,
		vms:       repositories.NewVMRepository(db),
		disks:     disks,
		driver:    driver,
		locks:     locks,
		pool:      pool,
		opTimeout: opts.OperationTimeout,
		logger:    logger,
	}
}

// RestoreAddresses reserves the guest addresses already recorded in the database
func (s *VMService) RestoreAddresses(ctx context.Context) error {
	vms, err := s.vms.ListWithIPAddress(ctx)
	if err != nil {
		return internalError(err, "failed to load assigned addresses")
	}
	for _, vm := range vms {
		s.pool.Reserve(vm.ID, *vm.IPAddress)
	}
	setAddressesAssigned(s.pool.InUse())
	return nil
}

// Create persists a stopped VM and attaches its disk in one transaction
func (s *VMService) Create(ctx context.Context, req CreateVMRequest) (*models.VM, error) {
	start := time.Now()

	name := strings.TrimSpace(req.Name)
	if err := validateVMFields(name, req.CPUCores, req.MemorySize); err != nil {
		return nil, err
	}
	diskID := strings.TrimSpace(req.DiskID)
	if diskID == "" {
		return nil, validationError("disk_id is required")
	}

	unlock := s.locks.Disk(diskID)
	defer unlock()

	vm := &models.VM{
		ID:         uuid.New().String(),
		Name:       name,
		CPUCores:   req.CPUCores,
		MemorySize: req.MemorySize,
		DiskID:     diskID,
		Status:     models.VMStatusStopped,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.disks.loadForAttach(ctx, tx, diskID); err != nil {
			return err
		}
		if err := s.vms.WithTx(tx).Create(ctx, vm); err != nil {
			return saveError(err, "vm", vm.Name)
		}
		return s.disks.markInUse(ctx, tx, diskID, true)
	})
	if err != nil {
		recordVMOperation("create", resultLabel(err), time.Since(start))
		return nil, err
	}

	s.logger.Info("VM created", "vmID", vm.ID, "name", vm.Name, "diskID", diskID)
	recordVMOperation("create", "success", time.Since(start))
	return vm, nil
}

// Get returns a single VM
func (s *VMService) Get(ctx context.Context, id string) (*models.VM, error) {
	vm, err := s.vms.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "vm", id)
	}
	return vm, nil
}

// List returns a snapshot of all VMs, transient states included
func (s *VMService) List(ctx context.Context, sortOrder string) ([]models.VM, error) {
	vms, err := s.vms.List(ctx, sortOrder)
	if err != nil {
		return nil, internalError(err, "failed to list vms")
	}
	if vms == nil {
		vms = []models.VM{}
	}
	return vms, nil
}

// ListByStatus returns the VMs currently recorded in one of the given states
func (s *VMService) ListByStatus(ctx context.Context, statuses ...models.VMStatus) ([]models.VM, error) {
	vms, err := s.vms.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, internalError(err, "failed to list vms")
	}
	return vms, nil
}

// Start boots a stopped VM. The VM is recorded as starting while the hypervisor works,
// so concurrent callers see the in-flight state instead of a stale stopped.
func (s *VMService) Start(ctx context.Context, id string) (*models.VM, error) {
	start := time.Now()

	unlock := s.locks.VM(id)
	vm, err := s.vms.GetWithDisk(ctx, id)
	if err != nil {
		unlock()
		return nil, lookupError(err, "vm", id)
	}

	switch vm.Status {
	case models.VMStatusRunning:
		unlock()
		recordVMOperation("start", "noop", time.Since(start))
		return vm, nil
	case models.VMStatusStarting, models.VMStatusStopping:
		unlock()
		recordVMOperation("start", string(KindInvalidState), time.Since(start))
		return nil, invalidStateError("vm %s is %s", id, vm.Status)
	}

	if vm.Disk == nil {
		unlock()
		return nil, internalError(nil, "disk %s of vm %s is missing", vm.DiskID, id)
	}

	ip, err := s.pool.Allocate(id)
	if err != nil {
		unlock()
		recordVMOperation("start", string(KindProvisioning), time.Since(start))
		return nil, provisioningError(err, "no guest address available for vm %s", id)
	}

	if err := s.vms.UpdateStatus(ctx, id, models.VMStatusStarting, nil); err != nil {
		s.pool.Release(ip)
		unlock()
		return nil, lookupError(err, "vm", id)
	}
	unlock()

	s.logger.Info("Starting VM", "vmID", id, "name", vm.Name, "driver", s.driver.Name())

	opCtx, cancel := s.operationContext(ctx)
	reported, bootErr := s.driver.Boot(opCtx, hypervisor.BootSpec{
		VMID:       vm.ID,
		Name:       vm.Name,
		DiskPath:   vm.Disk.Path,
		DiskFormat: vm.Disk.Format,
		CPUCores:   vm.CPUCores,
		MemoryMB:   vm.MemorySize,
		IPAddress:  ip,
	})
	cancel()

	// the outcome is recorded even if the caller went away
	persistCtx := context.WithoutCancel(ctx)

	unlock = s.locks.VM(id)
	defer unlock()

	if bootErr != nil {
		s.pool.Release(ip)
		if err := s.vms.UpdateStatus(persistCtx, id, models.VMStatusStopped, nil); err != nil {
			s.logger.Error("Failed to revert VM status after boot failure", "vmID", id, "error", err)
		}
		s.logger.Error("Failed to start VM", "vmID", id, "error", bootErr)
		recordVMOperation("start", string(KindProvisioning), time.Since(start))
		return nil, provisioningError(bootErr, "failed to start vm %s", id)
	}

	if reported != "" && reported != ip {
		if s.pool.Reserve(id, reported) {
			s.pool.Release(ip)
			ip = reported
		} else {
			s.logger.Warn("Driver reported an address held by another VM, keeping the pool address",
				"vmID", id, "reported", reported, "ip", ip)
		}
	}

	if err := s.vms.UpdateStatus(persistCtx, id, models.VMStatusRunning, &ip); err != nil {
		s.logger.Error("Failed to record running VM, shutting it down", "vmID", id, "error", err)
		shutdownCtx, cancel := s.operationContext(persistCtx)
		if shutdownErr := s.driver.Shutdown(shutdownCtx, id); shutdownErr != nil && !errors.Is(shutdownErr, hypervisor.ErrNotRunning) {
			s.logger.Error("Failed to shut down unrecorded VM", "vmID", id, "error", shutdownErr)
		}
		cancel()
		s.pool.Release(ip)
		if err := s.vms.UpdateStatus(persistCtx, id, models.VMStatusStopped, nil); err != nil {
			s.logger.Error("Failed to revert VM status after shutting down unrecorded VM", "vmID", id, "error", err)
		}
		recordVMOperation("start", string(KindInternal), time.Since(start))
		return nil, internalError(err, "failed to record running state of vm %s", id)
	}
	setAddressesAssigned(s.pool.InUse())

	s.logger.Info("VM started", "vmID", id, "ip", ip, "duration", time.Since(start).String())
	recordVMOperation("start", "success", time.Since(start))
	return s.Get(persistCtx, id)
}

// Stop shuts a running VM down and clears its address. A driver failure leaves it running.
func (s *VMService) Stop(ctx context.Context, id string) (*models.VM, error) {
	start := time.Now()

	unlock := s.locks.VM(id)
	vm, err := s.vms.GetByID(ctx, id)
	if err != nil {
		unlock()
		return nil, lookupError(err, "vm", id)
	}

	switch vm.Status {
	case models.VMStatusStopped:
		unlock()
		recordVMOperation("stop", "noop", time.Since(start))
		return vm, nil
	case models.VMStatusStarting, models.VMStatusStopping:
		unlock()
		recordVMOperation("stop", string(KindInvalidState), time.Since(start))
		return nil, invalidStateError("vm %s is %s", id, vm.Status)
	}

	previousIP := vm.IPAddress
	if err := s.vms.UpdateStatus(ctx, id, models.VMStatusStopping, previousIP); err != nil {
		unlock()
		return nil, lookupError(err, "vm", id)
	}
	unlock()

	s.logger.Info("Stopping VM", "vmID", id, "name", vm.Name, "driver", s.driver.Name())

	opCtx, cancel := s.operationContext(ctx)
	shutdownErr := s.driver.Shutdown(opCtx, id)
	cancel()
	if errors.Is(shutdownErr, hypervisor.ErrNotRunning) {
		s.logger.Warn("VM instance was already gone", "vmID", id)
		shutdownErr = nil
	}

	persistCtx := context.WithoutCancel(ctx)

	unlock = s.locks.VM(id)
	defer unlock()

	if shutdownErr != nil {
		if err := s.vms.UpdateStatus(persistCtx, id, models.VMStatusRunning, previousIP); err != nil {
			s.logger.Error("Failed to revert VM status after shutdown failure", "vmID", id, "error", err)
		}
		s.logger.Error("Failed to stop VM", "vmID", id, "error", shutdownErr)
		recordVMOperation("stop", string(KindProvisioning), time.Since(start))
		return nil, provisioningError(shutdownErr, "failed to stop vm %s", id)
	}

	// the address stays reserved until the stop is recorded; a stuck stopping VM is
	// resolved by the reconciler, which releases it then
	if err := s.vms.UpdateStatus(persistCtx, id, models.VMStatusStopped, nil); err != nil {
		s.logger.Error("Failed to record stopped VM", "vmID", id, "error", err)
		recordVMOperation("stop", string(KindInternal), time.Since(start))
		return nil, internalError(err, "failed to record stopped state of vm %s", id)
	}

	if previousIP != nil {
		s.pool.Release(*previousIP)
		setAddressesAssigned(s.pool.InUse())
	}

	s.logger.Info("VM stopped", "vmID", id, "duration", time.Since(start).String())
	recordVMOperation("stop", "success", time.Since(start))
	return s.Get(persistCtx, id)
}

// Update edits a stopped VM. A disk change releases the old disk and claims the new one
// in the same transaction as the VM save.
func (s *VMService) Update(ctx context.Context, id string, req UpdateVMRequest) (*models.VM, error) {
	start := time.Now()

	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, validationError("vm name cannot be empty")
	}
	if req.CPUCores != nil && *req.CPUCores <= 0 {
		return nil, validationError("cpu_cores must be a positive integer")
	}
	if req.MemorySize != nil && *req.MemorySize <= 0 {
		return nil, validationError("memory_size must be a positive integer")
	}
	newDiskID := ""
	if req.DiskID != nil {
		newDiskID = strings.TrimSpace(*req.DiskID)
		if newDiskID == "" {
			return nil, validationError("disk_id cannot be empty")
		}
	}

	vm, unlock, err := s.lockWithDisks(ctx, id, newDiskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if vm.Status != models.VMStatusStopped {
		recordVMOperation("update", string(KindInvalidState), time.Since(start))
		return nil, invalidStateError("vm %s must be stopped to be edited (status %s)", id, vm.Status)
	}

	oldDiskID := vm.DiskID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newDiskID != "" && newDiskID != oldDiskID {
			if _, err := s.disks.loadForAttach(ctx, tx, newDiskID); err != nil {
				return err
			}
			if err := s.disks.markInUse(ctx, tx, oldDiskID, false); err != nil {
				return err
			}
			if err := s.disks.markInUse(ctx, tx, newDiskID, true); err != nil {
				return err
			}
			vm.DiskID = newDiskID
		}
		if req.Name != nil {
			vm.Name = strings.TrimSpace(*req.Name)
		}
		if req.CPUCores != nil {
			vm.CPUCores = *req.CPUCores
		}
		if req.MemorySize != nil {
			vm.MemorySize = *req.MemorySize
		}
		if err := s.vms.WithTx(tx).Update(ctx, vm); err != nil {
			return saveError(err, "vm", id)
		}
		return nil
	})
	if err != nil {
		recordVMOperation("update", resultLabel(err), time.Since(start))
		return nil, err
	}

	s.logger.Info("VM updated", "vmID", id, "diskID", vm.DiskID, "previousDiskID", oldDiskID)
	recordVMOperation("update", "success", time.Since(start))
	return vm, nil
}

// Delete removes a stopped VM and frees its disk
func (s *VMService) Delete(ctx context.Context, id string) error {
	start := time.Now()

	vm, unlock, err := s.lockWithDisks(ctx, id, "")
	if err != nil {
		return err
	}
	defer unlock()

	if vm.Status != models.VMStatusStopped {
		recordVMOperation("delete", string(KindInvalidState), time.Since(start))
		return invalidStateError("vm %s must be stopped to be deleted (status %s)", id, vm.Status)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.vms.WithTx(tx).Delete(ctx, id); err != nil {
			return lookupError(err, "vm", id)
		}
		return s.disks.markInUse(ctx, tx, vm.DiskID, false)
	})
	if err != nil {
		recordVMOperation("delete", resultLabel(err), time.Since(start))
		return err
	}

	if vm.IPAddress != nil {
		s.pool.Release(*vm.IPAddress)
		setAddressesAssigned(s.pool.InUse())
	}

	s.logger.Info("VM deleted", "vmID", id, "releasedDiskID", vm.DiskID)
	recordVMOperation("delete", "success", time.Since(start))
	return nil
}

// ReconcileVM compares the recorded status of a VM with the hypervisor. A running VM
// whose instance is gone is marked stopped. Transient states are resolved from the
// instance's actual state on the startup pass, or once they are older than any
// in-flight operation could be.
func (s *VMService) ReconcileVM(ctx context.Context, id string, startup bool) (*Correction, error) {
	unlock := s.locks.VM(id)
	defer unlock()

	vm, err := s.vms.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "vm", id)
	}

	if vm.Status == models.VMStatusStopped {
		return nil, nil
	}
	if vm.Status.Transient() && !startup && !s.transitionStuck(vm) {
		return nil, nil
	}

	alive, err := s.driver.IsRunning(ctx, id)
	if err != nil {
		return nil, provisioningError(err, "failed to query instance of vm %s", id)
	}

	target := vm.Status
	switch {
	case vm.Status == models.VMStatusRunning && !alive:
		target = models.VMStatusStopped
	case vm.Status.Transient() && alive:
		target = models.VMStatusRunning
	case vm.Status.Transient() && !alive:
		target = models.VMStatusStopped
	}
	if target == vm.Status {
		return nil, nil
	}

	var ip *string
	if target == models.VMStatusRunning {
		addr, err := s.pool.Allocate(id)
		if err != nil {
			return nil, provisioningError(err, "no guest address available for vm %s", id)
		}
		ip = &addr
	} else if vm.IPAddress != nil {
		s.pool.Release(*vm.IPAddress)
	}

	if err := s.vms.UpdateStatus(ctx, id, target, ip); err != nil {
		return nil, lookupError(err, "vm", id)
	}
	setAddressesAssigned(s.pool.InUse())

	return &Correction{VMID: id, Name: vm.Name, From: vm.Status, To: target}, nil
}

// lockWithDisks acquires the VM's disk locks (plus extraDiskID) before the VM lock and
// returns the VM as read under those locks. The read is retried if the VM's disk
// changed between the unlocked lookup and lock acquisition.
func (s *VMService) lockWithDisks(ctx context.Context, id, extraDiskID string) (*models.VM, func(), error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		observed, err := s.vms.GetByID(ctx, id)
		if err != nil {
			return nil, nil, lookupError(err, "vm", id)
		}

		unlock := s.locks.DisksThenVM(id, observed.DiskID, extraDiskID)

		current, err := s.vms.GetByID(ctx, id)
		if err != nil {
			unlock()
			return nil, nil, lookupError(err, "vm", id)
		}
		if current.DiskID == observed.DiskID {
			return current, unlock, nil
		}
		unlock()
	}
	return nil, nil, conflictError("vm %s changed concurrently, retry the request", id)
}

// transitionStuck reports whether a starting or stopping VM has outlived every driver
// call that could still be working on it. A failed start may issue a boot and a
// shutdown, each bounded by the operation timeout.
func (s *VMService) transitionStuck(vm *models.VM) bool {
	if s.opTimeout <= 0 {
		return false
	}
	return time.Since(vm.UpdatedAt) > 3*s.opTimeout
}

func (s *VMService) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if s.opTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, s.opTimeout)
}

func validateVMFields(name string, cpuCores, memorySize int) error {
	if name == "" {
		return validationError("vm name is required")
	}
	if cpuCores <= 0 {
		return validationError("cpu_cores must be a positive integer")
	}
	if memorySize <= 0 {
		return validationError("memory_size must be a positive integer")
	}
	return nil
}

// saveError maps a failed insert or update. A unique violation on vms.disk_id means
// another VM already owns the disk.
func saveError(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return conflictError("disk is already attached to another vm")
	}
	return internalError(err, "failed to save %s %s", entity, id)
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}
