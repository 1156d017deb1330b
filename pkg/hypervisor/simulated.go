package hypervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// SimulatedDriver keeps volumes and instances in memory. Failures and latency can be
// injected per operation.
type SimulatedDriver struct {
	mu         sync.Mutex
	storageDir string
	volumes    map[string]uint64
	instances  map[string]BootSpec
	failures   map[string]error
	reported   map[string]string
	delay      time.Duration
}

// Operation names accepted by FailNext
const (
	OpAllocate = "allocate"
	OpResize   = "resize"
	OpRelease  = "release"
	OpBoot     = "boot"
	OpShutdown = "shutdown"
)

func NewSimulatedDriver(storageDir string) *SimulatedDriver {
	return &SimulatedDriver{
		storageDir: storageDir,
		volumes:    make(map[string]uint64),
		instances:  make(map[string]BootSpec),
		failures:   make(map[string]error),
		reported:   make(map[string]string),
	}
}

func (d *SimulatedDriver) Name() string {
	return "simulated"
}

// FailNext makes the next call of op return err
func (d *SimulatedDriver) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = err
}

// SetDelay makes Boot and Shutdown block for the given duration
func (d *SimulatedDriver) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// ReportAddress makes Boot of vmID report ip instead of the address it was given,
// like a backend that learns guest addresses from DHCP
func (d *SimulatedDriver) ReportAddress(vmID, ip string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reported[vmID] = ip
}

// Kill drops an instance without going through Shutdown, as if the process crashed
func (d *SimulatedDriver) Kill(vmID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.instances, vmID)
}

// HasVolume reports whether a backing file exists at path
func (d *SimulatedDriver) HasVolume(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.volumes[path]
	return ok
}

// VolumeSize returns the capacity recorded for path
func (d *SimulatedDriver) VolumeSize(path string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[path]
}

func (d *SimulatedDriver) AllocateStorage(ctx context.Context, spec StorageSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.takeFailure(OpAllocate); err != nil {
		return "", err
	}

	path := filepath.Join(d.storageDir, fileName(spec))
	if _, exists := d.volumes[path]; exists {
		return "", fmt.Errorf("volume %s already exists", path)
	}
	d.volumes[path] = spec.SizeBytes
	return path, nil
}

func (d *SimulatedDriver) ResizeStorage(ctx context.Context, path string, format models.DiskFormat, sizeBytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.takeFailure(OpResize); err != nil {
		return err
	}

	if _, exists := d.volumes[path]; !exists {
		return fmt.Errorf("volume %s not found", path)
	}
	d.volumes[path] = sizeBytes
	return nil
}

func (d *SimulatedDriver) ReleaseStorage(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.takeFailure(OpRelease); err != nil {
		return err
	}

	delete(d.volumes, path)
	return nil
}

func (d *SimulatedDriver) Boot(ctx context.Context, spec BootSpec) (string, error) {
	if err := d.wait(ctx); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.takeFailure(OpBoot); err != nil {
		return "", err
	}

	if _, exists := d.volumes[spec.DiskPath]; !exists {
		return "", fmt.Errorf("backing disk %s not found", spec.DiskPath)
	}
	if _, running := d.instances[spec.VMID]; running {
		return "", fmt.Errorf("instance %s already running", spec.VMID)
	}

	d.instances[spec.VMID] = spec
	if ip, ok := d.reported[spec.VMID]; ok {
		return ip, nil
	}
	return spec.IPAddress, nil
}

func (d *SimulatedDriver) Shutdown(ctx context.Context, vmID string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.takeFailure(OpShutdown); err != nil {
		return err
	}

	if _, running := d.instances[vmID]; !running {
		return ErrNotRunning
	}
	delete(d.instances, vmID)
	return nil
}

func (d *SimulatedDriver) IsRunning(ctx context.Context, vmID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, running := d.instances[vmID]
	return running, nil
}

func (d *SimulatedDriver) Close() error {
	return nil
}

// takeFailure must be called with d.mu held
func (d *SimulatedDriver) takeFailure(op string) error {
	err, ok := d.failures[op]
	if !ok {
		return nil
	}
	delete(d.failures, op)
	return err
}

func (d *SimulatedDriver) wait(ctx context.Context) error {
	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()

	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
