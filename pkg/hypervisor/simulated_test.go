package hypervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

func TestSimulatedDriver_StorageLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewSimulatedDriver("/var/lib/vmorch/disks")

	path, err := d.AllocateStorage(ctx, StorageSpec{ID: "disk-1", Format: models.DiskFormatQCOW2, SizeBytes: 10 * models.GiB, Dynamic: true})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vmorch/disks/disk-1.qcow2", path)
	assert.True(t, d.HasVolume(path))
	assert.Equal(t, 10*models.GiB, d.VolumeSize(path))

	require.NoError(t, d.ResizeStorage(ctx, path, models.DiskFormatQCOW2, 20*models.GiB))
	assert.Equal(t, 20*models.GiB, d.VolumeSize(path))

	require.NoError(t, d.ReleaseStorage(ctx, path))
	assert.False(t, d.HasVolume(path))

	// releasing again is not an error
	require.NoError(t, d.ReleaseStorage(ctx, path))
}

func TestSimulatedDriver_AllocateDuplicate(t *testing.T) {
	ctx := context.Background()
	d := NewSimulatedDriver("/disks")
	spec := StorageSpec{ID: "disk-1", Format: models.DiskFormatRaw, SizeBytes: models.GiB}

	_, err := d.AllocateStorage(ctx, spec)
	require.NoError(t, err)
	_, err = d.AllocateStorage(ctx, spec)
	assert.Error(t, err)
}

func TestSimulatedDriver_BootAndShutdown(t *testing.T) {
	ctx := context.Background()
	d := NewSimulatedDriver("/disks")
	path, err := d.AllocateStorage(ctx, StorageSpec{ID: "disk-1", Format: models.DiskFormatQCOW2, SizeBytes: models.GiB})
	require.NoError(t, err)

	ip, err := d.Boot(ctx, BootSpec{VMID: "vm-1", DiskPath: path, CPUCores: 1, MemoryMB: 1024, IPAddress: "192.168.122.2"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.2", ip)

	running, err := d.IsRunning(ctx, "vm-1")
	require.NoError(t, err)
	assert.True(t, running)

	_, err = d.Boot(ctx, BootSpec{VMID: "vm-1", DiskPath: path})
	assert.Error(t, err, "second boot of the same instance must fail")

	require.NoError(t, d.Shutdown(ctx, "vm-1"))
	running, _ = d.IsRunning(ctx, "vm-1")
	assert.False(t, running)

	assert.ErrorIs(t, d.Shutdown(ctx, "vm-1"), ErrNotRunning)
}

func TestSimulatedDriver_BootMissingDisk(t *testing.T) {
	d := NewSimulatedDriver("/disks")
	_, err := d.Boot(context.Background(), BootSpec{VMID: "vm-1", DiskPath: "/disks/missing.qcow2"})
	assert.Error(t, err)
}

func TestSimulatedDriver_FailNext(t *testing.T) {
	ctx := context.Background()
	d := NewSimulatedDriver("/disks")
	boom := errors.New("no space left on device")

	d.FailNext(OpAllocate, boom)
	_, err := d.AllocateStorage(ctx, StorageSpec{ID: "disk-1", Format: models.DiskFormatQCOW2, SizeBytes: models.GiB})
	assert.ErrorIs(t, err, boom)

	// failure is consumed
	_, err = d.AllocateStorage(ctx, StorageSpec{ID: "disk-1", Format: models.DiskFormatQCOW2, SizeBytes: models.GiB})
	assert.NoError(t, err)
}

func TestSimulatedDriver_Kill(t *testing.T) {
	ctx := context.Background()
	d := NewSimulatedDriver("/disks")
	path, _ := d.AllocateStorage(ctx, StorageSpec{ID: "disk-1", Format: models.DiskFormatQCOW2, SizeBytes: models.GiB})
	_, err := d.Boot(ctx, BootSpec{VMID: "vm-1", DiskPath: path})
	require.NoError(t, err)

	d.Kill("vm-1")
	running, err := d.IsRunning(ctx, "vm-1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestSimulatedDriver_DelayHonorsContext(t *testing.T) {
	d := NewSimulatedDriver("/disks")
	d.SetDelay(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Boot(ctx, BootSpec{VMID: "vm-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
