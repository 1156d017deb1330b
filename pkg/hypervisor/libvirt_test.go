package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// mockLibvirtClient is an in-memory stand-in for *libvirt.Libvirt
type mockLibvirtClient struct {
	mu sync.Mutex

	pools   map[string]bool
	volumes map[string]uint64 // path -> capacity
	domains map[string]int32  // name -> state

	definedXML []string
	createErr  error
	// ignoreShutdown leaves domains running after DomainShutdown
	ignoreShutdown bool

	destroyCalls  int
	shutdownCalls int
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:   map[string]bool{"vmorch-disks": true},
		volumes: make(map[string]uint64),
		domains: make(map[string]int32),
	}
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if !m.pools[name] {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := extractTagValue(xml, "name")
	path := "/pools/" + pool.Name + "/" + name
	if _, exists := m.volumes[path]; exists {
		return libvirt.StorageVol{}, fmt.Errorf("volume exists: %s", name)
	}
	var capacity uint64
	_, _ = fmt.Sscanf(extractTagValue(xml, "capacity"), "%d", &capacity)
	m.volumes[path] = capacity
	return libvirt.StorageVol{Pool: pool.Name, Name: name, Key: path}, nil
}

func (m *mockLibvirtClient) StorageVolLookupByPath(path string) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[path]; !ok {
		return libvirt.StorageVol{}, fmt.Errorf("volume not found: %s", path)
	}
	return libvirt.StorageVol{Key: path}, nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return vol.Key, nil
}

func (m *mockLibvirtClient) StorageVolResize(vol libvirt.StorageVol, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[vol.Key] = capacity
	return nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volumes, vol.Key)
	return nil
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, fmt.Errorf("domain not found: %s", name)
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := extractTagValue(xml, "name")
	m.definedXML = append(m.definedXML, xml)
	m.domains[name] = domainStateShutoff
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.domains[dom.Name] = domainStateRunning
	return nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.domains[dom.Name]
	if !ok {
		return 0, 0, fmt.Errorf("domain not found: %s", dom.Name)
	}
	return state, 0, nil
}

func (m *mockLibvirtClient) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	if !m.ignoreShutdown {
		m.domains[dom.Name] = domainStateShutoff
	}
	return nil
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls++
	m.domains[dom.Name] = domainStateShutoff
	return nil
}

func (m *mockLibvirtClient) DomainUndefine(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockLibvirtClient) Disconnect() error {
	return nil
}

// extractTagValue returns the text of the first <tag>...</tag> in xml
func extractTagValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag)
	if start == -1 {
		return ""
	}
	open := strings.Index(xml[start:], ">")
	if open == -1 {
		return ""
	}
	valueStart := start + open + 1
	end := strings.Index(xml[valueStart:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[valueStart : valueStart+end]
}

func newTestLibvirtDriver(client *mockLibvirtClient) *LibvirtDriver {
	return NewLibvirtDriver(client, LibvirtOptions{
		StoragePool: "vmorch-disks",
		Network:     "default",
		EnableKVM:   true,
		StopTimeout: 50 * time.Millisecond,
	}, slog.Default())
}

func TestLibvirtDriver_StorageLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newMockLibvirtClient()
	d := newTestLibvirtDriver(client)

	path, err := d.AllocateStorage(ctx, StorageSpec{ID: "disk-1", Format: models.DiskFormatQCOW2, SizeBytes: 10 * models.GiB, Dynamic: true})
	require.NoError(t, err)
	assert.Equal(t, "/pools/vmorch-disks/disk-1.qcow2", path)
	assert.Equal(t, 10*models.GiB, client.volumes[path])

	require.NoError(t, d.ResizeStorage(ctx, path, models.DiskFormatQCOW2, 5*models.GiB))
	assert.Equal(t, 5*models.GiB, client.volumes[path])

	require.NoError(t, d.ReleaseStorage(ctx, path))
	assert.NotContains(t, client.volumes, path)

	// already gone
	require.NoError(t, d.ReleaseStorage(ctx, path))
}

func TestLibvirtDriver_AllocateMissingPool(t *testing.T) {
	client := newMockLibvirtClient()
	client.pools = map[string]bool{}
	d := newTestLibvirtDriver(client)

	_, err := d.AllocateStorage(context.Background(), StorageSpec{ID: "disk-1", Format: models.DiskFormatRaw, SizeBytes: models.GiB})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool vmorch-disks not found")
}

func TestGenerateVolumeXML(t *testing.T) {
	dynamic, err := generateVolumeXML(StorageSpec{ID: "d1", Format: models.DiskFormatQCOW2, SizeBytes: models.GiB, Dynamic: true})
	require.NoError(t, err)
	assert.Contains(t, dynamic, "<name>d1.qcow2</name>")
	assert.Contains(t, dynamic, `<allocation unit="B">0</allocation>`)
	assert.Contains(t, dynamic, `<format type="qcow2">`)

	fixed, err := generateVolumeXML(StorageSpec{ID: "d2", Format: models.DiskFormatRaw, SizeBytes: models.GiB})
	require.NoError(t, err)
	assert.Contains(t, fixed, `<allocation unit="B">1073741824</allocation>`)
}

func TestLibvirtDriver_BootAndShutdown(t *testing.T) {
	ctx := context.Background()
	client := newMockLibvirtClient()
	d := newTestLibvirtDriver(client)

	_, err := d.Boot(ctx, BootSpec{
		VMID:       "vm-1",
		Name:       "web",
		DiskPath:   "/pools/vmorch-disks/disk-1.qcow2",
		DiskFormat: models.DiskFormatQCOW2,
		CPUCores:   2,
		MemoryMB:   1024,
		IPAddress:  "192.168.122.10",
	})
	require.NoError(t, err)

	require.Len(t, client.definedXML, 1)
	xml := client.definedXML[0]
	assert.Contains(t, xml, `<domain type="kvm">`)
	assert.Contains(t, xml, "<name>vmorch-vm-1</name>")
	assert.Contains(t, xml, `<memory unit="MiB">1024</memory>`)
	assert.Contains(t, xml, `<source file="/pools/vmorch-disks/disk-1.qcow2">`)
	assert.Contains(t, xml, `<mac address="be:ef:c0:a8:7a:0a">`)
	assert.Contains(t, xml, `<source network="default">`)

	running, err := d.IsRunning(ctx, "vm-1")
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, d.Shutdown(ctx, "vm-1"))
	assert.Equal(t, 1, client.shutdownCalls)
	assert.Equal(t, 0, client.destroyCalls)

	running, err = d.IsRunning(ctx, "vm-1")
	require.NoError(t, err)
	assert.False(t, running)

	assert.ErrorIs(t, d.Shutdown(ctx, "vm-1"), ErrNotRunning)
}

func TestLibvirtDriver_ShutdownForcesDestroyAfterTimeout(t *testing.T) {
	ctx := context.Background()
	client := newMockLibvirtClient()
	client.ignoreShutdown = true
	d := newTestLibvirtDriver(client)

	_, err := d.Boot(ctx, BootSpec{VMID: "vm-1", DiskPath: "/p/d.qcow2", DiskFormat: models.DiskFormatQCOW2, CPUCores: 1, MemoryMB: 512})
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(ctx, "vm-1"))
	assert.Equal(t, 1, client.destroyCalls)
	assert.NotContains(t, client.domains, "vmorch-vm-1")
}

func TestLibvirtDriver_BootCreateFailureUndefines(t *testing.T) {
	client := newMockLibvirtClient()
	client.createErr = fmt.Errorf("insufficient memory")
	d := newTestLibvirtDriver(client)

	_, err := d.Boot(context.Background(), BootSpec{VMID: "vm-1", DiskPath: "/p/d.qcow2", DiskFormat: models.DiskFormatQCOW2, CPUCores: 1, MemoryMB: 512})
	require.Error(t, err)
	assert.NotContains(t, client.domains, "vmorch-vm-1")
}

func TestMacFromIP(t *testing.T) {
	mac, err := macFromIP("10.55.22.22")
	require.NoError(t, err)
	assert.Equal(t, "be:ef:0a:37:16:16", mac)

	_, err = macFromIP("fe80::1")
	assert.Error(t, err)

	_, err = macFromIP("bogus")
	assert.Error(t, err)
}
