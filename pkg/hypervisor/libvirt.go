package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// libvirt domain states
const (
	domainStateRunning = 1
	domainStateShutoff = 5
)

// LibvirtClient is the subset of *libvirt.Libvirt used by the driver
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolLookupByPath(Path string) (libvirt.StorageVol, error)
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
	StorageVolResize(Vol libvirt.StorageVol, Capacity uint64, Flags libvirt.StorageVolResizeFlags) error
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainCreate(Dom libvirt.Domain) error
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainUndefine(Dom libvirt.Domain) error
	Disconnect() error
}

// ConnectLibvirt dials the local libvirt daemon. An empty socket path means
// qemu:///system; a zero timeout means 5 seconds.
func ConnectLibvirt(ctx context.Context, socketPath string, timeout time.Duration) (LibvirtClient, error) {
	if socketPath == "" {
		socketPath = "/var/run/libvirt/libvirt-sock"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	type result struct {
		client *libvirt.Libvirt
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		dialer := dialers.NewLocal(
			dialers.WithSocket(socketPath),
			dialers.WithLocalTimeout(timeout),
		)
		l := libvirt.NewWithDialer(dialer)
		if err := l.Connect(); err != nil {
			resultCh <- result{err: fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)}
			return
		}
		resultCh <- result{client: l}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.client, nil
	}
}

// LibvirtOptions configures the libvirt backend
type LibvirtOptions struct {
	StoragePool string
	Network     string
	EnableKVM   bool
	StopTimeout time.Duration
}

// LibvirtDriver stores disks as volumes in one storage pool and runs each VM
// as a persistent domain that is undefined again on shutdown.
type LibvirtDriver struct {
	client LibvirtClient
	opts   LibvirtOptions
	logger *slog.Logger
}

func NewLibvirtDriver(client LibvirtClient, opts LibvirtOptions, logger *slog.Logger) *LibvirtDriver {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &LibvirtDriver{client: client, opts: opts, logger: logger}
}

func (d *LibvirtDriver) Name() string {
	return "libvirt"
}

func (d *LibvirtDriver) AllocateStorage(ctx context.Context, spec StorageSpec) (string, error) {
	pool, err := d.client.StoragePoolLookupByName(d.opts.StoragePool)
	if err != nil {
		return "", fmt.Errorf("pool %s not found: %w", d.opts.StoragePool, err)
	}

	volumeXML, err := generateVolumeXML(spec)
	if err != nil {
		return "", err
	}

	vol, err := d.client.StorageVolCreateXML(pool, volumeXML, 0)
	if err != nil {
		return "", fmt.Errorf("failed to create volume: %w", err)
	}

	path, err := d.client.StorageVolGetPath(vol)
	if err != nil {
		_ = d.client.StorageVolDelete(vol, 0)
		return "", fmt.Errorf("failed to get volume path: %w", err)
	}

	d.logger.Info("Created storage volume", "pool", d.opts.StoragePool, "volume", vol.Name, "path", path)
	return path, nil
}

func (d *LibvirtDriver) ResizeStorage(ctx context.Context, path string, format models.DiskFormat, sizeBytes uint64) error {
	vol, err := d.client.StorageVolLookupByPath(path)
	if err != nil {
		return fmt.Errorf("volume %s not found: %w", path, err)
	}
	if err := d.client.StorageVolResize(vol, sizeBytes, libvirt.StorageVolResizeShrink); err != nil {
		return fmt.Errorf("failed to resize volume %s: %w", path, err)
	}
	return nil
}

func (d *LibvirtDriver) ReleaseStorage(ctx context.Context, path string) error {
	vol, err := d.client.StorageVolLookupByPath(path)
	if err != nil {
		// volume already gone
		d.logger.Debug("Storage volume not found on release", "path", path, "error", err)
		return nil
	}
	if err := d.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", path, err)
	}
	return nil
}

func (d *LibvirtDriver) Boot(ctx context.Context, spec BootSpec) (string, error) {
	name := domainName(spec.VMID)

	// A leftover definition from an earlier run is replaced so cpu/memory/disk edits apply
	if existing, err := d.client.DomainLookupByName(name); err == nil {
		state, _, err := d.client.DomainGetState(existing, 0)
		if err == nil && state == domainStateRunning {
			return "", fmt.Errorf("domain %s already running", name)
		}
		if err := d.client.DomainUndefine(existing); err != nil {
			return "", fmt.Errorf("failed to undefine stale domain %s: %w", name, err)
		}
	}

	domainXML, err := d.generateDomainXML(spec)
	if err != nil {
		return "", err
	}

	dom, err := d.client.DomainDefineXML(domainXML)
	if err != nil {
		return "", fmt.Errorf("failed to define domain: %w", err)
	}

	if err := d.client.DomainCreate(dom); err != nil {
		_ = d.client.DomainUndefine(dom)
		return "", fmt.Errorf("failed to start domain: %w", err)
	}

	d.logger.Info("Started libvirt domain", "vmID", spec.VMID, "domain", name)
	return "", nil
}

func (d *LibvirtDriver) Shutdown(ctx context.Context, vmID string) error {
	name := domainName(vmID)
	dom, err := d.client.DomainLookupByName(name)
	if err != nil {
		return ErrNotRunning
	}

	state, _, err := d.client.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain state: %w", err)
	}

	if state == domainStateRunning {
		if err := d.client.DomainShutdown(dom); err != nil {
			d.logger.Warn("Graceful shutdown failed", "domain", name, "error", err)
		}
		if !d.waitForShutoff(ctx, dom) {
			d.logger.Warn("Graceful shutdown timed out, destroying domain", "domain", name)
			if err := d.client.DomainDestroy(dom); err != nil {
				return fmt.Errorf("failed to destroy domain %s: %w", name, err)
			}
		}
	}

	if err := d.client.DomainUndefine(dom); err != nil {
		return fmt.Errorf("failed to undefine domain %s: %w", name, err)
	}

	if state != domainStateRunning {
		return ErrNotRunning
	}
	return nil
}

func (d *LibvirtDriver) IsRunning(ctx context.Context, vmID string) (bool, error) {
	dom, err := d.client.DomainLookupByName(domainName(vmID))
	if err != nil {
		return false, nil
	}
	state, _, err := d.client.DomainGetState(dom, 0)
	if err != nil {
		return false, fmt.Errorf("failed to get domain state: %w", err)
	}
	return state == domainStateRunning, nil
}

func (d *LibvirtDriver) Close() error {
	if err := d.client.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

func (d *LibvirtDriver) waitForShutoff(ctx context.Context, dom libvirt.Domain) bool {
	timeout, cancel := context.WithTimeout(ctx, d.opts.StopTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout.Done():
			return false
		case <-ticker.C:
			state, _, err := d.client.DomainGetState(dom, 0)
			if err != nil {
				return false
			}
			if state == domainStateShutoff {
				return true
			}
		}
	}
}

func domainName(vmID string) string {
	return "vmorch-" + vmID
}

// macFromIP derives a locally administered MAC (be:ef prefix) from the guest address
func macFromIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}
	if !addr.Is4() {
		return "", fmt.Errorf("not an IPv4 address: %s", ip)
	}
	b := addr.As4()
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3]), nil
}

func generateVolumeXML(spec StorageSpec) (string, error) {
	allocation := spec.SizeBytes
	if spec.Dynamic {
		allocation = 0
	}

	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: fileName(spec),
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.SizeBytes,
			Unit:  "B",
		},
		Allocation: &libvirtxml.StorageVolumeSize{
			Value: allocation,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
		},
	}

	xml, err := vol.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal volume XML: %w", err)
	}
	return xml, nil
}

func (d *LibvirtDriver) generateDomainXML(spec BootSpec) (string, error) {
	domainType := "qemu"
	if d.opts.EnableKVM {
		domainType = "kvm"
	}

	domain := &libvirtxml.Domain{
		Type:  domainType,
		Name:  domainName(spec.VMID),
		Title: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.CPUCores),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: string(spec.DiskFormat),
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: spec.DiskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
					Boot: &libvirtxml.DomainDeviceBoot{
						Order: 1,
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: func() *uint { p := uint(0); return &p }(),
					},
				},
			},
		},
	}

	if d.opts.Network != "" {
		iface := libvirtxml.DomainInterface{
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{
					Network: d.opts.Network,
				},
			},
			Model: &libvirtxml.DomainInterfaceModel{
				Type: "virtio",
			},
		}
		if spec.IPAddress != "" {
			mac, err := macFromIP(spec.IPAddress)
			if err != nil {
				return "", err
			}
			iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: mac}
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, iface)
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}
