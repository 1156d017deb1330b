package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// QemuOptions configures the process based backend
type QemuOptions struct {
	ImgBinary    string
	SystemBinary string
	StorageDir   string
	RunDir       string
	ISOPath      string
	EnableKVM    bool
	StopTimeout  time.Duration
}

// CommandRunner runs a command to completion and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// QemuDriver creates disks with qemu-img and runs each VM as a daemonized
// qemu-system process whose pid is kept in RunDir.
type QemuDriver struct {
	opts   QemuOptions
	run    CommandRunner
	logger *slog.Logger
}

func NewQemuDriver(opts QemuOptions, logger *slog.Logger) (*QemuDriver, error) {
	for _, bin := range []string{opts.ImgBinary, opts.SystemBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%s not found - please install QEMU: %w", bin, err)
		}
	}
	return newQemuDriver(opts, execRunner, logger)
}

func newQemuDriver(opts QemuOptions, run CommandRunner, logger *slog.Logger) (*QemuDriver, error) {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	for _, dir := range []string{opts.StorageDir, opts.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &QemuDriver{opts: opts, run: run, logger: logger}, nil
}

func (d *QemuDriver) Name() string {
	return "qemu"
}

func (d *QemuDriver) AllocateStorage(ctx context.Context, spec StorageSpec) (string, error) {
	path := filepath.Join(d.opts.StorageDir, fileName(spec))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backing file %s already exists", path)
	}

	args := createArgs(path, spec)
	if out, err := d.run(ctx, d.opts.ImgBinary, args...); err != nil {
		// qemu-img may leave a partial file behind
		_ = os.Remove(path)
		return "", fmt.Errorf("qemu-img create failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	d.logger.Info("Allocated disk storage", "path", path, "format", spec.Format, "bytes", spec.SizeBytes, "dynamic", spec.Dynamic)
	return path, nil
}

func (d *QemuDriver) ResizeStorage(ctx context.Context, path string, format models.DiskFormat, sizeBytes uint64) error {
	args := []string{"resize", "-f", string(format), "--shrink", path, strconv.FormatUint(sizeBytes, 10)}
	if out, err := d.run(ctx, d.opts.ImgBinary, args...); err != nil {
		return fmt.Errorf("qemu-img resize failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	d.logger.Info("Resized disk storage", "path", path, "bytes", sizeBytes)
	return nil
}

func (d *QemuDriver) ReleaseStorage(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (d *QemuDriver) Boot(ctx context.Context, spec BootSpec) (string, error) {
	if running, _ := d.IsRunning(ctx, spec.VMID); running {
		return "", fmt.Errorf("instance %s already running", spec.VMID)
	}

	pidFile := d.pidFile(spec.VMID)
	_ = os.Remove(pidFile)

	args := d.bootArgs(spec, pidFile)
	d.logger.Info("Starting qemu instance", "vmID", spec.VMID, "args", strings.Join(args, " "))

	// -daemonize returns once the guest is set up, so the runner does not block on the VM
	if out, err := d.run(ctx, d.opts.SystemBinary, args...); err != nil {
		return "", fmt.Errorf("qemu-system failed to start: %w: %s", err, strings.TrimSpace(string(out)))
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return "", fmt.Errorf("failed to find qemu process: %w", err)
	}
	if !processAlive(pid) {
		return "", fmt.Errorf("qemu process %d exited during startup", pid)
	}

	d.logger.Info("Started qemu instance", "vmID", spec.VMID, "pid", pid)
	return "", nil
}

// Shutdown sends SIGTERM, then SIGKILL after StopTimeout. The pidfile is kept
// until the process is gone so a failed stop still reports the instance as running.
func (d *QemuDriver) Shutdown(ctx context.Context, vmID string) error {
	pidFile := d.pidFile(vmID)
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotRunning
		}
		return err
	}

	if !processAlive(pid) {
		_ = os.Remove(pidFile)
		return ErrNotRunning
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal qemu process %d: %w", pid, err)
	}

	if waitForExit(ctx, pid, d.opts.StopTimeout) {
		_ = os.Remove(pidFile)
		d.logger.Info("Stopped qemu instance", "vmID", vmID, "pid", pid)
		return nil
	}

	d.logger.Warn("Graceful stop timed out, killing qemu process", "vmID", vmID, "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill qemu process %d: %w", pid, err)
	}
	if !waitForExit(ctx, pid, time.Second) {
		return fmt.Errorf("qemu process %d did not exit", pid)
	}
	_ = os.Remove(pidFile)
	d.logger.Info("Killed qemu instance", "vmID", vmID, "pid", pid)
	return nil
}

func (d *QemuDriver) IsRunning(ctx context.Context, vmID string) (bool, error) {
	pid, err := readPID(d.pidFile(vmID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return processAlive(pid), nil
}

func (d *QemuDriver) Close() error {
	return nil
}

func (d *QemuDriver) pidFile(vmID string) string {
	return filepath.Join(d.opts.RunDir, vmID+".pid")
}

func (d *QemuDriver) bootArgs(spec BootSpec, pidFile string) []string {
	args := []string{
		"-name", spec.Name,
		"-m", strconv.Itoa(spec.MemoryMB),
		"-smp", strconv.Itoa(spec.CPUCores),
		"-drive", fmt.Sprintf("file=%s,format=%s,if=virtio", spec.DiskPath, spec.DiskFormat),
		"-display", "none",
		"-daemonize",
		"-pidfile", pidFile,
	}

	if d.opts.ISOPath != "" {
		if _, err := os.Stat(d.opts.ISOPath); err == nil {
			args = append(args, "-cdrom", d.opts.ISOPath, "-boot", "d")
		}
	}

	if d.opts.EnableKVM {
		args = append(args, "-enable-kvm")
	}

	return args
}

// createArgs builds the qemu-img create invocation. Fixed disks are fully
// preallocated using the option each format understands.
func createArgs(path string, spec StorageSpec) []string {
	args := []string{"create", "-f", string(spec.Format)}

	if !spec.Dynamic {
		switch spec.Format {
		case models.DiskFormatQCOW2, models.DiskFormatRaw:
			args = append(args, "-o", "preallocation=full")
		case models.DiskFormatVMDK:
			args = append(args, "-o", "subformat=monolithicFlat")
		case models.DiskFormatVHDX:
			args = append(args, "-o", "subformat=fixed")
		case models.DiskFormatVDI:
			args = append(args, "-o", "static=on")
		}
	}

	return append(args, path, strconv.FormatUint(spec.SizeBytes, 10))
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", pidFile)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
