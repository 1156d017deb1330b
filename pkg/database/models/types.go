package models

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DiskFormat represents the on-disk image format of a virtual disk
type DiskFormat string

const (
	DiskFormatQCOW2 DiskFormat = "qcow2"
	DiskFormatRaw   DiskFormat = "raw"
	DiskFormatVMDK  DiskFormat = "vmdk"
	DiskFormatVHDX  DiskFormat = "vhdx"
	DiskFormatVDI   DiskFormat = "vdi"
)

// Valid checks if the disk format is one of the supported formats
func (f DiskFormat) Valid() bool {
	switch f {
	case DiskFormatQCOW2, DiskFormatRaw, DiskFormatVMDK, DiskFormatVHDX, DiskFormatVDI:
		return true
	default:
		return false
	}
}

// String returns the string representation
func (f DiskFormat) String() string {
	return string(f)
}

// VMStatus represents the lifecycle state of a VM
type VMStatus string

const (
	VMStatusStopped  VMStatus = "stopped"
	VMStatusStarting VMStatus = "starting"
	VMStatusRunning  VMStatus = "running"
	VMStatusStopping VMStatus = "stopping"
)

// Valid checks if the status is a known lifecycle state
func (s VMStatus) Valid() bool {
	switch s {
	case VMStatusStopped, VMStatusStarting, VMStatusRunning, VMStatusStopping:
		return true
	default:
		return false
	}
}

// Transient reports whether the status is an in-flight transition
func (s VMStatus) Transient() bool {
	return s == VMStatusStarting || s == VMStatusStopping
}

// String returns the string representation
func (s VMStatus) String() string {
	return string(s)
}

const (
	KiB uint64 = 1 << 10
	MiB uint64 = 1 << 20
	GiB uint64 = 1 << 30
	TiB uint64 = 1 << 40
)

// sizeRegex matches sizes such as "10G", "512M", "1.5T", "20GiB" or "20 GB".
var sizeRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMGT])(?:I?B)?$`)

// ParseSize converts a size string with a unit suffix into bytes.
// Units are binary multiples; a bare number without a unit is rejected.
func ParseSize(size string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(size))
	if s == "" {
		return 0, fmt.Errorf("size is required")
	}

	m := sizeRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q: expected a number followed by K, M, G or T", size)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", size, err)
	}

	var unit uint64
	switch m[2] {
	case "K":
		unit = KiB
	case "M":
		unit = MiB
	case "G":
		unit = GiB
	case "T":
		unit = TiB
	}

	bytes := value * float64(unit)
	if bytes <= 0 {
		return 0, fmt.Errorf("invalid size %q: must be positive", size)
	}
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", size)
	}

	return uint64(bytes), nil
}

// NormalizeSize returns the canonical representation of a size string ("10g " -> "10G").
func NormalizeSize(size string) string {
	s := strings.ToUpper(strings.TrimSpace(size))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")
	return s
}
