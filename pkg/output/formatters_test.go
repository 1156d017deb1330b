package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

func sampleVMs() []models.VM {
	ip := "192.168.122.2"
	return []models.VM{
		{ID: "vm-1", Name: "web", CPUCores: 2, MemorySize: 2048, DiskID: "disk-1", Status: models.VMStatusRunning, IPAddress: &ip, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "vm-2", Name: "db", CPUCores: 4, MemorySize: 8192, DiskID: "disk-2", Status: models.VMStatusStopped},
	}
}

func TestNewFormatter(t *testing.T) {
	for _, format := range []Format{FormatTable, FormatJSON, FormatYAML} {
		f, err := NewFormatter(Options{Format: format})
		require.NoError(t, err)
		assert.NotNil(t, f)
	}

	_, err := NewFormatter(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestTableFormatter_VMs(t *testing.T) {
	f := &TableFormatter{}
	out, err := f.FormatVMs(sampleVMs())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "192.168.122.2")
	assert.Contains(t, lines[1], "2h")
	assert.Contains(t, lines[2], "stopped")
	assert.Contains(t, lines[2], " - ")
}

func TestTableFormatter_NoHeadersAndEmpty(t *testing.T) {
	f := &TableFormatter{NoHeaders: true}
	out, err := f.FormatDisks([]models.Disk{{ID: "d1", Name: "data", Size: "10G", Format: models.DiskFormatQCOW2, Dynamic: true, InUse: true}})
	require.NoError(t, err)
	assert.NotContains(t, out, "NAME")
	assert.Contains(t, out, "dynamic")
	assert.Contains(t, out, "yes")

	out, err = f.FormatDisks(nil)
	require.NoError(t, err)
	assert.Equal(t, "No disks found\n", out)
}

func TestJSONFormatter(t *testing.T) {
	out, err := (&JSONFormatter{}).FormatVMs(sampleVMs())
	require.NoError(t, err)

	var decoded struct {
		VMs []models.VM `json:"vms"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded.VMs, 2)

	out, err = (&JSONFormatter{}).FormatDisks(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"disks":[]}`, out)
}

func TestYAMLFormatter_UsesAPIFieldNames(t *testing.T) {
	out, err := (&YAMLFormatter{}).FormatVMs(sampleVMs())
	require.NoError(t, err)
	assert.Contains(t, out, "cpu_cores: 2")
	assert.Contains(t, out, "ip_address: 192.168.122.2")

	var decoded map[string][]map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded["vms"], 2)
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "30s", formatAge(30*time.Second))
	assert.Equal(t, "5m", formatAge(5*time.Minute))
	assert.Equal(t, "3h", formatAge(3*time.Hour))
	assert.Equal(t, "4d", formatAge(96*time.Hour))
	assert.Equal(t, "1y", formatAge(400*24*time.Hour))
	assert.Equal(t, "unknown", formatAge(-time.Second))
}
