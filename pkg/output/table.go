package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// TableFormatter formats resources as human-readable tables
type TableFormatter struct {
	NoHeaders bool
}

func (f *TableFormatter) FormatDisks(disks []models.Disk) (string, error) {
	if len(disks) == 0 {
		return "No disks found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSIZE\tFORMAT\tALLOCATION\tIN USE\tAGE")
	}

	for _, d := range disks {
		allocation := "fixed"
		if d.Dynamic {
			allocation = "dynamic"
		}
		inUse := "no"
		if d.InUse {
			inUse = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Size, d.Format, allocation, inUse, age(d.CreatedAt))
	}

	_ = w.Flush()
	return buf.String(), nil
}

func (f *TableFormatter) FormatVMs(vms []models.VM) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIP\tVCPUs\tMEMORY\tDISK\tAGE")
	}

	for _, vm := range vms {
		ip := "-"
		if vm.IPAddress != nil {
			ip = *vm.IPAddress
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d MiB\t%s\t%s\n",
			vm.ID, vm.Name, vm.Status, ip, vm.CPUCores, vm.MemorySize, vm.DiskID, age(vm.CreatedAt))
	}

	_ = w.Flush()
	return buf.String(), nil
}

func age(created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	return formatAge(time.Since(created))
}

// formatAge formats a duration as "5s", "2m", "3h", "4d" or "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}
	days := hours / 24
	if days < 365 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dy", days/365)
}
