// Package output renders disks and VMs for the vm-admin CLI as tables, JSON or YAML.
package output

import (
	"fmt"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// Format represents an output format type
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// Formatter formats disks and VMs for output
type Formatter interface {
	FormatDisks(disks []models.Disk) (string, error)
	FormatVMs(vms []models.VM) (string, error)
}

// Options contains options for formatting output
type Options struct {
	Format    Format
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}
