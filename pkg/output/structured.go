package output

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mhrivnak/vmorch/pkg/database/models"
)

// JSONFormatter formats resources as indented JSON
type JSONFormatter struct{}

func (f *JSONFormatter) FormatDisks(disks []models.Disk) (string, error) {
	return marshalJSON(map[string]interface{}{"disks": nonNil(disks)})
}

func (f *JSONFormatter) FormatVMs(vms []models.VM) (string, error) {
	return marshalJSON(map[string]interface{}{"vms": nonNil(vms)})
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// YAMLFormatter formats resources as YAML, reusing the JSON field names
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatDisks(disks []models.Disk) (string, error) {
	return marshalYAML(map[string]interface{}{"disks": nonNil(disks)})
}

func (f *YAMLFormatter) FormatVMs(vms []models.VM) (string, error) {
	return marshalYAML(map[string]interface{}{"vms": nonNil(vms)})
}

// marshalYAML round-trips through JSON so the YAML keys match the API field names
func marshalYAML(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to convert to YAML: %w", err)
	}

	data, err := yaml.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
