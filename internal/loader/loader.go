// Package loader provides functions for loading VirtualMachineConfig
// documents from YAML files.
package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// LoadFromFile loads a VirtualMachineConfig from a YAML file. Relative
// paths in the document are resolved against the file's directory, since
// the daemon opens them from its own working directory.
func LoadFromFile(path string) (*v1.VirtualMachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	cfg, err := LoadFromYAML(data)
	if err != nil {
		return nil, err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory of %s: %w", path, err)
	}
	ResolvePaths(cfg, base)
	return cfg, nil
}

// LoadFromYAML loads a VirtualMachineConfig from YAML bytes.
// The YAML must be in the kiln.jbweber.dev/v1alpha1 format.
func LoadFromYAML(data []byte) (*v1.VirtualMachineConfig, error) {
	var cfg v1.VirtualMachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if cfg.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if cfg.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}

	expectedAPIVersion := v1.GroupName + "/" + v1.Version
	if cfg.APIVersion != expectedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", cfg.APIVersion, expectedAPIVersion)
	}
	if cfg.Kind != v1.VirtualMachineConfigKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", cfg.Kind, v1.VirtualMachineConfigKind)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveToFile saves a VirtualMachineConfig to a YAML file.
func SaveToFile(cfg *v1.VirtualMachineConfig, path string) error {
	v1.SetDefaultAPIVersion(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

// ResolvePaths makes every relative file path in cfg absolute against base.
func ResolvePaths(cfg *v1.VirtualMachineConfig, base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}

	if raw := cfg.Raw; raw != nil {
		abs(&raw.Kernel)
		abs(&raw.Initrd)
		abs(&raw.Bootloader)
		for i := range raw.Disks {
			abs(&raw.Disks[i].Image)
			for j := range raw.Disks[i].Partitions {
				abs(&raw.Disks[i].Partitions[j].Image)
			}
		}
	}
	if app := cfg.App; app != nil {
		abs(&app.APK)
		abs(&app.IDSig)
		abs(&app.InstanceImage)
		abs(&app.EncryptedStorageImage)
		for i := range app.ExtraIDSigs {
			abs(&app.ExtraIDSigs[i])
		}
	}
}
