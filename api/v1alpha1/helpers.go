package v1alpha1

import (
	"fmt"
	"strings"
)

// NewRawConfig returns a raw VM config document with TypeMeta set.
func NewRawConfig(name string) *VirtualMachineConfig {
	cfg := &VirtualMachineConfig{
		ObjectMeta: ObjectMeta{Name: name},
		Raw:        &RawConfig{Name: name},
	}
	SetDefaultAPIVersion(cfg)
	return cfg
}

// NewAppConfig returns an app VM config document with TypeMeta set.
func NewAppConfig(name string) *VirtualMachineConfig {
	cfg := &VirtualMachineConfig{
		ObjectMeta: ObjectMeta{Name: name},
		App:        &AppConfig{Name: name},
	}
	SetDefaultAPIVersion(cfg)
	return cfg
}

// SetDefaultAPIVersion fills in apiVersion and kind when they are missing.
func SetDefaultAPIVersion(cfg *VirtualMachineConfig) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = GroupName + "/" + Version
	}
	if cfg.Kind == "" {
		cfg.Kind = VirtualMachineConfigKind
	}
}

// IsApp reports whether the config is an application config.
func (c *VirtualMachineConfig) IsApp() bool {
	return c.App != nil
}

// IsCustom reports whether creating this VM needs the custom VM permission.
// Raw configs are always custom. App configs are custom when they control
// host scheduling or pick a payload config file inside the package.
func (c *VirtualMachineConfig) IsCustom() bool {
	if c.Raw != nil {
		return true
	}
	if c.App == nil {
		return false
	}
	return len(c.App.TaskProfiles) > 0 || c.App.Payload.ConfigPath != ""
}

// GetName returns the VM name from the config body, falling back to metadata.
func (c *VirtualMachineConfig) GetName() string {
	switch {
	case c.Raw != nil && c.Raw.Name != "":
		return c.Raw.Name
	case c.App != nil && c.App.Name != "":
		return c.App.Name
	}
	return c.Name
}

// IsProtected reports whether a protected VM was requested.
func (c *VirtualMachineConfig) IsProtected() bool {
	switch {
	case c.Raw != nil:
		return c.Raw.Protected
	case c.App != nil:
		return c.App.Protected
	}
	return false
}

// Normalize copies the metadata name into the config body when it has none
// and trims whitespace from paths.
func (c *VirtualMachineConfig) Normalize() {
	if c.Raw != nil {
		if c.Raw.Name == "" {
			c.Raw.Name = c.Name
		}
		c.Raw.Kernel = strings.TrimSpace(c.Raw.Kernel)
		c.Raw.Initrd = strings.TrimSpace(c.Raw.Initrd)
		c.Raw.Bootloader = strings.TrimSpace(c.Raw.Bootloader)
	}
	if c.App != nil {
		if c.App.Name == "" {
			c.App.Name = c.Name
		}
		if c.App.DebugLevel == "" {
			c.App.DebugLevel = DebugLevelNone
		}
	}
}

// Validate checks the structure of the config. It does not open any files
// and leaves disk layout errors to disk assembly.
func (c *VirtualMachineConfig) Validate() error {
	if (c.Raw == nil) == (c.App == nil) {
		return fmt.Errorf("exactly one of raw or app must be set")
	}
	if c.Raw != nil {
		return c.Raw.Validate()
	}
	return c.App.Validate()
}

// Validate checks a raw config.
func (r *RawConfig) Validate() error {
	if r.Kernel == "" && r.Bootloader == "" {
		return fmt.Errorf("one of kernel or bootloader is required")
	}
	if r.Kernel != "" && r.Bootloader != "" {
		return fmt.Errorf("kernel and bootloader are mutually exclusive")
	}
	if r.MemoryMiB < 0 {
		return fmt.Errorf("memoryMib must be >= 0, got %d", r.MemoryMiB)
	}
	if r.NumCPUs < 0 {
		return fmt.Errorf("numCpus must be >= 0, got %d", r.NumCPUs)
	}
	for i, disk := range r.Disks {
		for j, part := range disk.Partitions {
			if part.Label == "" {
				return fmt.Errorf("disks[%d].partitions[%d]: label is required", i, j)
			}
			if part.Image == "" {
				return fmt.Errorf("disks[%d].partitions[%d]: image is required", i, j)
			}
		}
	}
	return nil
}

// Validate checks an app config.
func (a *AppConfig) Validate() error {
	if a.APK == "" {
		return fmt.Errorf("apk is required")
	}
	if a.IDSig == "" {
		return fmt.Errorf("idsig is required")
	}
	if a.InstanceImage == "" {
		return fmt.Errorf("instanceImage is required")
	}
	if (a.Payload.ConfigPath == "") == (a.Payload.BinaryName == "") {
		return fmt.Errorf("payload: exactly one of configPath or binaryName must be set")
	}
	switch a.DebugLevel {
	case "", DebugLevelNone, DebugLevelFull:
	default:
		return fmt.Errorf("invalid debugLevel %q (must be none or full)", a.DebugLevel)
	}
	if a.MemoryMiB < 0 {
		return fmt.Errorf("memoryMib must be >= 0, got %d", a.MemoryMiB)
	}
	if a.NumCPUs < 0 {
		return fmt.Errorf("numCpus must be >= 0, got %d", a.NumCPUs)
	}
	return nil
}
