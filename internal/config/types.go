package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// Defaults applied by Normalize.
const (
	DefaultSocketPath      = "/run/kiln/kilnd.sock"
	DefaultTempDir         = "/var/lib/kiln/tmp"
	DefaultStateDir        = "/var/lib/kiln/state"
	DefaultTombstoneDir    = "/var/lib/kiln/tombstones"
	DefaultLibvirtSocket   = "/var/run/libvirt/libvirt-sock"
	DefaultLibvirtTimeout  = 5 * time.Second
	DefaultPollInterval    = time.Second
	DefaultGuestPort       = 5000
	DefaultTombstonePort   = 2000
	DefaultBootTimeout     = 30 * time.Second
	DefaultNATSSubject     = "kiln.vm.events"
	DefaultPlatformVersion = "v1.0.0"
	DefaultLogMode         = "json"
	DefaultLogLevel        = "info"
	defaultMemoryMiB       = 1024
	defaultNumCPUs         = 1
)

// DaemonConfig is the kilnd configuration file.
type DaemonConfig struct {
	SocketPath      string             `yaml:"socket_path"`
	TempDir         string             `yaml:"temp_dir"`
	StateDir        string             `yaml:"state_dir"`
	TombstoneDir    string             `yaml:"tombstone_dir"`
	LogMode         string             `yaml:"log_mode"`
	LogLevel        string             `yaml:"log_level"`
	Libvirt         LibvirtConfig      `yaml:"libvirt"`
	Guest           GuestConfig        `yaml:"guest"`
	Metrics         MetricsConfig      `yaml:"metrics"`
	NATS            NATSConfig         `yaml:"nats"`
	BootTimeout     time.Duration      `yaml:"boot_timeout"`
	Permissions     Permissions        `yaml:"permissions"`
	OSImages        map[string]OSImage `yaml:"os_images"`
	PlatformVersion string             `yaml:"platform_version"`
}

// LibvirtConfig configures the connection to the local libvirt daemon.
type LibvirtConfig struct {
	SocketPath   string        `yaml:"socket_path"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GuestConfig holds the vsock ports guests talk to the host on.
type GuestConfig struct {
	Port          uint32 `yaml:"port"`
	TombstonePort uint32 `yaml:"tombstone_port"`
}

// MetricsConfig configures the prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// NATSConfig configures lifecycle event publishing. Empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// Permissions lists the UIDs holding each management permission.
// UID 0 holds every permission regardless of these lists.
type Permissions struct {
	Manage []uint32 `yaml:"manage"`
	Debug  []uint32 `yaml:"debug"`
	Custom []uint32 `yaml:"custom"`
}

// OSImage describes the base images of a guest OS that app configs boot.
type OSImage struct {
	Kernel          string         `yaml:"kernel,omitempty"`
	Initrd          string         `yaml:"initrd,omitempty"`
	Bootloader      string         `yaml:"bootloader,omitempty"`
	Params          string         `yaml:"params,omitempty"`
	MemoryMiB       int32          `yaml:"memory_mib,omitempty"`
	NumCPUs         int32          `yaml:"num_cpus,omitempty"`
	PlatformVersion string         `yaml:"platform_version,omitempty"`
	Disks           []v1.DiskImage `yaml:"disks,omitempty"`
}

// Normalize fills in defaults for everything left unset.
// This is called automatically by LoadFromFile before validation.
func (c *DaemonConfig) Normalize() {
	c.SocketPath = strings.TrimSpace(c.SocketPath)
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.TempDir == "" {
		c.TempDir = DefaultTempDir
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.TombstoneDir == "" {
		c.TombstoneDir = DefaultTombstoneDir
	}
	c.LogMode = strings.ToLower(strings.TrimSpace(c.LogMode))
	if c.LogMode == "" {
		c.LogMode = DefaultLogMode
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Libvirt.SocketPath == "" {
		c.Libvirt.SocketPath = DefaultLibvirtSocket
	}
	if c.Libvirt.Timeout == 0 {
		c.Libvirt.Timeout = DefaultLibvirtTimeout
	}
	if c.Libvirt.PollInterval == 0 {
		c.Libvirt.PollInterval = DefaultPollInterval
	}

	if c.Guest.Port == 0 {
		c.Guest.Port = DefaultGuestPort
	}
	if c.Guest.TombstonePort == 0 {
		c.Guest.TombstonePort = DefaultTombstonePort
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}
	if c.BootTimeout == 0 {
		c.BootTimeout = DefaultBootTimeout
	}

	if c.PlatformVersion == "" {
		c.PlatformVersion = DefaultPlatformVersion
	}
	c.PlatformVersion = canonicalVersion(c.PlatformVersion)

	for name, img := range c.OSImages {
		if img.MemoryMiB == 0 {
			img.MemoryMiB = defaultMemoryMiB
		}
		if img.NumCPUs == 0 {
			img.NumCPUs = defaultNumCPUs
		}
		if img.PlatformVersion != "" {
			img.PlatformVersion = strings.TrimSpace(img.PlatformVersion)
		}
		c.OSImages[name] = img
	}
}

// Validate checks the configuration for errors.
// It does not check that referenced files exist.
func (c *DaemonConfig) Validate() error {
	if !filepath.IsAbs(c.TempDir) {
		return fmt.Errorf("temp_dir must be an absolute path, got %q", c.TempDir)
	}
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path, got %q", c.StateDir)
	}
	if c.LogMode != "text" && c.LogMode != "json" {
		return fmt.Errorf("log_mode must be text or json, got %q", c.LogMode)
	}
	if c.Libvirt.Timeout < 0 {
		return fmt.Errorf("libvirt.timeout must be >= 0, got %s", c.Libvirt.Timeout)
	}
	if c.Libvirt.PollInterval < 0 {
		return fmt.Errorf("libvirt.poll_interval must be >= 0, got %s", c.Libvirt.PollInterval)
	}
	if c.Guest.Port == c.Guest.TombstonePort {
		return fmt.Errorf("guest.port and guest.tombstone_port must differ, both are %d", c.Guest.Port)
	}
	if c.BootTimeout < 0 {
		return fmt.Errorf("boot_timeout must be >= 0, got %s", c.BootTimeout)
	}
	if !semver.IsValid(c.PlatformVersion) {
		return fmt.Errorf("platform_version %q is not a valid semantic version", c.PlatformVersion)
	}

	for name, img := range c.OSImages {
		if err := img.Validate(); err != nil {
			return fmt.Errorf("os_images[%s]: %w", name, err)
		}
	}
	return nil
}

// Validate checks an OS image entry.
func (o *OSImage) Validate() error {
	if o.Kernel == "" && o.Bootloader == "" {
		return fmt.Errorf("must specify either 'kernel' or 'bootloader'")
	}
	if o.Kernel != "" && o.Bootloader != "" {
		return fmt.Errorf("cannot specify both 'kernel' and 'bootloader'")
	}
	if o.Initrd != "" && o.Kernel == "" {
		return fmt.Errorf("'initrd' requires 'kernel'")
	}
	if o.MemoryMiB < 0 {
		return fmt.Errorf("memory_mib must be >= 0, got %d", o.MemoryMiB)
	}
	if o.NumCPUs < 0 {
		return fmt.Errorf("num_cpus must be >= 0, got %d", o.NumCPUs)
	}
	for i, d := range o.Disks {
		if d.Image == "" && len(d.Partitions) == 0 {
			return fmt.Errorf("disks[%d]: must specify either 'image' or 'partitions'", i)
		}
	}
	return nil
}

// OSImage returns the base images for the named guest OS.
func (c *DaemonConfig) OSImage(name string) (OSImage, bool) {
	img, ok := c.OSImages[name]
	return img, ok
}

// HasPermission reports whether uid holds the named permission.
func (p Permissions) HasPermission(uid uint32, perm string) bool {
	if uid == 0 {
		return true
	}
	switch perm {
	case PermManage:
		return slices.Contains(p.Manage, uid)
	case PermDebug:
		return slices.Contains(p.Debug, uid)
	case PermCustom:
		return slices.Contains(p.Custom, uid)
	}
	return false
}

// Permission names.
const (
	PermManage = "MANAGE_VIRTUAL_MACHINE"
	PermDebug  = "DEBUG_VIRTUAL_MACHINE"
	PermCustom = "USE_CUSTOM_VIRTUAL_MACHINE"
)

// canonicalVersion accepts versions written with or without the leading "v".
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// LoadFromFile loads the daemon configuration from a YAML file.
// A missing file yields the defaults.
func LoadFromFile(path string) (*DaemonConfig, error) {
	var config DaemonConfig

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
