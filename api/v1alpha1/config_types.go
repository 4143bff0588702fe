package v1alpha1

const (
	// GroupName is the API group for kiln resources.
	GroupName = "kiln.jbweber.dev"

	// Version is the API version.
	Version = "v1alpha1"

	// VirtualMachineConfigKind is the kind string for VM configuration documents.
	VirtualMachineConfigKind = "VirtualMachineConfig"

	// MicrodroidOSName is the only guest OS supported for application configs.
	MicrodroidOSName = "microdroid"
)

// VirtualMachineConfig describes a VM to create. It is a tagged union:
// exactly one of Raw or App must be set.
//
// A raw config names every boot artifact and disk explicitly. An app config
// names an application package and payload; the daemon derives the boot
// artifacts from the configured OS images.
type VirtualMachineConfig struct {
	TypeMeta `json:",inline" yaml:",inline"`

	// +optional
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Raw is a fully specified VM.
	// +optional
	Raw *RawConfig `json:"raw,omitempty" yaml:"raw,omitempty"`

	// App is an application payload VM.
	// +optional
	App *AppConfig `json:"app,omitempty" yaml:"app,omitempty"`
}

// RawConfig is a VM configuration with explicit boot artifacts and disks.
type RawConfig struct {
	// Name is a human readable VM name used in logs and diagnostics.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kernel is the path of the guest kernel image.
	// +optional
	Kernel string `json:"kernel,omitempty" yaml:"kernel,omitempty"`

	// Initrd is the path of the initial ramdisk.
	// +optional
	Initrd string `json:"initrd,omitempty" yaml:"initrd,omitempty"`

	// Bootloader is the path of a bootloader image, used instead of Kernel.
	// +optional
	Bootloader string `json:"bootloader,omitempty" yaml:"bootloader,omitempty"`

	// Params is the kernel command line.
	// +optional
	Params string `json:"params,omitempty" yaml:"params,omitempty"`

	// Disks are attached in order.
	// +optional
	Disks []DiskImage `json:"disks,omitempty" yaml:"disks,omitempty"`

	// Protected requests a memory-protected VM.
	// +optional
	Protected bool `json:"protectedVm,omitempty" yaml:"protectedVm,omitempty"`

	// MemoryMiB is the guest memory size. Zero selects the hypervisor default.
	// +optional
	MemoryMiB int32 `json:"memoryMib,omitempty" yaml:"memoryMib,omitempty"`

	// NumCPUs is the number of vCPUs. Zero selects one vCPU.
	// +optional
	NumCPUs int32 `json:"numCpus,omitempty" yaml:"numCpus,omitempty"`

	// TaskProfiles are host scheduling profiles applied to the VM process.
	// +optional
	TaskProfiles []string `json:"taskProfiles,omitempty" yaml:"taskProfiles,omitempty"`

	// PlatformVersion is a version requirement the host platform must
	// satisfy, e.g. "~1.0" or ">=1.2.0". Empty accepts any version.
	// +optional
	PlatformVersion string `json:"platformVersion,omitempty" yaml:"platformVersion,omitempty"`
}

// AppConfig is a VM configuration derived from an application package.
type AppConfig struct {
	// Name is a human readable VM name used in logs and diagnostics.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// APK is the path of the application package containing the payload.
	APK string `json:"apk" yaml:"apk"`

	// IDSig is the path of the package signature file.
	IDSig string `json:"idsig" yaml:"idsig"`

	// ExtraIDSigs are signature files for additional packages.
	// +optional
	ExtraIDSigs []string `json:"extraIdsigs,omitempty" yaml:"extraIdsigs,omitempty"`

	// InstanceImage is the path of the per-instance metadata partition.
	InstanceImage string `json:"instanceImage" yaml:"instanceImage"`

	// EncryptedStorageImage is an optional writable storage partition.
	// +optional
	EncryptedStorageImage string `json:"encryptedStorageImage,omitempty" yaml:"encryptedStorageImage,omitempty"`

	// Payload selects what runs inside the VM.
	Payload AppPayload `json:"payload" yaml:"payload"`

	// DebugLevel controls guest debuggability.
	// +optional
	DebugLevel DebugLevel `json:"debugLevel,omitempty" yaml:"debugLevel,omitempty"`

	// Protected requests a memory-protected VM.
	// +optional
	Protected bool `json:"protectedVm,omitempty" yaml:"protectedVm,omitempty"`

	// MemoryMiB overrides the OS default memory size when greater than zero.
	// +optional
	MemoryMiB int32 `json:"memoryMib,omitempty" yaml:"memoryMib,omitempty"`

	// NumCPUs is the number of vCPUs.
	// +optional
	NumCPUs int32 `json:"numCpus,omitempty" yaml:"numCpus,omitempty"`

	// TaskProfiles are host scheduling profiles applied to the VM process.
	// Requesting any requires the custom VM permission.
	// +optional
	TaskProfiles []string `json:"taskProfiles,omitempty" yaml:"taskProfiles,omitempty"`
}

// AppPayload selects the payload of an app config. Exactly one field is set.
type AppPayload struct {
	// ConfigPath is the path of a JSON payload config inside the APK.
	// Requesting it requires the custom VM permission.
	// +optional
	ConfigPath string `json:"configPath,omitempty" yaml:"configPath,omitempty"`

	// BinaryName is the payload binary inside the APK to launch.
	// +optional
	BinaryName string `json:"binaryName,omitempty" yaml:"binaryName,omitempty"`
}

// DebugLevel is the guest debug level.
type DebugLevel string

const (
	DebugLevelNone DebugLevel = "none"
	DebugLevelFull DebugLevel = "full"
)

// DiskImage is one disk attached to the VM: either a single image or an
// ordered list of partitions assembled into a composite disk.
type DiskImage struct {
	// Image is the path of a whole-disk image.
	// +optional
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Partitions are combined into one composite disk, in order.
	// +optional
	Partitions []Partition `json:"partitions,omitempty" yaml:"partitions,omitempty"`

	// Writable attaches the disk read-write.
	// +optional
	Writable bool `json:"writable,omitempty" yaml:"writable,omitempty"`
}

// Partition is one partition of a composite disk.
type Partition struct {
	// Label is the GPT partition name seen by the guest.
	Label string `json:"label" yaml:"label"`

	// Image is the path of the partition's backing file.
	Image string `json:"image" yaml:"image"`

	// Writable allows the guest to write to the partition.
	// +optional
	Writable bool `json:"writable,omitempty" yaml:"writable,omitempty"`
}

// PartitionType selects how InitializeWritablePartition formats a file.
type PartitionType string

const (
	// PartitionTypeRaw leaves the partition zero-filled.
	PartitionTypeRaw PartitionType = "raw"

	// PartitionTypeInstanceMetadata writes the instance metadata header.
	PartitionTypeInstanceMetadata PartitionType = "instance-metadata"
)

// DeepCopy creates a deep copy of VirtualMachineConfig.
func (in *VirtualMachineConfig) DeepCopy() *VirtualMachineConfig {
	if in == nil {
		return nil
	}
	out := new(VirtualMachineConfig)
	*out = *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	if in.Raw != nil {
		raw := *in.Raw
		raw.Disks = copyDisks(in.Raw.Disks)
		raw.TaskProfiles = copyStrings(in.Raw.TaskProfiles)
		out.Raw = &raw
	}
	if in.App != nil {
		app := *in.App
		app.ExtraIDSigs = copyStrings(in.App.ExtraIDSigs)
		app.TaskProfiles = copyStrings(in.App.TaskProfiles)
		out.App = &app
	}
	return out
}

func copyDisks(in []DiskImage) []DiskImage {
	if in == nil {
		return nil
	}
	out := make([]DiskImage, len(in))
	for i, d := range in {
		out[i] = d
		if d.Partitions != nil {
			out[i].Partitions = append([]Partition(nil), d.Partitions...)
		}
	}
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
