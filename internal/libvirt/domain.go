package libvirt

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/vmm"
)

const (
	// DefaultMemoryMiB is used when the launch config leaves memory unset.
	DefaultMemoryMiB = 1024

	// MaxDisks is the number of virtio disks a domain can carry.
	MaxDisks = 26
)

// diskTarget returns the guest device name of the i-th disk (vda, vdb, ...).
func diskTarget(i int) string {
	return "vd" + string(rune('a'+i))
}

// GenerateDomainXML generates libvirt domain XML from a launch config.
//
// The domain boots the configured kernel or bootloader with one virtio disk
// per plain image. A composite disk is attached partition by partition with
// the partition label as the disk serial, so the guest finds partitions by
// label the same way. The guest gets a vsock device with the VM's CID and
// two serial ports backed by unix sockets in the scratch directory: the
// first carries the console, the second the guest log.
func GenerateDomainXML(cfg vmm.LaunchConfig, id uuid.UUID) (string, error) {
	if cfg.Kernel == "" && cfg.Bootloader == "" {
		return "", fmt.Errorf("either kernel or bootloader is required")
	}
	if cfg.Kernel != "" && cfg.Bootloader != "" {
		return "", fmt.Errorf("kernel and bootloader are mutually exclusive")
	}

	memory := cfg.MemoryMiB
	if memory <= 0 {
		memory = DefaultMemoryMiB
	}
	cpus := cfg.NumCPUs
	if cpus <= 0 {
		cpus = 1
	}

	domain := &libvirtxml.Domain{
		Type:        "kvm",
		Name:        naming.DomainName(cfg.CID),
		UUID:        id.String(),
		Description: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(memory),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(cpus),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		// Every exit ends the VM; the launcher decides what happened from
		// the shutoff reason. A crashed domain is preserved so its memory
		// can be dumped.
		OnPoweroff: "destroy",
		OnReboot:   "destroy",
		OnCrash:    "preserve",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "none",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
			VSock: &libvirtxml.DomainVSock{
				Model: "virtio",
				CID: &libvirtxml.DomainVSockCID{
					Auto:    "no",
					Address: strconv.FormatUint(uint64(cfg.CID), 10),
				},
			},
		},
	}

	if cfg.Kernel != "" {
		domain.OS.Kernel = cfg.Kernel
		domain.OS.Initrd = cfg.Initrd
		domain.OS.Cmdline = cfg.Params
	} else {
		domain.OS.Loader = &libvirtxml.DomainLoader{
			Path:     cfg.Bootloader,
			Readonly: "yes",
			Type:     "pflash",
		}
	}

	disks, err := domainDisks(cfg.Disks)
	if err != nil {
		return "", err
	}
	domain.Devices.Disks = disks

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		unixSerial(naming.ConsoleSocket(cfg.ScratchDir), 0),
		unixSerial(naming.LogSocket(cfg.ScratchDir), 1),
	}
	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}

// domainDisks expands backings into libvirt disks.
func domainDisks(backings []*disk.Backing) ([]libvirtxml.DomainDisk, error) {
	var disks []libvirtxml.DomainDisk
	add := func(path, serial string, writable bool) error {
		if len(disks) >= MaxDisks {
			return fmt.Errorf("too many disks: at most %d can be attached", MaxDisks)
		}
		d := libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name:  "qemu",
				Type:  "raw",
				Cache: "none",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: path,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: diskTarget(len(disks)),
				Bus: "virtio",
			},
			Serial: serial,
		}
		if !writable {
			d.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
		}
		disks = append(disks, d)
		return nil
	}

	for _, b := range backings {
		if !b.Composite {
			if err := add(b.Path, "", b.Writable); err != nil {
				return nil, err
			}
			continue
		}
		for _, p := range b.Partitions() {
			if err := add(p.File.Name(), p.Label, b.Writable && p.Writable); err != nil {
				return nil, err
			}
		}
	}
	return disks, nil
}

func unixSerial(path string, port uint) libvirtxml.DomainSerial {
	return libvirtxml.DomainSerial{
		Source: &libvirtxml.DomainChardevSource{
			UNIX: &libvirtxml.DomainChardevSourceUNIX{
				Mode: "bind",
				Path: path,
			},
		},
		Target: &libvirtxml.DomainSerialTarget{
			Port: uintPtr(port),
		},
	}
}

func uintPtr(v uint) *uint {
	return &v
}
