package service

import (
	"os"
	"strings"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/payload"
	"github.com/jbweber/kiln/internal/trust"
	"github.com/jbweber/kiln/internal/vmm"
)

// debugParams are appended to the kernel command line of fully debuggable
// app VMs.
const debugParams = "androidboot.microdroid.debuggable=1"

// resolveApp expands an app config into the OS images of the daemon config
// plus the payload, instance and signature partitions.
func (s *Service) resolveApp(app *v1.AppConfig, scratch string) (*resolved, error) {
	r := &resolved{isApp: true}

	apk, err := r.open(app.APK, false)
	if err != nil {
		return r, err
	}
	st, err := apk.Stat()
	if err != nil {
		return r, v1.Errorf(v1.CodeIllegalArgument, "failed to stat %s: %w", app.APK, err)
	}
	pc, err := payload.Resolve(app, apk, st.Size())
	if err != nil {
		return r, v1.WithCode(v1.CodeIllegalArgument, err)
	}

	if pc.OS.Name != v1.MicrodroidOSName {
		return r, v1.Errorf(v1.CodeIllegalArgument, "unknown OS %q", pc.OS.Name)
	}
	base, ok := s.deps.Config.OSImage(pc.OS.Name)
	if !ok {
		return r, v1.Errorf(v1.CodeInternal, "no images configured for OS %q", pc.OS.Name)
	}

	memory := base.MemoryMiB
	if app.MemoryMiB > 0 {
		memory = app.MemoryMiB
	}
	cpus := base.NumCPUs
	if app.NumCPUs > 0 {
		cpus = app.NumCPUs
	}
	params := base.Params
	if app.DebugLevel == v1.DebugLevelFull {
		params = strings.TrimSpace(params + " " + debugParams)
	}
	r.launch = vmm.LaunchConfig{
		Name:         app.Name,
		Kernel:       base.Kernel,
		Initrd:       base.Initrd,
		Bootloader:   base.Bootloader,
		Params:       params,
		MemoryMiB:    memory,
		NumCPUs:      cpus,
		Protected:    app.Protected,
		TaskProfiles: app.TaskProfiles,
	}
	r.platformVersion = base.PlatformVersion

	disks, err := r.openDisks(base.Disks)
	if err != nil {
		return r, err
	}

	payloadDisk, err := r.payloadDisk(app, pc, apk, scratch)
	if err != nil {
		return r, err
	}
	disks = append(disks, payloadDisk)

	instanceImg, err := r.open(app.InstanceImage, true)
	if err != nil {
		return r, err
	}
	disks = append(disks, disk.Descriptor{
		Partitions: []disk.Partition{{Label: trust.LabelInstance, File: instanceImg, Writable: true}},
		Writable:   true,
	})

	if app.EncryptedStorageImage != "" {
		store, err := r.open(app.EncryptedStorageImage, true)
		if err != nil {
			return r, err
		}
		disks = append(disks, disk.Descriptor{Image: store, Writable: true})
	}

	r.disks = disks
	return r, nil
}

// payloadDisk builds the read-only disk carrying the payload metadata, the
// APKs and their signatures.
func (r *resolved) payloadDisk(app *v1.AppConfig, pc *payload.VMPayloadConfig, apk *os.File, scratch string) (disk.Descriptor, error) {
	if len(pc.ExtraAPKs) != len(app.ExtraIDSigs) {
		return disk.Descriptor{}, v1.Errorf(v1.CodeIllegalArgument,
			"payload config has %d extra APKs but %d extra idsigs were given", len(pc.ExtraAPKs), len(app.ExtraIDSigs))
	}

	md, err := payload.WriteImage(naming.PayloadMetadata(scratch), payload.NewMetadata(app, pc))
	if err != nil {
		return disk.Descriptor{}, v1.WithCode(v1.CodeInternal, err)
	}
	r.opened = append(r.opened, md)

	idsig, err := r.open(app.IDSig, false)
	if err != nil {
		return disk.Descriptor{}, err
	}

	parts := []disk.Partition{
		{Label: payload.LabelMetadata, File: md},
		{Label: payload.LabelAPK, File: apk},
		{Label: payload.LabelAPKIDSig, File: idsig},
	}
	for i, extra := range pc.ExtraAPKs {
		f, err := r.open(extra.Path, false)
		if err != nil {
			return disk.Descriptor{}, err
		}
		sig, err := r.open(app.ExtraIDSigs[i], false)
		if err != nil {
			return disk.Descriptor{}, err
		}
		parts = append(parts,
			disk.Partition{Label: payload.ExtraAPKLabel(i), File: f},
			disk.Partition{Label: payload.ExtraIDSigLabel(i), File: sig},
		)
	}
	return disk.Descriptor{Partitions: parts}, nil
}
