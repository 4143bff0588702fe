package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/registry"
	"github.com/jbweber/kiln/internal/vmm"
)

// CreateVM creates a VM from cfg and returns the first handle to it. The VM
// is not started. console and log, if non-nil, receive the guest output;
// the VM keeps its own copies of them.
//
// This orchestrates the whole creation:
//  1. Check permissions (MANAGE, and CUSTOM for custom configs)
//  2. Allocate a CID and create the scratch directory
//  3. Resolve the config into boot artifacts and disks
//  4. Validate partition origins
//  5. Assemble disks and create the ramdump file
//  6. Construct the instance and add it to the registry
//
// A CID handed out to a failed creation is not reused.
func (s *Service) CreateVM(ctx context.Context, caller Caller, cfg *v1.VirtualMachineConfig, console, log *os.File) (*registry.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, v1.WithCode(v1.CodeIllegalState, err)
	}
	if err := s.check(caller, config.PermManage); err != nil {
		return nil, err
	}
	if cfg == nil || (cfg.Raw == nil) == (cfg.App == nil) {
		return nil, v1.Errorf(v1.CodeIllegalArgument, "config must be exactly one of raw or app")
	}
	if cfg.IsCustom() {
		if err := s.check(caller, config.PermCustom); err != nil {
			return nil, err
		}
	}

	var (
		h   *registry.Handle
		cid uint32
	)
	err := s.deps.Registry.Update(func(txn *registry.Txn) error {
		var err error
		h, cid, err = s.create(txn, caller, cfg, console, log)
		return err
	})
	if s.deps.Recorder != nil {
		s.deps.Recorder.ObserveCreate(cid, cfg.IsProtected(), err)
	}
	if err != nil {
		s.logger.Error("Failed to create VM", "name", cfg.GetName(), "uid", caller.UID, "error", err)
		return nil, v1.WithCode(v1.CodeInternal, err)
	}
	s.logger.Info("Created VM", "cid", cid, "name", cfg.GetName(), "uid", caller.UID, "pid", caller.PID)
	return h, nil
}

// create runs with the registry locked.
func (s *Service) create(txn *registry.Txn, caller Caller, cfg *v1.VirtualMachineConfig, console, log *os.File) (h *registry.Handle, cid uint32, err error) {
	var owned []*os.File
	var backings []*disk.Backing
	defer func() {
		if err != nil {
			closeFiles(owned)
			if cerr := disk.CloseAll(backings); cerr != nil {
				s.logger.Warn("Failed to release disks", "error", cerr)
			}
		}
	}()

	// Step 1: Clone console and log so the VM owns its handles
	consoleClone, err := cloneOptional(console)
	if err != nil {
		return nil, 0, v1.WithCode(v1.CodeInternal, fmt.Errorf("failed to clone console: %w", err))
	}
	owned = append(owned, consoleClone)
	logClone, err := cloneOptional(log)
	if err != nil {
		return nil, 0, v1.WithCode(v1.CodeInternal, fmt.Errorf("failed to clone log: %w", err))
	}
	owned = append(owned, logClone)

	// Step 2: Allocate a CID
	cid, err = txn.NextCID()
	if err != nil {
		return nil, 0, v1.WithCode(v1.CodeResourceExhausted, err)
	}
	logger := s.logger.With("cid", cid)

	// Step 3: Create the scratch directory
	scratch := naming.ScratchDir(s.deps.Config.TempDir, cid)
	logger.Info("Creating scratch directory...", "path", scratch)
	if err := os.Mkdir(scratch, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, cid, v1.Errorf(v1.CodeInternal, "scratch directory %s already exists", scratch)
		}
		return nil, cid, v1.WithCode(v1.CodeInternal, fmt.Errorf("failed to create scratch directory: %w", err))
	}
	defer func() {
		if err != nil {
			// Left for RemoveStaleScratchDirs at the next daemon start.
			logger.Warn("Leaving scratch directory of failed VM", "path", scratch)
		}
	}()

	// Step 4: Resolve the config
	logger.Info("Resolving VM config...", "app", cfg.IsApp())
	r, err := s.resolve(cfg, scratch)
	if r != nil {
		// The backings hold clones; the resolved handles are ours to close.
		defer r.close()
	}
	if err != nil {
		return nil, cid, err
	}

	// Step 5: Validate partition origins
	logger.Info("Validating partitions...")
	if err := s.deps.Validator.ValidateDisks(r.disks, r.isApp); err != nil {
		return nil, cid, v1.WithCode(v1.CodeUntrustedOrigin, err)
	}

	// Step 6: Assemble disks
	logger.Info("Assembling disks...", "count", len(r.disks))
	if err := disk.CreateZeroFiller(naming.ZeroFiller(scratch)); err != nil {
		return nil, cid, v1.WithCode(v1.CodeInternal, err)
	}
	var next uint64
	for i, d := range r.disks {
		b, err := s.deps.Assembler.Assemble(d, scratch, &next)
		if err != nil {
			return nil, cid, fmt.Errorf("failed to assemble disk %d: %w", i, err)
		}
		backings = append(backings, b)
	}

	// Step 7: Create the ramdump file
	ramdump := naming.Ramdump(scratch)
	if err := disk.CreateEmptyFile(ramdump); err != nil {
		return nil, cid, v1.WithCode(v1.CodeInternal, err)
	}

	// Step 8: Check the platform version requirement
	req, err := ParseRequirement(r.platformVersion)
	if err != nil {
		return nil, cid, v1.Errorf(v1.CodeIllegalArgument, "failed to parse platform version requirement %q: %w", r.platformVersion, err)
	}
	if !req.Matches(s.deps.Config.PlatformVersion) {
		return nil, cid, v1.Errorf(v1.CodeIllegalArgument, "platform version %s does not satisfy %s", s.deps.Config.PlatformVersion, req)
	}

	// Step 9: Construct the instance
	launch := r.launch
	launch.CID = cid
	launch.ScratchDir = scratch
	launch.Disks = backings
	launch.Console = consoleClone
	launch.Log = logClone
	launch.Ramdump = ramdump
	launch.PlatformVersion = req.String()
	launch.DetectHangup = r.isApp

	deps := instance.Deps{
		Launcher: s.deps.Launcher,
		Dialer:   s.deps.Dialer,
		Logger:   s.logger,
	}
	if s.deps.Recorder != nil {
		deps.OnStateChange = s.deps.Recorder.StateChanged
	}
	inst := instance.New(instance.Config{
		Launch:       launch,
		RequesterUID: caller.UID,
		RequesterPID: caller.PID,
		BootTimeout:  s.deps.Config.BootTimeout,
	}, deps)

	for _, l := range s.deps.Listeners {
		inst.Callbacks().Add(l)
	}
	inst.Callbacks().Add(callback.Funcs{
		Died: func(uint32, v1.DeathReason) error {
			return os.RemoveAll(scratch)
		},
	})

	return txn.Add(inst), cid, nil
}

// resolved is a config turned into boot artifacts and open disk files.
type resolved struct {
	launch          vmm.LaunchConfig
	disks           []disk.Descriptor
	isApp           bool
	platformVersion string

	// opened are the files opened while resolving.
	opened []*os.File
}

func (r *resolved) open(path string, writable bool) (*os.File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, v1.Errorf(v1.CodeIllegalArgument, "failed to open %s: %w", path, err)
	}
	r.opened = append(r.opened, f)
	return f, nil
}

func (r *resolved) close() {
	closeFiles(r.opened)
	r.opened = nil
}

// resolve opens every file named by cfg.
func (s *Service) resolve(cfg *v1.VirtualMachineConfig, scratch string) (*resolved, error) {
	if cfg.Raw != nil {
		return s.resolveRaw(cfg.Raw)
	}
	return s.resolveApp(cfg.App, scratch)
}

func (s *Service) resolveRaw(raw *v1.RawConfig) (*resolved, error) {
	r := &resolved{
		launch: vmm.LaunchConfig{
			Name:         raw.Name,
			Kernel:       raw.Kernel,
			Initrd:       raw.Initrd,
			Bootloader:   raw.Bootloader,
			Params:       raw.Params,
			MemoryMiB:    raw.MemoryMiB,
			NumCPUs:      raw.NumCPUs,
			Protected:    raw.Protected,
			TaskProfiles: raw.TaskProfiles,
		},
		platformVersion: raw.PlatformVersion,
	}
	disks, err := r.openDisks(raw.Disks)
	if err != nil {
		return r, err
	}
	r.disks = disks
	return r, nil
}

// openDisks opens the images of disks. A disk with both or neither of image
// and partitions is passed on and rejected by the assembler.
func (r *resolved) openDisks(disks []v1.DiskImage) ([]disk.Descriptor, error) {
	out := make([]disk.Descriptor, 0, len(disks))
	for _, d := range disks {
		desc := disk.Descriptor{Writable: d.Writable}
		if d.Image != "" {
			f, err := r.open(d.Image, d.Writable)
			if err != nil {
				return nil, err
			}
			desc.Image = f
		}
		for _, p := range d.Partitions {
			f, err := r.open(p.Image, p.Writable)
			if err != nil {
				return nil, err
			}
			desc.Partitions = append(desc.Partitions, disk.Partition{Label: p.Label, File: f, Writable: p.Writable})
		}
		out = append(out, desc)
	}
	return out, nil
}

func cloneOptional(f *os.File) (*os.File, error) {
	if f == nil {
		return nil, nil
	}
	return disk.CloneFile(f)
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
