// Package service implements the management surface of the daemon: VM
// creation, the debug operations and the guest event service.
//
// Every exported operation checks the caller's permissions first and
// returns errors carrying a v1alpha1 Code, so transports can hand them to
// clients unchanged.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/registry"
	"github.com/jbweber/kiln/internal/vmm"
)

// Caller identifies the client process making a request.
type Caller struct {
	UID uint32
	PID int32
}

// Assembler turns disk descriptors into backings.
//
// In production, this is satisfied by *disk.Assembler.
// In tests, this can be satisfied by a mock.
type Assembler interface {
	Assemble(desc disk.Descriptor, dir string, next *uint64) (*disk.Backing, error)
}

// Validator checks the origin of the partitions backing a VM.
//
// In production, this is satisfied by *trust.Validator.
// In tests, this can be satisfied by a mock.
type Validator interface {
	ValidateDisks(disks []disk.Descriptor, isAppConfig bool) error
}

// Recorder observes VM creation and state changes.
//
// In production, this is satisfied by *metrics.Collector.
type Recorder interface {
	ObserveCreate(cid uint32, protected bool, err error)
	StateChanged(inst *instance.Instance)
}

// Deps are the collaborators of the service.
type Deps struct {
	Config    *config.DaemonConfig
	Registry  *registry.Registry
	Launcher  vmm.Launcher
	Dialer    instance.Dialer
	Assembler Assembler
	Validator Validator

	// Listeners are registered on every VM created.
	Listeners []callback.Listener

	// Recorder, if set, observes creations and state changes.
	Recorder Recorder

	Logger *slog.Logger
}

// Service is the orchestrator.
type Service struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a service.
func New(deps Deps) *Service {
	return &Service{deps: deps, logger: logging.Ensure(deps.Logger)}
}

// Registry returns the instance registry the service creates VMs in.
func (s *Service) Registry() *registry.Registry {
	return s.deps.Registry
}

func (s *Service) check(caller Caller, perm string) error {
	if !s.deps.Config.Permissions.HasPermission(caller.UID, perm) {
		return v1.Errorf(v1.CodePermissionDenied, "uid %d does not have the %s permission", caller.UID, perm)
	}
	return nil
}

// InitializeWritablePartition formats image as an empty writable partition
// of size bytes.
func (s *Service) InitializeWritablePartition(caller Caller, image *os.File, size int64, typ v1.PartitionType) error {
	if err := s.check(caller, config.PermManage); err != nil {
		return err
	}
	if err := disk.InitializeWritablePartition(image, size, typ); err != nil {
		return v1.WithCode(v1.CodeInternal, err)
	}
	s.logger.Info("Initialized writable partition", "path", image.Name(), "size", size, "type", typ)
	return nil
}

// CreateOrUpdateSignatureFile writes the signature of input into out.
func (s *Service) CreateOrUpdateSignatureFile(caller Caller, input, out *os.File) error {
	if err := s.check(caller, config.PermManage); err != nil {
		return err
	}
	if err := disk.CreateOrUpdateSignatureFile(input, out); err != nil {
		return v1.WithCode(v1.CodeInternal, fmt.Errorf("failed to create signature file for %s: %w", input.Name(), err))
	}
	return nil
}

// ListVMs returns the debug listing of every live VM, ordered by CID.
func (s *Service) ListVMs(caller Caller) ([]v1.VirtualMachineDebugInfo, error) {
	if err := s.check(caller, config.PermDebug); err != nil {
		return nil, err
	}
	insts := s.deps.Registry.List()
	infos := make([]v1.VirtualMachineDebugInfo, 0, len(insts))
	for _, inst := range insts {
		infos = append(infos, inst.Info())
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].CID < infos[b].CID })
	return infos, nil
}

// DebugHoldRef keeps the VM behind h alive until DebugDropRef.
func (s *Service) DebugHoldRef(caller Caller, h *registry.Handle) error {
	if err := s.check(caller, config.PermDebug); err != nil {
		return err
	}
	s.deps.Registry.DebugHold(h)
	s.logger.Debug("Holding debug reference", "cid", h.CID())
	return nil
}

// DebugDropRef drops the debug hold on the VM with the given CID and
// returns it to the caller, or nil if there was none.
func (s *Service) DebugDropRef(caller Caller, cid uint32) (*registry.Handle, error) {
	if err := s.check(caller, config.PermDebug); err != nil {
		return nil, err
	}
	return s.deps.Registry.DebugRelease(cid), nil
}

// Dump writes a human readable listing of every live VM to w.
func (s *Service) Dump(caller Caller, w io.Writer) error {
	if err := s.check(caller, config.PermDebug); err != nil {
		return err
	}

	insts := s.deps.Registry.List()
	sort.Slice(insts, func(a, b int) bool { return insts[a].CID() < insts[b].CID() })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Running %d VMs:\n", len(insts))
	for _, inst := range insts {
		info := inst.Info()
		_, _ = fmt.Fprintf(tw, "VM CID: %d\n", info.CID)
		_, _ = fmt.Fprintf(tw, "\tName:\t%s\n", info.Name)
		_, _ = fmt.Fprintf(tw, "\tState:\t%s\n", info.State)
		_, _ = fmt.Fprintf(tw, "\tPayload state:\t%s\n", inst.PayloadState())
		_, _ = fmt.Fprintf(tw, "\tProtected:\t%t\n", info.Protected)
		_, _ = fmt.Fprintf(tw, "\tTemporary directory:\t%s\n", info.TemporaryDirectory)
		_, _ = fmt.Fprintf(tw, "\tRequester UID:\t%d\n", info.RequesterUID)
		_, _ = fmt.Fprintf(tw, "\tRequester PID:\t%d\n", info.RequesterPID)
	}
	return tw.Flush()
}
