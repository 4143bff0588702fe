// Package instance implements one VM: its lifecycle state, the payload
// state reported by the guest, the listeners watching it and the
// supervision of its process.
package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

// Dialer opens stream connections into a guest.
//
// In production, this is satisfied by a vsock dialer.
// In tests, this can be satisfied by a mock.
type Dialer interface {
	Dial(cid, port uint32) (net.Conn, error)
}

// Config describes one VM instance.
type Config struct {
	Launch vmm.LaunchConfig

	RequesterUID uint32
	RequesterPID int32

	// BootTimeout bounds how long the payload may take to report starting
	// when Launch.DetectHangup is set.
	BootTimeout time.Duration
}

// Deps are the collaborators of an instance.
type Deps struct {
	Launcher vmm.Launcher
	Dialer   Dialer
	Logger   *slog.Logger

	// OnStateChange, if set, is called after every state change with the
	// lock released.
	OnStateChange func(inst *Instance)
}

// Instance is one VM.
type Instance struct {
	cfg       Config
	deps      Deps
	callbacks *callback.Set
	logger    *slog.Logger

	mu        sync.Mutex
	state     status.State
	process   vmm.Process
	startTime time.Time
	killed    bool
	watchdog  *time.Timer
	done      chan struct{}
}

// New creates an instance in the NotStarted state. The instance owns the
// disks and files in cfg.Launch from now on and releases them when the VM
// dies.
func New(cfg Config, deps Deps) *Instance {
	logger := logging.Ensure(deps.Logger).With("cid", cfg.Launch.CID)
	return &Instance{
		cfg:       cfg,
		deps:      deps,
		callbacks: callback.NewSet(logger),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// CID returns the VM's CID.
func (i *Instance) CID() uint32 { return i.cfg.Launch.CID }

// Name returns the VM's name.
func (i *Instance) Name() string { return i.cfg.Launch.Name }

// ScratchDir returns the VM's scratch directory.
func (i *Instance) ScratchDir() string { return i.cfg.Launch.ScratchDir }

// RequesterUID returns the UID of the client that created the VM.
func (i *Instance) RequesterUID() uint32 { return i.cfg.RequesterUID }

// RequesterPID returns the PID of the client that created the VM.
func (i *Instance) RequesterPID() int32 { return i.cfg.RequesterPID }

// Protected reports whether the VM is a protected VM.
func (i *Instance) Protected() bool { return i.cfg.Launch.Protected }

// Callbacks returns the listeners of this VM.
func (i *Instance) Callbacks() *callback.Set { return i.callbacks }

// Done is closed once the VM is dead or failed to start.
func (i *Instance) Done() <-chan struct{} { return i.done }

// State returns the externally visible state.
func (i *Instance) State() v1.VirtualMachineState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return status.External(i.state)
}

// VMState returns the state of the VM process.
func (i *Instance) VMState() status.VMState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.VM
}

// PayloadState returns the payload state reported by the guest.
func (i *Instance) PayloadState() status.PayloadState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.Payload
}

// StartTime returns when the VM was started; zero if it never was.
func (i *Instance) StartTime() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startTime
}

// Info returns the debug listing entry of this VM.
func (i *Instance) Info() v1.VirtualMachineDebugInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := v1.VirtualMachineDebugInfo{
		CID:                i.CID(),
		Name:               i.Name(),
		TemporaryDirectory: i.ScratchDir(),
		RequesterUID:       i.cfg.RequesterUID,
		RequesterPID:       i.cfg.RequesterPID,
		State:              status.External(i.state),
		Protected:          i.Protected(),
	}
	if !i.startTime.IsZero() {
		info.StartTime = v1.NewTime(i.startTime)
	}
	return info
}

// Start launches the VM process. It fails with IllegalState unless the VM
// was never started; a launch failure leaves the VM Failed.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()

	if err := status.TransitionToRunning(&i.state); err != nil {
		i.mu.Unlock()
		return err
	}

	i.logger.Info("Starting VM", "name", i.Name())
	process, err := i.deps.Launcher.Launch(ctx, i.cfg.Launch)
	if err != nil {
		status.TransitionToFailed(&i.state)
		i.releaseLocked()
		i.mu.Unlock()
		i.logger.Error("Failed to start VM", "error", err)
		i.stateChanged()
		return v1.WithCode(v1.CodeInternal, fmt.Errorf("failed to start VM: %w", err))
	}

	i.process = process
	i.startTime = time.Now()
	if i.cfg.Launch.DetectHangup && i.cfg.BootTimeout > 0 {
		i.watchdog = time.AfterFunc(i.cfg.BootTimeout, i.bootTimedOut)
	}
	i.mu.Unlock()

	go i.supervise(process)
	i.stateChanged()
	return nil
}

// Kill stops the VM. It is safe to call any number of times from any
// goroutine. A VM that was never started becomes Dead immediately; a
// running VM becomes Dead once its process has exited.
func (i *Instance) Kill() error {
	i.mu.Lock()

	switch i.state.VM {
	case status.VMNotStarted:
		status.TransitionToDead(&i.state)
		i.releaseLocked()
		i.mu.Unlock()
		i.logger.Info("VM killed before start")
		i.callbacks.NotifyDied(i.CID(), v1.DeathReasonKilled)
		i.stateChanged()
		return nil
	case status.VMRunning:
		i.killed = true
		process := i.process
		i.mu.Unlock()
		if err := process.Kill(); err != nil {
			return fmt.Errorf("failed to kill VM %d: %w", i.CID(), err)
		}
		return nil
	default:
		i.mu.Unlock()
		return nil
	}
}

// UpdatePayloadState moves the payload forward. The VM must be running.
func (i *Instance) UpdatePayloadState(next status.PayloadState) error {
	i.mu.Lock()
	err := status.AdvancePayload(&i.state, next)
	if err == nil && next >= status.PayloadStarted && i.watchdog != nil {
		i.watchdog.Stop()
	}
	i.mu.Unlock()

	if err != nil {
		return err
	}
	i.logger.Debug("Payload state changed", "state", next)
	i.stateChanged()
	return nil
}

// NotifyPayloadStarted records that the payload started.
func (i *Instance) NotifyPayloadStarted() error {
	if err := i.UpdatePayloadState(status.PayloadStarted); err != nil {
		return err
	}
	i.callbacks.NotifyPayloadStarted(i.CID())
	return nil
}

// NotifyPayloadReady records that the payload is ready.
func (i *Instance) NotifyPayloadReady() error {
	if err := i.UpdatePayloadState(status.PayloadReady); err != nil {
		return err
	}
	i.callbacks.NotifyPayloadReady(i.CID())
	return nil
}

// NotifyPayloadFinished records that the payload exited with exitCode.
func (i *Instance) NotifyPayloadFinished(exitCode int32) error {
	if err := i.UpdatePayloadState(status.PayloadFinished); err != nil {
		return err
	}
	i.callbacks.NotifyPayloadFinished(i.CID(), exitCode)
	return nil
}

// NotifyError records a payload error. The payload is considered finished.
func (i *Instance) NotifyError(code v1.ErrorCode, message string) error {
	if err := i.UpdatePayloadState(status.PayloadFinished); err != nil {
		return err
	}
	i.callbacks.NotifyError(i.CID(), code, message)
	return nil
}

// Connect opens a stream to port inside the guest. The VM must be running.
func (i *Instance) Connect(port uint32) (net.Conn, error) {
	if !status.IsRunning(i.VMState()) {
		return nil, v1.Errorf(v1.CodeIllegalState, "VM is not running")
	}
	if i.deps.Dialer == nil {
		return nil, v1.Errorf(v1.CodeInternal, "no guest dialer configured")
	}
	conn, err := i.deps.Dialer.Dial(i.CID(), port)
	if err != nil {
		return nil, v1.WithCode(v1.CodeInternal, fmt.Errorf("failed to connect to port %d of VM %d: %w", port, i.CID(), err))
	}
	return conn, nil
}

// ConnectStdioProxy dials the guest's stdio port and hands the stream to
// the listeners. The stream is closed once every listener has returned.
func (i *Instance) ConnectStdioProxy(port uint32) error {
	conn, err := i.Connect(port)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			i.logger.Warn("Failed to close stdio stream", "port", port, "error", err)
		}
	}()
	i.callbacks.NotifyStdio(i.CID(), conn)
	return nil
}

// supervise consumes process events until the process exits.
func (i *Instance) supervise(process vmm.Process) {
	exit := status.ExitInfrastructure
	for ev := range process.Events() {
		switch ev.Kind {
		case vmm.EventRamdump:
			i.logger.Warn("VM wrote a ramdump", "path", i.cfg.Launch.Ramdump)
			i.callbacks.NotifyRamdump(i.CID(), i.openRamdump)
		case vmm.EventHangup:
			i.hangup()
		case vmm.EventExited:
			exit = ev.Exit
		}
	}
	i.died(exit)
}

// died records the death of the VM process.
func (i *Instance) died(exit status.Exit) {
	i.mu.Lock()
	if i.killed && (exit == status.ExitUnknown || exit == status.ExitError) {
		exit = status.ExitKilled
	}
	reason := status.DeathReasonFor(i.state, exit)
	if !status.TransitionToDead(&i.state) {
		i.mu.Unlock()
		return
	}
	if i.watchdog != nil {
		i.watchdog.Stop()
	}
	i.releaseLocked()
	i.mu.Unlock()

	i.logger.Info("VM died", "reason", reason)
	i.callbacks.NotifyDied(i.CID(), reason)
	i.stateChanged()
}

// bootTimedOut fires when the payload did not report starting in time.
func (i *Instance) bootTimedOut() {
	i.mu.Lock()
	starting := i.state.VM == status.VMRunning && i.state.Payload == status.PayloadStarting
	i.mu.Unlock()
	if !starting {
		return
	}
	i.logger.Warn("Payload did not start in time", "timeout", i.cfg.BootTimeout)
	i.hangup()
}

// hangup marks the payload hung and kills the VM.
func (i *Instance) hangup() {
	if err := i.UpdatePayloadState(status.PayloadHangup); err != nil {
		i.logger.Debug("Ignoring hangup", "error", err)
	}
	if err := i.Kill(); err != nil {
		i.logger.Error("Failed to kill hung VM", "error", err)
	}
}

func (i *Instance) openRamdump() (io.ReadCloser, error) {
	return os.Open(i.cfg.Launch.Ramdump)
}

// releaseLocked closes every file the VM was holding and marks it done.
// Must be called with i.mu held, once.
func (i *Instance) releaseLocked() {
	if err := disk.CloseAll(i.cfg.Launch.Disks); err != nil {
		i.logger.Warn("Failed to release disks", "error", err)
	}
	for _, f := range []*os.File{i.cfg.Launch.Console, i.cfg.Launch.Log} {
		if f != nil {
			_ = f.Close()
		}
	}
	close(i.done)
}

func (i *Instance) stateChanged() {
	if i.deps.OnStateChange != nil {
		i.deps.OnStateChange(i)
	}
}
