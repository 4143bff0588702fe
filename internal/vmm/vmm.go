// Package vmm describes how a VM process is launched and observed.
//
// The orchestrator never talks to a hypervisor directly. It hands a
// LaunchConfig to a Launcher and watches the resulting Process through its
// event channel.
package vmm

import (
	"context"
	"os"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/status"
)

// LaunchConfig is everything a launcher needs to boot one VM.
type LaunchConfig struct {
	CID        uint32
	Name       string
	ScratchDir string

	Kernel     string
	Initrd     string
	Bootloader string
	Params     string

	Disks []*disk.Backing

	MemoryMiB    int32
	NumCPUs      int32
	Protected    bool
	TaskProfiles []string

	// PlatformVersion is the platform version requirement of the guest.
	PlatformVersion string

	// Console and Log receive the guest's console and log output. Either
	// may be nil.
	Console *os.File
	Log     *os.File

	// Ramdump is the file the guest writes a memory dump into on crash.
	Ramdump string

	// DetectHangup kills the VM if the payload does not report starting
	// within the boot timeout.
	DetectHangup bool
}

// Launcher starts VM processes.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Process, error)
}

// Process is a running VM process.
type Process interface {
	// Events delivers process events. The channel is closed after the
	// EventExited event.
	Events() <-chan Event

	// Kill forcibly stops the process. Killing an exited process is not an
	// error.
	Kill() error
}

// EventKind identifies a process event.
type EventKind int

const (
	// EventExited means the process is gone. Exit says why.
	EventExited EventKind = iota
	// EventRamdump means the guest wrote a memory dump to the ramdump file.
	EventRamdump
	// EventHangup means the hypervisor detected the guest stopped
	// responding.
	EventHangup
)

func (k EventKind) String() string {
	switch k {
	case EventExited:
		return "exited"
	case EventRamdump:
		return "ramdump"
	case EventHangup:
		return "hangup"
	}
	return "unknown"
}

// Event is a state change of a Process.
type Event struct {
	Kind EventKind
	Exit status.Exit
}
