// Package status holds the lifecycle rules of a VM: the process state, the
// payload state reported by the guest, how both fold into the external
// state, and why a VM died.
package status

import (
	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// Exit classifies how a VM process ended.
type Exit int

const (
	ExitUnknown Exit = iota
	// ExitShutdown is a clean guest power off.
	ExitShutdown
	// ExitKilled means the host killed the VM.
	ExitKilled
	// ExitError means the hypervisor exited with an error.
	ExitError
	// ExitReboot means the guest asked to reboot, which ends the VM.
	ExitReboot
	// ExitCrash means the guest kernel crashed.
	ExitCrash
	// ExitHangup means the VM was killed because the payload never started.
	ExitHangup
	// ExitInfrastructure means the host lost track of the VM process.
	ExitInfrastructure
)

func (e Exit) String() string {
	return string(DeathReasonOf(e))
}

// DeathReasonOf maps a process exit to the reason reported to listeners.
func DeathReasonOf(e Exit) v1.DeathReason {
	switch e {
	case ExitShutdown:
		return v1.DeathReasonShutdown
	case ExitKilled:
		return v1.DeathReasonKilled
	case ExitError:
		return v1.DeathReasonError
	case ExitReboot:
		return v1.DeathReasonReboot
	case ExitCrash:
		return v1.DeathReasonCrash
	case ExitHangup:
		return v1.DeathReasonHangup
	case ExitInfrastructure:
		return v1.DeathReasonInfrastructureError
	}
	return v1.DeathReasonUnknown
}

// DeathReasonFor returns the reason a VM in state s died of exit. A payload
// marked Hangup overrides whatever the process reported, since the VM was
// killed for hanging.
func DeathReasonFor(s State, exit Exit) v1.DeathReason {
	if s.Payload == PayloadHangup {
		return v1.DeathReasonHangup
	}
	return DeathReasonOf(exit)
}
