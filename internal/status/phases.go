package status

import (
	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// VMState is the state of the VM process.
type VMState int

const (
	// VMNotStarted means the VM has been created but Start was not called.
	VMNotStarted VMState = iota
	// VMRunning means the VM process has been launched.
	VMRunning
	// VMDead means the VM process has exited or was never launched and
	// was killed.
	VMDead
	// VMFailed means launching the VM process failed.
	VMFailed
)

func (s VMState) String() string {
	switch s {
	case VMNotStarted:
		return "NotStarted"
	case VMRunning:
		return "Running"
	case VMDead:
		return "Dead"
	case VMFailed:
		return "Failed"
	}
	return "Unknown"
}

// PayloadState is the state of the payload inside a running VM, as
// reported by the guest. Values are ordered; the payload only moves
// forward.
type PayloadState int

const (
	PayloadStarting PayloadState = iota
	PayloadStarted
	PayloadReady
	PayloadFinished
	// PayloadHangup means the payload never reported starting in time.
	PayloadHangup
)

func (s PayloadState) String() string {
	switch s {
	case PayloadStarting:
		return "Starting"
	case PayloadStarted:
		return "Started"
	case PayloadReady:
		return "Ready"
	case PayloadFinished:
		return "Finished"
	case PayloadHangup:
		return "Hangup"
	}
	return "Unknown"
}

// State is the combined lifecycle state of one VM.
type State struct {
	VM      VMState
	Payload PayloadState
}

// TransitionToRunning moves a VM that was never started to Running.
func TransitionToRunning(s *State) error {
	if s.VM != VMNotStarted {
		return v1.Errorf(v1.CodeIllegalState, "VM is not in the NotStarted state (is %s)", s.VM)
	}
	s.VM = VMRunning
	return nil
}

// TransitionToFailed records that launching the VM failed.
func TransitionToFailed(s *State) {
	s.VM = VMFailed
}

// TransitionToDead marks the VM dead. It reports whether the state changed;
// Dead and Failed are left untouched.
func TransitionToDead(s *State) bool {
	if IsTerminal(s.VM) {
		return false
	}
	s.VM = VMDead
	return true
}

// AdvancePayload moves the payload to next. The VM must be running and the
// payload may only move forward.
func AdvancePayload(s *State, next PayloadState) error {
	if s.VM != VMRunning {
		return v1.Errorf(v1.CodeIllegalState, "VM is not running (is %s)", s.VM)
	}
	if next <= s.Payload {
		return v1.Errorf(v1.CodeIllegalState, "invalid payload state transition from %s to %s", s.Payload, next)
	}
	s.Payload = next
	return nil
}

// External folds s into the externally visible state.
func External(s State) v1.VirtualMachineState {
	switch s.VM {
	case VMNotStarted:
		return v1.StateNotStarted
	case VMRunning:
		switch s.Payload {
		case PayloadStarting:
			return v1.StateStarting
		case PayloadStarted:
			return v1.StateStarted
		case PayloadReady:
			return v1.StateReady
		case PayloadFinished:
			return v1.StateFinished
		}
	}
	return v1.StateDead
}

// IsTerminal returns true if the VM can no longer run.
func IsTerminal(s VMState) bool {
	return s == VMDead || s == VMFailed
}

// IsRunning returns true if the VM process has been launched and not yet
// observed to exit.
func IsRunning(s VMState) bool {
	return s == VMRunning
}
