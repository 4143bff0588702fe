package v1alpha1

// VirtualMachineState is the externally visible state of a VM. It folds the
// VM process state and the guest payload state into one value.
type VirtualMachineState string

const (
	// StateNotStarted means the VM has been created but not started.
	StateNotStarted VirtualMachineState = "NOT_STARTED"
	// StateStarting means the VM process is running and the payload has not reported yet.
	StateStarting VirtualMachineState = "STARTING"
	// StateStarted means the payload has started.
	StateStarted VirtualMachineState = "STARTED"
	// StateReady means the payload is ready to serve.
	StateReady VirtualMachineState = "READY"
	// StateFinished means the payload has exited but the VM is still running.
	StateFinished VirtualMachineState = "FINISHED"
	// StateDead means the VM has stopped, failed to start or hung.
	StateDead VirtualMachineState = "DEAD"
)

// DeathReason explains why a VM stopped.
type DeathReason string

const (
	DeathReasonUnknown             DeathReason = "UNKNOWN"
	DeathReasonInfrastructureError DeathReason = "INFRASTRUCTURE_ERROR"
	DeathReasonKilled              DeathReason = "KILLED"
	DeathReasonShutdown            DeathReason = "SHUTDOWN"
	DeathReasonError               DeathReason = "ERROR"
	DeathReasonReboot              DeathReason = "REBOOT"
	DeathReasonCrash               DeathReason = "CRASH"
	DeathReasonHangup              DeathReason = "HANGUP"
)

// ErrorCode is an error reported by the guest payload.
type ErrorCode string

const (
	ErrorCodeUnknown                   ErrorCode = "UNKNOWN"
	ErrorCodePayloadVerificationFailed ErrorCode = "PAYLOAD_VERIFICATION_FAILED"
	ErrorCodePayloadChanged            ErrorCode = "PAYLOAD_CHANGED"
	ErrorCodePayloadInvalidConfig      ErrorCode = "PAYLOAD_INVALID_CONFIG"
)

// VirtualMachineDebugInfo is one entry of the diagnostic VM listing.
type VirtualMachineDebugInfo struct {
	CID                uint32              `json:"cid" yaml:"cid"`
	Name               string              `json:"name,omitempty" yaml:"name,omitempty"`
	TemporaryDirectory string              `json:"temporaryDirectory" yaml:"temporaryDirectory"`
	RequesterUID       uint32              `json:"requesterUid" yaml:"requesterUid"`
	RequesterPID       int32               `json:"requesterPid" yaml:"requesterPid"`
	State              VirtualMachineState `json:"state" yaml:"state"`
	Protected          bool                `json:"protectedVm" yaml:"protectedVm"`
	StartTime          Time                `json:"startTime,omitempty" yaml:"startTime,omitempty"`
}

// IsTerminal reports whether s can no longer change.
func (s VirtualMachineState) IsTerminal() bool {
	return s == StateDead
}
