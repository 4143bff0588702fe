// Package ipc is the management transport of the daemon: newline delimited
// JSON over a unix socket.
//
// Every connection is a session. VM handles created or dropped onto a
// session belong to it and are released when the connection closes, which
// kills VMs nobody else references. Events of VMs the session registered a
// callback for are pushed on the same connection. Files travel as
// SCM_RIGHTS ancillary data attached to the frame that needs them.
package ipc

import (
	"encoding/json"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// DefaultSocketPath is where kilnd listens by default.
const DefaultSocketPath = "/run/kiln/kilnd.sock"

// Methods.
const (
	MethodCreateVM                    = "createVm"
	MethodStart                       = "start"
	MethodStop                        = "stop"
	MethodState                       = "state"
	MethodRelease                     = "release"
	MethodRegisterCallback            = "registerCallback"
	MethodConnect                     = "connect"
	MethodInitializeWritablePartition = "initializeWritablePartition"
	MethodCreateOrUpdateSignatureFile = "createOrUpdateSignatureFile"
	MethodListVMs                     = "listVms"
	MethodDebugHoldRef                = "debugHoldRef"
	MethodDebugDropRef                = "debugDropRef"
	MethodDump                        = "dump"
)

// Request is a client frame.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`

	// Files is the number of files attached to the frame.
	Files int `json:"files,omitempty"`
}

// Response answers the Request with the same ID. A frame with ID zero and
// an Event is a pushed event.
type Response struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   v1.Code         `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  *Event          `json:"event,omitempty"`

	// Files is the number of files attached to the frame.
	Files int `json:"files,omitempty"`
}

// Err rebuilds the error carried by r, or nil.
func (r *Response) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	return &v1.Error{Code: r.Code, Message: r.Error}
}

// Event kinds.
const (
	EventPayloadStarted  = "payloadStarted"
	EventPayloadReady    = "payloadReady"
	EventPayloadFinished = "payloadFinished"
	EventError           = "error"
	EventDied            = "died"
	EventRamdump         = "ramdump"
	EventStdio           = "stdio"
)

// Event is a VM callback delivered to a session.
type Event struct {
	CID  uint32 `json:"cid"`
	Kind string `json:"kind"`

	ExitCode  int32          `json:"exitCode,omitempty"`
	ErrorCode v1.ErrorCode   `json:"errorCode,omitempty"`
	Message   string         `json:"message,omitempty"`
	Reason    v1.DeathReason `json:"reason,omitempty"`

	// Size is the size of a ramdump in bytes.
	Size int64 `json:"size,omitempty"`
}

// CreateVMParams are the params of MethodCreateVM. Console and Log report
// whether the frame carries the console and log files, in that order.
type CreateVMParams struct {
	Config  *v1.VirtualMachineConfig `json:"config"`
	Console bool                     `json:"console,omitempty"`
	Log     bool                     `json:"log,omitempty"`
}

// CIDParams address a VM by CID.
type CIDParams struct {
	CID uint32 `json:"cid"`
}

// CIDResult carries a CID.
type CIDResult struct {
	CID uint32 `json:"cid"`
}

// StateResult is the result of MethodState.
type StateResult struct {
	State v1.VirtualMachineState `json:"state"`
}

// ConnectParams are the params of MethodConnect. The result frame carries
// the connected stream.
type ConnectParams struct {
	CID  uint32 `json:"cid"`
	Port uint32 `json:"port"`
}

// PartitionParams are the params of MethodInitializeWritablePartition.
// The frame carries the image file.
type PartitionParams struct {
	Size int64            `json:"size"`
	Type v1.PartitionType `json:"type"`
}

// DropResult is the result of MethodDebugDropRef.
type DropResult struct {
	Found bool `json:"found"`
}

// DumpResult is the result of MethodDump.
type DumpResult struct {
	Text string `json:"text"`
}
