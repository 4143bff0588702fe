package service

import (
	"log/slog"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/registry"
)

// GuestService receives the payload events reported by one guest. The
// guest is identified by the CID of its connection, never by anything it
// sends.
type GuestService struct {
	cid      uint32
	registry *registry.Registry
	logger   *slog.Logger
}

// NewGuestService returns the event service for the guest with the given
// CID.
func NewGuestService(cid uint32, reg *registry.Registry, logger *slog.Logger) *GuestService {
	return &GuestService{cid: cid, registry: reg, logger: logging.Ensure(logger).With("cid", cid)}
}

func (g *GuestService) instance() (*instance.Instance, error) {
	inst, ok := g.registry.Lookup(g.cid)
	if !ok {
		return nil, v1.Errorf(v1.CodeIllegalState, "cannot find a VM with CID %d", g.cid)
	}
	return inst, nil
}

// PayloadStarted records that the payload started.
func (g *GuestService) PayloadStarted() error {
	inst, err := g.instance()
	if err != nil {
		return err
	}
	g.logger.Info("VM payload started")
	return inst.NotifyPayloadStarted()
}

// PayloadReady records that the payload is ready to serve.
func (g *GuestService) PayloadReady() error {
	inst, err := g.instance()
	if err != nil {
		return err
	}
	g.logger.Info("VM payload ready")
	return inst.NotifyPayloadReady()
}

// PayloadFinished records that the payload exited with exitCode.
func (g *GuestService) PayloadFinished(exitCode int32) error {
	inst, err := g.instance()
	if err != nil {
		return err
	}
	g.logger.Info("VM payload finished", "exit_code", exitCode)
	return inst.NotifyPayloadFinished(exitCode)
}

// Error records a payload error.
func (g *GuestService) Error(code v1.ErrorCode, message string) error {
	inst, err := g.instance()
	if err != nil {
		return err
	}
	g.logger.Warn("VM payload reported an error", "code", code, "message", message)
	return inst.NotifyError(code, message)
}

// ConnectStdioProxy connects to the guest's stdio port and hands the
// stream to the VM's listeners.
func (g *GuestService) ConnectStdioProxy(port uint32) error {
	inst, err := g.instance()
	if err != nil {
		return err
	}
	return inst.ConnectStdioProxy(port)
}
