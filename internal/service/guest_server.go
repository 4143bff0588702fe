package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/registry"
)

// Guest request methods.
const (
	MethodPayloadStarted    = "payloadStarted"
	MethodPayloadReady      = "payloadReady"
	MethodPayloadFinished   = "payloadFinished"
	MethodError             = "error"
	MethodConnectStdioProxy = "connectStdioProxy"
)

// GuestRequest is one event sent by a guest.
type GuestRequest struct {
	Method   string       `json:"method"`
	ExitCode int32        `json:"exitCode,omitempty"`
	Code     v1.ErrorCode `json:"code,omitempty"`
	Message  string       `json:"message,omitempty"`
	Port     uint32       `json:"port,omitempty"`
}

// GuestResponse answers one GuestRequest.
type GuestResponse struct {
	OK    bool    `json:"ok"`
	Code  v1.Code `json:"code,omitempty"`
	Error string  `json:"error,omitempty"`
}

// PeerCIDFunc extracts the guest CID from a connection's remote address.
type PeerCIDFunc func(addr net.Addr) (uint32, error)

// VsockPeerCID reads the CID of a vsock peer.
func VsockPeerCID(addr net.Addr) (uint32, error) {
	va, ok := addr.(*vsock.Addr)
	if !ok {
		return 0, fmt.Errorf("not a vsock address: %s", addr)
	}
	return va.ContextID, nil
}

// GuestServer serves guest events. Each guest speaks newline delimited
// JSON requests on its own connection.
type GuestServer struct {
	registry *registry.Registry
	peerCID  PeerCIDFunc
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewGuestServer creates a guest server. A nil peerCID reads vsock
// addresses.
func NewGuestServer(reg *registry.Registry, peerCID PeerCIDFunc, logger *slog.Logger) *GuestServer {
	if peerCID == nil {
		peerCID = VsockPeerCID
	}
	return &GuestServer{registry: reg, peerCID: peerCID, logger: logging.Ensure(logger)}
}

// Serve accepts guest connections on ln until ctx is cancelled or ln
// fails. It closes ln and waits for open connections before returning.
func (s *GuestServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept guest connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *GuestServer) handle(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	cid, err := s.peerCID(conn.RemoteAddr())
	if err != nil {
		s.logger.Warn("Rejecting guest connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	guest := NewGuestService(cid, s.registry, s.logger)

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req GuestRequest
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Guest connection ended", "cid", cid, "error", err)
			}
			return
		}

		resp := GuestResponse{OK: true}
		if err := dispatch(guest, req); err != nil {
			resp = GuestResponse{Code: v1.CodeOf(err), Error: err.Error()}
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("Failed to answer guest", "cid", cid, "error", err)
			return
		}
	}
}

func dispatch(g *GuestService, req GuestRequest) error {
	switch req.Method {
	case MethodPayloadStarted:
		return g.PayloadStarted()
	case MethodPayloadReady:
		return g.PayloadReady()
	case MethodPayloadFinished:
		return g.PayloadFinished(req.ExitCode)
	case MethodError:
		return g.Error(req.Code, req.Message)
	case MethodConnectStdioProxy:
		return g.ConnectStdioProxy(req.Port)
	}
	return v1.Errorf(v1.CodeIllegalArgument, "unknown method %q", req.Method)
}
