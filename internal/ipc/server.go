package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/service"
)

// Server serves management sessions.
type Server struct {
	svc         *service.Service
	credentials func(conn *net.UnixConn) (service.Caller, error)
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewServer creates a server for svc. Callers are identified by their
// socket peer credentials.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	return &Server{svc: svc, credentials: PeerCredentials, logger: logging.Ensure(logger)}
}

// Listen creates the management socket at path, replacing a stale one.
// Access control happens per request, so the socket is world accessible.
func Listen(path string) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts sessions on ln until ctx is cancelled. Open sessions are
// closed, releasing their handles, before Serve returns.
func (s *Server) Serve(ctx context.Context, ln *net.UnixListener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("Serving management sessions", "addr", ln.Addr())
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept session: %w", err)
		}

		caller, err := s.credentials(conn)
		if err != nil {
			s.logger.Warn("Rejecting session", "error", err)
			_ = conn.Close()
			continue
		}

		sess := newSession(s.svc, newFrameConn(conn), caller, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}
}
