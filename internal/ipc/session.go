package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/registry"
	"github.com/jbweber/kiln/internal/service"
)

// pushTimeout bounds the write of one event to a client.
const pushTimeout = 5 * time.Second

// session is one client connection.
type session struct {
	svc         *service.Service
	fc          *frameConn
	caller      service.Caller
	logger      *slog.Logger
	pushTimeout time.Duration

	mu        sync.Mutex
	handles   map[uint32]*registry.Handle
	listeners map[uint32]string
	closed    bool
}

func newSession(svc *service.Service, fc *frameConn, caller service.Caller, logger *slog.Logger) *session {
	return &session{
		svc:         svc,
		fc:          fc,
		caller:      caller,
		logger:      logger.With("uid", caller.UID, "pid", caller.PID),
		pushTimeout: pushTimeout,
		handles:     make(map[uint32]*registry.Handle),
		listeners:   make(map[uint32]string),
	}
}

// run serves requests until the connection or ctx ends, then releases
// everything the session holds.
func (s *session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.fc.conn.Close() })
	defer stop()
	defer s.close()

	s.logger.Debug("Session opened")
	for {
		frame, err := s.fc.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Session read failed", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			s.logger.Warn("Dropping session after malformed frame", "error", err)
			return
		}
		files, err := s.takeFiles(req)
		var (
			result any
			out    []*os.File
		)
		if err == nil {
			result, out, err = s.dispatch(ctx, req, files)
		}
		closeAll(files)

		resp := Response{ID: req.ID, Files: len(out)}
		if err != nil {
			resp.Code = v1.CodeOf(err)
			resp.Error = err.Error()
		} else if result != nil {
			resp.Result, err = json.Marshal(result)
			if err != nil {
				resp = Response{ID: req.ID, Code: v1.CodeInternal, Error: err.Error()}
				closeAll(out)
				out = nil
			}
		}
		werr := s.fc.writeFrame(resp, out...)
		closeAll(out)
		if werr != nil {
			s.logger.Warn("Session write failed", "error", werr)
			return
		}
	}
}

func (s *session) takeFiles(req Request) ([]*os.File, error) {
	files := make([]*os.File, 0, req.Files)
	for i := 0; i < req.Files; i++ {
		f, err := s.fc.takeFile(fmt.Sprintf("%s-file-%d", req.Method, i))
		if err != nil {
			closeAll(files)
			return nil, v1.Errorf(v1.CodeIllegalArgument, "request announced %d files: %w", req.Files, err)
		}
		files = append(files, f)
	}
	return files, nil
}

// close drops the session's listeners and handles.
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	handles := s.handles
	listeners := s.listeners
	s.handles = nil
	s.listeners = nil
	s.mu.Unlock()

	for cid, id := range listeners {
		if h, ok := handles[cid]; ok {
			h.Instance().Callbacks().Remove(id)
		}
	}
	for _, h := range handles {
		h.Release()
	}
	_ = s.fc.Close()
	s.logger.Debug("Session closed", "released", len(handles))
}

// hold adopts h. A second handle to a VM already held is released.
func (s *session) hold(h *registry.Handle) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Release()
		return
	}
	if _, ok := s.handles[h.CID()]; ok {
		s.mu.Unlock()
		h.Release()
		return
	}
	s.handles[h.CID()] = h
	s.mu.Unlock()
}

func (s *session) handle(cid uint32) (*registry.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[cid]
	if !ok {
		return nil, v1.Errorf(v1.CodeIllegalArgument, "session holds no handle to VM %d", cid)
	}
	return h, nil
}

func decode(req Request, v any) error {
	if err := json.Unmarshal(req.Params, v); err != nil {
		return v1.Errorf(v1.CodeIllegalArgument, "invalid params for %s: %w", req.Method, err)
	}
	return nil
}

func fileAt(files []*os.File, i int) (*os.File, error) {
	if i >= len(files) {
		return nil, v1.Errorf(v1.CodeIllegalArgument, "missing file %d", i)
	}
	return files[i], nil
}

func (s *session) dispatch(ctx context.Context, req Request, files []*os.File) (any, []*os.File, error) {
	switch req.Method {
	case MethodCreateVM:
		var p CreateVMParams
		if err := decode(req, &p); err != nil {
			return nil, nil, err
		}
		var console, log *os.File
		next := 0
		if p.Console {
			console, _ = fileAt(files, next)
			next++
		}
		if p.Log {
			log, _ = fileAt(files, next)
		}
		if p.Config != nil {
			p.Config.Normalize()
		}
		h, err := s.svc.CreateVM(ctx, s.caller, p.Config, console, log)
		if err != nil {
			return nil, nil, err
		}
		s.hold(h)
		return CIDResult{CID: h.CID()}, nil, nil

	case MethodStart, MethodStop, MethodState, MethodRelease, MethodRegisterCallback, MethodDebugHoldRef:
		var p CIDParams
		if err := decode(req, &p); err != nil {
			return nil, nil, err
		}
		h, err := s.handle(p.CID)
		if err != nil {
			return nil, nil, err
		}
		return s.handleOp(ctx, req.Method, h)

	case MethodConnect:
		var p ConnectParams
		if err := decode(req, &p); err != nil {
			return nil, nil, err
		}
		h, err := s.handle(p.CID)
		if err != nil {
			return nil, nil, err
		}
		conn, err := h.Instance().Connect(p.Port)
		if err != nil {
			return nil, nil, err
		}
		defer conn.Close()
		f, err := streamFile(conn)
		if err != nil {
			return nil, nil, v1.WithCode(v1.CodeInternal, err)
		}
		return nil, []*os.File{f}, nil

	case MethodInitializeWritablePartition:
		var p PartitionParams
		if err := decode(req, &p); err != nil {
			return nil, nil, err
		}
		image, err := fileAt(files, 0)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, s.svc.InitializeWritablePartition(s.caller, image, p.Size, p.Type)

	case MethodCreateOrUpdateSignatureFile:
		input, err := fileAt(files, 0)
		if err != nil {
			return nil, nil, err
		}
		out, err := fileAt(files, 1)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, s.svc.CreateOrUpdateSignatureFile(s.caller, input, out)

	case MethodListVMs:
		infos, err := s.svc.ListVMs(s.caller)
		return infos, nil, err

	case MethodDebugDropRef:
		var p CIDParams
		if err := decode(req, &p); err != nil {
			return nil, nil, err
		}
		h, err := s.svc.DebugDropRef(s.caller, p.CID)
		if err != nil {
			return nil, nil, err
		}
		if h == nil {
			return DropResult{}, nil, nil
		}
		s.hold(h)
		return DropResult{Found: true}, nil, nil

	case MethodDump:
		var buf bytes.Buffer
		if err := s.svc.Dump(s.caller, &buf); err != nil {
			return nil, nil, err
		}
		return DumpResult{Text: buf.String()}, nil, nil
	}
	return nil, nil, v1.Errorf(v1.CodeIllegalArgument, "unknown method %q", req.Method)
}

// handleOp runs an operation on a handle the session holds.
func (s *session) handleOp(ctx context.Context, method string, h *registry.Handle) (any, []*os.File, error) {
	inst := h.Instance()
	switch method {
	case MethodStart:
		return nil, nil, inst.Start(ctx)
	case MethodStop:
		return nil, nil, inst.Kill()
	case MethodState:
		return StateResult{State: inst.State()}, nil, nil
	case MethodRelease:
		s.mu.Lock()
		delete(s.handles, h.CID())
		id, ok := s.listeners[h.CID()]
		delete(s.listeners, h.CID())
		s.mu.Unlock()
		if ok {
			inst.Callbacks().Remove(id)
		}
		h.Release()
		return nil, nil, nil
	case MethodRegisterCallback:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[h.CID()]; !ok {
			s.listeners[h.CID()] = inst.Callbacks().Add(s.listener())
		}
		return nil, nil, nil
	case MethodDebugHoldRef:
		return nil, nil, s.svc.DebugHoldRef(s.caller, h)
	}
	return nil, nil, v1.Errorf(v1.CodeIllegalArgument, "unknown method %q", method)
}

// push sends an event to the client. Events are written from callback
// fan-out, so a client that stops reading is disconnected rather than
// waited on.
func (s *session) push(ev Event, files ...*os.File) error {
	err := s.fc.writeFrameWithin(s.pushTimeout, Response{Event: &ev, Files: len(files)}, files...)
	if err != nil {
		s.logger.Warn("Dropping client that is not reading events", "cid", ev.CID, "error", err)
		_ = s.fc.conn.Close()
	}
	return err
}

// listener forwards VM callbacks to the client.
func (s *session) listener() callback.Listener {
	return callback.Funcs{
		PayloadStarted: func(cid uint32) error {
			return s.push(Event{CID: cid, Kind: EventPayloadStarted})
		},
		PayloadReady: func(cid uint32) error {
			return s.push(Event{CID: cid, Kind: EventPayloadReady})
		},
		PayloadFinished: func(cid uint32, exitCode int32) error {
			return s.push(Event{CID: cid, Kind: EventPayloadFinished, ExitCode: exitCode})
		},
		Error: func(cid uint32, code v1.ErrorCode, message string) error {
			return s.push(Event{CID: cid, Kind: EventError, ErrorCode: code, Message: message})
		},
		Died: func(cid uint32, reason v1.DeathReason) error {
			return s.push(Event{CID: cid, Kind: EventDied, Reason: reason})
		},
		Ramdump: func(cid uint32, ramdump io.Reader) error {
			n, err := io.Copy(io.Discard, ramdump)
			if err != nil {
				return fmt.Errorf("failed to read ramdump: %w", err)
			}
			return s.push(Event{CID: cid, Kind: EventRamdump, Size: n})
		},
		Stdio: func(cid uint32, stream io.ReadWriteCloser) error {
			f, err := streamFile(stream)
			if err != nil {
				return err
			}
			defer f.Close()
			return s.push(Event{CID: cid, Kind: EventStdio}, f)
		},
	}
}

// streamFile duplicates the descriptor behind a socket stream.
func streamFile(stream any) (*os.File, error) {
	sc, ok := stream.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("stream %T has no file descriptor", stream)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to access stream: %w", err)
	}
	var (
		fd     int
		dupErr error
	)
	if err := raw.Control(func(sfd uintptr) {
		fd, dupErr = unix.FcntlInt(sfd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, fmt.Errorf("failed to access stream: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("failed to duplicate stream: %w", dupErr)
	}
	return os.NewFile(uintptr(fd), "stream"), nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
