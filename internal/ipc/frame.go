package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jbweber/kiln/internal/service"
)

const (
	// maxFrame bounds the size of one JSON frame.
	maxFrame = 4 << 20

	// maxFDs bounds the files attached to one read.
	maxFDs = 8

	readChunk = 64 << 10
)

// ErrNoFile is returned when a frame announces a file it did not carry.
var ErrNoFile = errors.New("frame carries no file")

// frameConn reads and writes newline delimited JSON frames with optional
// SCM_RIGHTS attachments. Reads must come from one goroutine; writes may
// come from many.
type frameConn struct {
	conn *net.UnixConn

	buf []byte
	fds []int

	wmu sync.Mutex
}

func newFrameConn(conn *net.UnixConn) *frameConn {
	return &frameConn{conn: conn}
}

// readFrame returns the next frame. Files received with it are queued for
// takeFile.
func (c *frameConn) readFrame() ([]byte, error) {
	chunk := make([]byte, readChunk)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			frame := append([]byte(nil), c.buf[:i]...)
			c.buf = c.buf[i+1:]
			return frame, nil
		}
		if len(c.buf) > maxFrame {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrame)
		}

		n, oobn, _, _, err := c.conn.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			fds, perr := parseRights(oob[:oobn])
			c.fds = append(c.fds, fds...)
			if perr != nil {
				return nil, perr
			}
		}
		c.buf = append(c.buf, chunk[:n]...)
		if err != nil {
			return nil, err
		}
		if n == 0 && oobn == 0 {
			return nil, io.EOF
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	var out []int
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		out = append(out, fds...)
	}
	return out, nil
}

// takeFile pops the oldest received file.
func (c *frameConn) takeFile(name string) (*os.File, error) {
	if len(c.fds) == 0 {
		return nil, ErrNoFile
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return os.NewFile(uintptr(fd), name), nil
}

// closeFiles closes every received file nobody took.
func (c *frameConn) closeFiles() {
	for _, fd := range c.fds {
		_ = unix.Close(fd)
	}
	c.fds = nil
}

// writeFrame encodes v as one frame, attaching files.
func (c *frameConn) writeFrame(v any, files ...*os.File) error {
	return c.write(time.Time{}, v, files...)
}

// writeFrameWithin is writeFrame failing once timeout passes. A frame cut
// short by the timeout leaves the stream unusable.
func (c *frameConn) writeFrameWithin(timeout time.Duration, v any, files ...*os.File) error {
	return c.write(time.Now().Add(timeout), v, files...)
}

func (c *frameConn) write(deadline time.Time, v any, files ...*os.File) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data = append(data, '\n')

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !deadline.IsZero() {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	n, _, err := c.conn.WriteMsgUnix(data, oob, nil)
	runtime.KeepAlive(files)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if n < len(data) {
		if _, err := c.conn.Write(data[n:]); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}
	return nil
}

func (c *frameConn) Close() error {
	c.closeFiles()
	return c.conn.Close()
}

// PeerCredentials returns the UID and PID of the process on the other end
// of conn.
func PeerCredentials(conn *net.UnixConn) (service.Caller, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return service.Caller{}, fmt.Errorf("failed to access socket: %w", err)
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return service.Caller{}, fmt.Errorf("failed to access socket: %w", err)
	}
	if credErr != nil {
		return service.Caller{}, fmt.Errorf("failed to read peer credentials: %w", credErr)
	}
	return service.Caller{UID: cred.Uid, PID: cred.Pid}, nil
}
