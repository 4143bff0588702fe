package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/naming"
)

const (
	// tombstoneChunk is the size of the reads copying a tombstone to disk.
	tombstoneChunk = 1024

	// MaxTombstoneSize bounds one stored tombstone. Longer ones are cut.
	MaxTombstoneSize = 8 << 20
)

// TombstoneReceiver stores the crash dumps guests stream to the host. Each
// connection carries one tombstone.
type TombstoneReceiver struct {
	dir     string
	peerCID PeerCIDFunc
	maxSize int64
	now     func() time.Time
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewTombstoneReceiver creates a receiver writing into dir. A nil peerCID
// reads vsock addresses.
func NewTombstoneReceiver(dir string, peerCID PeerCIDFunc, logger *slog.Logger) *TombstoneReceiver {
	if peerCID == nil {
		peerCID = VsockPeerCID
	}
	return &TombstoneReceiver{
		dir:     dir,
		peerCID: peerCID,
		maxSize: MaxTombstoneSize,
		now:     time.Now,
		logger:  logging.Ensure(logger),
	}
}

// Serve accepts tombstone connections on ln until ctx is cancelled.
func (t *TombstoneReceiver) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer t.wg.Wait()

	if err := os.MkdirAll(t.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create tombstone directory: %w", err)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept tombstone connection: %w", err)
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			defer conn.Close()
			path, err := t.receive(conn)
			if err != nil {
				t.logger.Error("Failed to receive tombstone", "remote", conn.RemoteAddr(), "error", err)
				return
			}
			t.logger.Info("Received tombstone", "path", path)
		}()
	}
}

// receive copies one tombstone from conn and returns the file it wrote.
func (t *TombstoneReceiver) receive(conn net.Conn) (string, error) {
	cid, err := t.peerCID(conn.RemoteAddr())
	if err != nil {
		return "", err
	}

	path := filepath.Join(t.dir, naming.Tombstone(cid, t.now()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create tombstone file: %w", err)
	}

	buf := make([]byte, tombstoneChunk)
	n, copyErr := io.CopyBuffer(f, onlyReader{io.LimitReader(conn, t.maxSize+1)}, buf)
	if copyErr == nil && n > t.maxSize {
		t.logger.Warn("Tombstone too large, truncated", "cid", cid, "path", path, "limit", t.maxSize)
		copyErr = f.Truncate(t.maxSize)
	}
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return path, fmt.Errorf("failed to write tombstone %s: %w", path, err)
	}
	return path, nil
}

// onlyReader hides WriterTo so CopyBuffer uses the chunk buffer.
type onlyReader struct {
	io.Reader
}
