package libvirt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/logging"
)

// MinLibVersion is the oldest libvirt release with vhost-vsock devices
// (4.4.0), encoded as major*1000000 + minor*1000 + micro.
const MinLibVersion uint64 = 4004000

// Conn is a checked connection to the local libvirt daemon.
type Conn struct {
	mu      sync.Mutex
	l       *libvirt.Libvirt
	version uint64
}

// Dial connects to the libvirt socket and verifies the daemon is recent
// enough to run kiln VMs. The returned Conn must be closed.
//
// An empty socketPath means the qemu:///system socket. A zero timeout means
// config.DefaultLibvirtTimeout.
func Dial(ctx context.Context, socketPath string, timeout time.Duration, logger *slog.Logger) (*Conn, error) {
	logger = logging.Ensure(logger)
	if socketPath == "" {
		socketPath = config.DefaultLibvirtSocket
	}
	if timeout == 0 {
		timeout = config.DefaultLibvirtTimeout
	}

	type result struct {
		l   *libvirt.Libvirt
		err error
	}
	done := make(chan result, 1)
	go func() {
		l := libvirt.NewWithDialer(dialers.NewLocal(
			dialers.WithSocket(socketPath),
			dialers.WithLocalTimeout(timeout),
		))
		done <- result{l: l, err: l.Connect()}
	}()

	var res result
	select {
	case <-ctx.Done():
		// Disconnect the late connection, if any.
		go func() {
			if res := <-done; res.err == nil {
				_ = res.l.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connection to %s cancelled: %w", socketPath, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, res.err)
	}

	c := &Conn{l: res.l}
	version, err := c.Ping()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := checkLibVersion(version); err != nil {
		_ = c.Close()
		return nil, err
	}
	logger.Info("Connected to libvirt", "socket", socketPath, "version", formatLibVersion(version))
	return c, nil
}

// Libvirt returns the underlying go-libvirt client, which satisfies the
// Client interface of this package and the one of internal/metadata.
func (c *Conn) Libvirt() *libvirt.Libvirt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l
}

// Ping asks the daemon for its version, confirming the connection is alive.
func (c *Conn) Ping() (uint64, error) {
	c.mu.Lock()
	l := c.l
	c.mu.Unlock()
	if l == nil {
		return 0, fmt.Errorf("libvirt connection closed")
	}
	v, err := l.ConnectGetLibVersion()
	if err != nil {
		return 0, fmt.Errorf("libvirt connection is dead: %w", err)
	}
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
	return v, nil
}

// Version is the daemon version seen by the last successful Ping.
func (c *Conn) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return formatLibVersion(c.version)
}

// Close disconnects. Calling it again is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	l := c.l
	c.l = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

func checkLibVersion(v uint64) error {
	if v < MinLibVersion {
		return fmt.Errorf("libvirt %s is too old, need at least %s",
			formatLibVersion(v), formatLibVersion(MinLibVersion))
	}
	return nil
}

func formatLibVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, v/1000%1000, v%1000)
}
