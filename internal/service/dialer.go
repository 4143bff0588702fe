package service

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// VsockDialer connects to ports inside guests over vsock.
type VsockDialer struct{}

// Dial opens a stream to port on the guest with the given CID.
func (VsockDialer) Dial(cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial vsock %d:%d: %w", cid, port, err)
	}
	return conn, nil
}

// ListenVsock listens for guest connections on port.
func ListenVsock(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on vsock port %d: %w", port, err)
	}
	return ln, nil
}
