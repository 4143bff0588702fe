package instance

import (
	"context"
	"net"
	"sync"

	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

// fakeProcess is a vmm.Process driven by the test.
type fakeProcess struct {
	mu sync.Mutex

	events    chan vmm.Event
	once      sync.Once
	killCalls int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan vmm.Event, 8)}
}

func (p *fakeProcess) Events() <-chan vmm.Event {
	return p.events
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killCalls++
	p.mu.Unlock()
	p.exit(status.ExitUnknown)
	return nil
}

// send delivers a non-exit event.
func (p *fakeProcess) send(kind vmm.EventKind) {
	p.events <- vmm.Event{Kind: kind}
}

// exit ends the process once.
func (p *fakeProcess) exit(e status.Exit) {
	p.once.Do(func() {
		p.events <- vmm.Event{Kind: vmm.EventExited, Exit: e}
		close(p.events)
	})
}

func (p *fakeProcess) KillCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCalls
}

// mockLauncher records launches and returns fake processes.
type mockLauncher struct {
	mu sync.Mutex

	launchFunc func(ctx context.Context, cfg vmm.LaunchConfig) (vmm.Process, error)
	launches   []vmm.LaunchConfig
	processes  []*fakeProcess
}

func (m *mockLauncher) Launch(ctx context.Context, cfg vmm.LaunchConfig) (vmm.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches = append(m.launches, cfg)
	if m.launchFunc != nil {
		return m.launchFunc(ctx, cfg)
	}
	p := newFakeProcess()
	m.processes = append(m.processes, p)
	return p, nil
}

func (m *mockLauncher) process(i int) *fakeProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[i]
}

// mockDialer returns one end of a pipe per dial.
type mockDialer struct {
	mu sync.Mutex

	dialCalls []uint32
	peers     []net.Conn
}

func (m *mockDialer) Dial(cid, port uint32) (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialCalls = append(m.dialCalls, port)
	local, remote := net.Pipe()
	m.peers = append(m.peers, remote)
	return local, nil
}
