package service

import (
	"context"
	"net"
	"sync"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

// fakeProcess is a vmm.Process driven by the test.
type fakeProcess struct {
	events chan vmm.Event
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan vmm.Event, 8)}
}

func (p *fakeProcess) Events() <-chan vmm.Event {
	return p.events
}

func (p *fakeProcess) Kill() error {
	p.exit(status.ExitKilled)
	return nil
}

func (p *fakeProcess) exit(e status.Exit) {
	p.once.Do(func() {
		p.events <- vmm.Event{Kind: vmm.EventExited, Exit: e}
		close(p.events)
	})
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

// mockAssembler records the descriptors it is asked to assemble.
type mockAssembler struct {
	mu sync.Mutex

	assembleFunc func(desc disk.Descriptor, dir string, next *uint64) (*disk.Backing, error)
	calls        []disk.Descriptor
}

func (m *mockAssembler) Assemble(desc disk.Descriptor, dir string, next *uint64) (*disk.Backing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, desc)
	if m.assembleFunc != nil {
		return m.assembleFunc(desc, dir, next)
	}
	if desc.Image != nil {
		return &disk.Backing{Path: desc.Image.Name(), Writable: desc.Writable}, nil
	}
	*next++
	return &disk.Backing{Path: dir, Composite: true, Writable: desc.Writable}, nil
}

// labels returns the partition labels of the i-th assembled disk.
func (m *mockAssembler) labels(i int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.calls[i].Partitions {
		out = append(out, p.Label)
	}
	return out
}

// mockValidator records validations.
type mockValidator struct {
	mu sync.Mutex

	validateFunc func(disks []disk.Descriptor, isAppConfig bool) error
	calls        int
	lastIsApp    bool
}

func (m *mockValidator) ValidateDisks(disks []disk.Descriptor, isAppConfig bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastIsApp = isAppConfig
	if m.validateFunc != nil {
		return m.validateFunc(disks, isAppConfig)
	}
	return nil
}

// mockRecorder records creations and state changes.
type mockRecorder struct {
	mu sync.Mutex

	creates      []createRecord
	stateChanges int
}

type createRecord struct {
	cid       uint32
	protected bool
	err       error
}

func (m *mockRecorder) ObserveCreate(cid uint32, protected bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, createRecord{cid: cid, protected: protected, err: err})
}

func (m *mockRecorder) StateChanged(*instance.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanges++
}

// mockDialer returns one end of a pipe per dial.
type mockDialer struct {
	mu sync.Mutex

	peers []net.Conn
}

func (m *mockDialer) Dial(cid, port uint32) (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	local, remote := net.Pipe()
	m.peers = append(m.peers, remote)
	return local, nil
}
