package libvirt

import (
	"errors"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockClient is a Client simulating one domain at a time.
type mockClient struct {
	mu sync.Mutex

	// For controlling behavior
	defineXMLFunc   func(xml string) (libvirt.Domain, error)
	createFunc      func(dom libvirt.Domain) error
	getStateFunc    func(dom libvirt.Domain) (int32, int32, error)
	coreDumpFunc    func(dom libvirt.Domain, to string) error
	setMetadataFunc func() error

	// Simulated domain state
	state  int32
	reason int32

	// For verification
	definedXML    []string
	createCalls   int
	destroyCalls  int
	undefineCalls int
	coreDumps     []string
	metadata      string
}

func newMockClient() *mockClient {
	return &mockClient{state: domainStateRunning}
}

func (m *mockClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definedXML = append(m.definedXML, xml)
	if m.defineXMLFunc != nil {
		return m.defineXMLFunc(xml)
	}
	return m.domain(), nil
}

func (m *mockClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createFunc != nil {
		return m.createFunc(dom)
	}
	return nil
}

func (m *mockClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getStateFunc != nil {
		return m.getStateFunc(dom)
	}
	return m.state, m.reason, nil
}

func (m *mockClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls++
	if m.state == domainStateShutoff {
		return errors.New("domain is not running")
	}
	m.state, m.reason = domainStateShutoff, shutoffDestroyed
	return nil
}

func (m *mockClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undefineCalls++
	return nil
}

func (m *mockClient) DomainCoreDump(dom libvirt.Domain, to string, flags libvirt.DomainCoreDumpFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coreDumps = append(m.coreDumps, to)
	if m.coreDumpFunc != nil {
		return m.coreDumpFunc(dom, to)
	}
	return nil
}

func (m *mockClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setMetadataFunc != nil {
		if err := m.setMetadataFunc(); err != nil {
			return err
		}
	}
	if len(metadata) > 0 {
		m.metadata = metadata[0]
	}
	return nil
}

func (m *mockClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metadata == "" {
		return "", errors.New("metadata not found")
	}
	return m.metadata, nil
}

// domain returns the domain the mock hands out.
func (m *mockClient) domain() libvirt.Domain {
	return libvirt.Domain{Name: "kiln-test"}
}

// setState changes the simulated domain state.
func (m *mockClient) setState(state, reason int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.reason = state, reason
}

func (m *mockClient) counts() (create, destroy, undefine int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.destroyCalls, m.undefineCalls
}
