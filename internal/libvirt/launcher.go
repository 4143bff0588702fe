package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

// libvirt domain states (virDomainState).
const (
	domainStateRunning = 1
	domainStateShutoff = 5
	domainStateCrashed = 6
)

// libvirt shutoff reasons (virDomainShutoffReason).
const (
	shutoffShutdown  = 1
	shutoffDestroyed = 2
	shutoffCrashed   = 3
	shutoffFailed    = 6
)

const (
	// DefaultPollInterval is how often a running domain's state is checked.
	DefaultPollInterval = time.Second

	relayDialAttempts = 20
	relayDialDelay    = 50 * time.Millisecond
)

// Client defines the libvirt operations needed to run VMs.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type Client interface {
	metadata.Client

	// DomainDefineXML defines a domain from XML
	DomainDefineXML(xml string) (libvirt.Domain, error)

	// DomainCreate starts a domain
	DomainCreate(dom libvirt.Domain) error

	// DomainGetState gets the state of a domain
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)

	// DomainDestroy force-stops a domain
	DomainDestroy(dom libvirt.Domain) error

	// DomainUndefineFlags undefines a domain
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error

	// DomainCoreDump dumps the guest memory of a domain to a file
	DomainCoreDump(dom libvirt.Domain, to string, flags libvirt.DomainCoreDumpFlags) error
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	// DaemonID is recorded on every domain so orphans can be recognized
	// after a restart.
	DaemonID string

	// PollInterval is how often domain state is checked. Zero selects
	// DefaultPollInterval.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Launcher runs VMs as transient libvirt domains. It satisfies
// vmm.Launcher.
type Launcher struct {
	client       Client
	daemonID     string
	pollInterval time.Duration
	logger       *slog.Logger

	// chown hands scratch files to the QEMU user.
	chown func(paths ...string) error
	// dial connects to a serial port socket.
	dial func(path string) (net.Conn, error)
}

// NewLauncher creates a launcher using client.
func NewLauncher(client Client, cfg LauncherConfig) *Launcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	l := &Launcher{
		client:       client,
		daemonID:     cfg.DaemonID,
		pollInterval: interval,
		logger:       logging.Ensure(cfg.Logger),
		dial: func(path string) (net.Conn, error) {
			return net.Dial("unix", path)
		},
	}
	l.chown = l.chownToQEMU
	return l
}

func (l *Launcher) chownToQEMU(paths ...string) error {
	uid, gid, err := QEMUUserGroup()
	if err != nil {
		l.logger.Warn("Using fallback QEMU user", "error", err)
	}
	return chownPaths(uid, gid, paths...)
}

// Launch defines and starts a domain for cfg.
func (l *Launcher) Launch(ctx context.Context, cfg vmm.LaunchConfig) (vmm.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch cancelled: %w", err)
	}

	logger := l.logger.With("cid", cfg.CID)

	// Step 1: Make the scratch directory usable by QEMU
	paths := []string{cfg.ScratchDir}
	if cfg.Ramdump != "" {
		paths = append(paths, cfg.Ramdump)
	}
	if err := l.chown(paths...); err != nil {
		return nil, fmt.Errorf("failed to prepare scratch directory: %w", err)
	}

	// Step 2: Generate domain XML
	logger.Debug("Generating domain XML...")
	xml, err := GenerateDomainXML(cfg, uuid.New())
	if err != nil {
		return nil, fmt.Errorf("failed to generate domain XML: %w", err)
	}

	// Step 3: Check the disk files libvirt will open are the held ones
	if err := disk.VerifyAll(cfg.Disks); err != nil {
		return nil, fmt.Errorf("refusing to launch: %w", err)
	}

	// Step 4: Define domain
	logger.Debug("Defining domain...")
	dom, err := l.client.DomainDefineXML(xml)
	if err != nil {
		return nil, fmt.Errorf("failed to define domain: %w", err)
	}

	// Step 5: Record ownership
	owner := &metadata.Ownership{
		Daemon:     l.daemonID,
		CID:        cfg.CID,
		Name:       cfg.Name,
		ScratchDir: cfg.ScratchDir,
		Created:    time.Now().UTC(),
	}
	if err := metadata.Store(l.client, dom, owner); err != nil {
		l.undefine(logger, dom)
		return nil, fmt.Errorf("failed to store domain metadata: %w", err)
	}

	// Step 6: Start domain
	logger.Info("Starting domain...", "domain", dom.Name)
	if err := l.client.DomainCreate(dom); err != nil {
		l.undefine(logger, dom)
		return nil, fmt.Errorf("failed to start domain: %w", err)
	}

	p := &process{
		client:   l.client,
		dom:      dom,
		ramdump:  cfg.Ramdump,
		interval: l.pollInterval,
		logger:   logger,
		events:   make(chan vmm.Event, 4),
		done:     make(chan struct{}),
	}
	if cfg.Console != nil {
		go p.relay(l.dial, naming.ConsoleSocket(cfg.ScratchDir), cfg.Console)
	}
	if cfg.Log != nil {
		go p.relay(l.dial, naming.LogSocket(cfg.ScratchDir), cfg.Log)
	}
	go p.watch()

	return p, nil
}

func (l *Launcher) undefine(logger *slog.Logger, dom libvirt.Domain) {
	if err := l.client.DomainUndefineFlags(dom, 0); err != nil {
		logger.Warn("Failed to undefine domain", "domain", dom.Name, "error", err)
	}
}

// process is a running libvirt domain.
type process struct {
	client   Client
	dom      libvirt.Domain
	ramdump  string
	interval time.Duration
	logger   *slog.Logger

	events chan vmm.Event
	done   chan struct{}

	mu     sync.Mutex
	conns  []net.Conn
	exited bool
}

func (p *process) Events() <-chan vmm.Event {
	return p.events
}

// Kill destroys the domain. The exit is reported through Events.
func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.client.DomainDestroy(p.dom); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("failed to destroy domain %s: %w", p.dom.Name, err)
	}
	return nil
}

// watch polls the domain until it stops, then cleans it up and reports the
// exit.
func (p *process) watch() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var exit status.Exit
	for {
		state, reason, err := p.client.DomainGetState(p.dom, 0)
		if err != nil {
			p.logger.Error("Failed to get domain state", "domain", p.dom.Name, "error", err)
			exit = status.ExitInfrastructure
			break
		}
		if stopped, e := p.observe(state, reason); stopped {
			exit = e
			break
		}
		<-ticker.C
	}

	p.cleanup()
	p.events <- vmm.Event{Kind: vmm.EventExited, Exit: exit}
	close(p.events)
	close(p.done)
}

// observe interprets one domain state. It reports whether the domain has
// stopped and, if so, why.
func (p *process) observe(state, reason int32) (bool, status.Exit) {
	switch state {
	case domainStateShutoff:
		return true, exitForShutoff(reason)
	case domainStateCrashed:
		p.dumpMemory()
		if err := p.client.DomainDestroy(p.dom); err != nil {
			p.logger.Warn("Failed to destroy crashed domain", "domain", p.dom.Name, "error", err)
		}
		return true, status.ExitCrash
	default:
		return false, status.ExitUnknown
	}
}

// dumpMemory writes the guest memory of a crashed domain to the ramdump
// file and reports it.
func (p *process) dumpMemory() {
	if p.ramdump == "" {
		return
	}
	if err := p.client.DomainCoreDump(p.dom, p.ramdump, libvirt.DumpMemoryOnly); err != nil {
		p.logger.Warn("Failed to dump guest memory", "domain", p.dom.Name, "error", err)
		return
	}
	p.events <- vmm.Event{Kind: vmm.EventRamdump}
}

func exitForShutoff(reason int32) status.Exit {
	switch reason {
	case shutoffShutdown:
		return status.ExitShutdown
	case shutoffDestroyed:
		return status.ExitKilled
	case shutoffCrashed:
		return status.ExitCrash
	case shutoffFailed:
		return status.ExitError
	default:
		return status.ExitUnknown
	}
}

// cleanup undefines the domain and stops the serial relays.
func (p *process) cleanup() {
	if err := p.client.DomainUndefineFlags(p.dom, 0); err != nil {
		p.logger.Warn("Failed to undefine domain", "domain", p.dom.Name, "error", err)
	}

	p.mu.Lock()
	p.exited = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// relay copies a serial port socket into dst until the domain exits.
func (p *process) relay(dial func(string) (net.Conn, error), path string, dst *os.File) {
	var conn net.Conn
	var err error
	for attempt := 0; attempt < relayDialAttempts; attempt++ {
		conn, err = dial(path)
		if err == nil {
			break
		}
		select {
		case <-p.done:
			return
		case <-time.After(relayDialDelay):
		}
	}
	if err != nil {
		p.logger.Warn("Failed to connect to serial port", "path", path, "error", err)
		return
	}

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.conns = append(p.conns, conn)
	p.mu.Unlock()

	if _, err := io.Copy(dst, conn); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("Serial relay stopped", "path", path, "error", err)
	}
}
