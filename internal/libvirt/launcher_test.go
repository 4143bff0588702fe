package libvirt

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

func newTestLauncher(client Client) (*Launcher, *[]string) {
	l := NewLauncher(client, LauncherConfig{
		DaemonID:     "daemon-1",
		PollInterval: time.Millisecond,
		Logger:       logging.Discard(),
	})
	var chowned []string
	l.chown = func(paths ...string) error {
		chowned = append(chowned, paths...)
		return nil
	}
	return l, &chowned
}

func testLaunchConfig(t *testing.T) vmm.LaunchConfig {
	dir := t.TempDir()
	return vmm.LaunchConfig{
		CID:        42,
		Name:       "launch-test",
		ScratchDir: dir,
		Kernel:     "/images/kernel",
		Ramdump:    naming.Ramdump(dir),
	}
}

// waitExit drains events until the process exits.
func waitExit(t *testing.T, p vmm.Process) []vmm.Event {
	t.Helper()
	var events []vmm.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for process exit")
		}
	}
}

func lastExit(t *testing.T, events []vmm.Event) status.Exit {
	t.Helper()
	if len(events) == 0 || events[len(events)-1].Kind != vmm.EventExited {
		t.Fatalf("events = %+v, want trailing exit", events)
	}
	return events[len(events)-1].Exit
}

func TestLaunch_Success(t *testing.T) {
	client := newMockClient()
	l, chowned := newTestLauncher(client)
	cfg := testLaunchConfig(t)

	p, err := l.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	if len(*chowned) != 2 || (*chowned)[0] != cfg.ScratchDir || (*chowned)[1] != cfg.Ramdump {
		t.Errorf("chowned = %v", *chowned)
	}
	if len(client.definedXML) != 1 || !strings.Contains(client.definedXML[0], "kiln-42") {
		t.Errorf("unexpected defined XML: %v", client.definedXML)
	}

	owner, err := metadata.Load(client, client.domain())
	if err != nil {
		t.Fatalf("metadata.Load() error = %v", err)
	}
	if owner.Daemon != "daemon-1" || owner.CID != 42 || owner.ScratchDir != cfg.ScratchDir {
		t.Errorf("owner = %+v", owner)
	}

	client.setState(domainStateShutoff, shutoffShutdown)
	if got := lastExit(t, waitExit(t, p)); got != status.ExitShutdown {
		t.Errorf("exit = %v, want shutdown", got)
	}
	if _, _, undefine := client.counts(); undefine != 1 {
		t.Errorf("undefine calls = %d, want 1", undefine)
	}
}

func TestLaunch_Failures(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(m *mockClient)
		wantErr      string
		wantUndefine int
	}{
		{
			name: "define fails",
			setup: func(m *mockClient) {
				m.defineXMLFunc = func(string) (libvirt.Domain, error) { return libvirt.Domain{}, errors.New("invalid XML") }
			},
			wantErr: "failed to define domain",
		},
		{
			name: "metadata fails",
			setup: func(m *mockClient) {
				m.setMetadataFunc = func() error { return errors.New("read-only") }
			},
			wantErr:      "failed to store domain metadata",
			wantUndefine: 1,
		},
		{
			name: "create fails",
			setup: func(m *mockClient) {
				m.createFunc = func(libvirt.Domain) error { return errors.New("no KVM") }
			},
			wantErr:      "failed to start domain",
			wantUndefine: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			tt.setup(client)
			l, _ := newTestLauncher(client)

			_, err := l.Launch(context.Background(), testLaunchConfig(t))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Launch() error = %v, want %q", err, tt.wantErr)
			}
			if _, _, undefine := client.counts(); undefine != tt.wantUndefine {
				t.Errorf("undefine calls = %d, want %d", undefine, tt.wantUndefine)
			}
		})
	}
}

func TestLaunch_CancelledContext(t *testing.T) {
	client := newMockClient()
	l, _ := newTestLauncher(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Launch(ctx, testLaunchConfig(t)); err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if len(client.definedXML) != 0 {
		t.Error("no domain should be defined after cancellation")
	}
}

func TestLaunch_DiskReplacedAfterAssembly(t *testing.T) {
	client := newMockClient()
	l, _ := newTestLauncher(client)
	cfg := testLaunchConfig(t)
	b := assembleImage(t, cfg.ScratchDir, "os.img", false)
	cfg.Disks = []*disk.Backing{b}

	// Put a different file at the path libvirt would open.
	other := filepath.Join(t.TempDir(), "other.img")
	if err := os.WriteFile(other, []byte("untrusted"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(other, b.Path); err != nil {
		t.Fatalf("failed to replace %s: %v", b.Path, err)
	}

	_, err := l.Launch(context.Background(), cfg)
	if !v1.IsCode(err, v1.CodeUntrustedOrigin) {
		t.Fatalf("Launch() error = %v, want UntrustedOrigin", err)
	}
	if len(client.definedXML) != 0 {
		t.Error("no domain should be defined for a replaced disk")
	}
}

func TestLaunch_DiskSourceIsHeldFile(t *testing.T) {
	client := newMockClient()
	l, _ := newTestLauncher(client)
	cfg := testLaunchConfig(t)

	src := filepath.Join(cfg.ScratchDir, "os.img")
	b := assembleImage(t, cfg.ScratchDir, "os.img", false)
	cfg.Disks = []*disk.Backing{b}

	// Replacing the caller's path does not change what libvirt opens once
	// the file is held under its own link.
	if b.Path == src {
		t.Skip("hard links unavailable; the held path is the caller's path")
	}
	if err := os.WriteFile(src+".new", []byte("untrusted"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(src+".new", src); err != nil {
		t.Fatal(err)
	}

	p, err := l.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if len(client.definedXML) != 1 || !strings.Contains(client.definedXML[0], b.Path) {
		t.Errorf("domain XML should attach %s", b.Path)
	}

	client.setState(domainStateShutoff, shutoffShutdown)
	waitExit(t, p)
}

func TestLaunch_InvalidConfig(t *testing.T) {
	l, _ := newTestLauncher(newMockClient())
	cfg := testLaunchConfig(t)
	cfg.Kernel = ""
	if _, err := l.Launch(context.Background(), cfg); err == nil {
		t.Fatal("Expected error without kernel or bootloader")
	}
}

func TestProcess_Kill(t *testing.T) {
	client := newMockClient()
	l, _ := newTestLauncher(client)

	p, err := l.Launch(context.Background(), testLaunchConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if got := lastExit(t, waitExit(t, p)); got != status.ExitKilled {
		t.Errorf("exit = %v, want killed", got)
	}

	// Killing an exited process is not an error.
	if err := p.Kill(); err != nil {
		t.Errorf("Kill() after exit error = %v", err)
	}
}

func TestProcess_Crash(t *testing.T) {
	t.Run("ramdump reported", func(t *testing.T) {
		client := newMockClient()
		l, _ := newTestLauncher(client)
		cfg := testLaunchConfig(t)

		p, err := l.Launch(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		client.setState(domainStateCrashed, 1)

		events := waitExit(t, p)
		if got := lastExit(t, events); got != status.ExitCrash {
			t.Errorf("exit = %v, want crash", got)
		}
		if len(events) != 2 || events[0].Kind != vmm.EventRamdump {
			t.Errorf("events = %+v, want ramdump then exit", events)
		}
		if len(client.coreDumps) != 1 || client.coreDumps[0] != cfg.Ramdump {
			t.Errorf("core dumps = %v", client.coreDumps)
		}
		if _, destroy, _ := client.counts(); destroy != 1 {
			t.Errorf("destroy calls = %d, want 1", destroy)
		}
	})

	t.Run("dump failure skips ramdump", func(t *testing.T) {
		client := newMockClient()
		client.coreDumpFunc = func(libvirt.Domain, string) error { return errors.New("no space") }
		l, _ := newTestLauncher(client)

		p, err := l.Launch(context.Background(), testLaunchConfig(t))
		if err != nil {
			t.Fatal(err)
		}
		client.setState(domainStateCrashed, 1)

		events := waitExit(t, p)
		if len(events) != 1 {
			t.Errorf("events = %+v, want only exit", events)
		}
	})
}

func TestProcess_StateError(t *testing.T) {
	client := newMockClient()
	l, _ := newTestLauncher(client)

	p, err := l.Launch(context.Background(), testLaunchConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	client.mu.Lock()
	client.getStateFunc = func(libvirt.Domain) (int32, int32, error) {
		return 0, 0, errors.New("connection lost")
	}
	client.mu.Unlock()

	if got := lastExit(t, waitExit(t, p)); got != status.ExitInfrastructure {
		t.Errorf("exit = %v, want infrastructure", got)
	}
}

func TestExitForShutoff(t *testing.T) {
	tests := []struct {
		reason int32
		want   status.Exit
	}{
		{shutoffShutdown, status.ExitShutdown},
		{shutoffDestroyed, status.ExitKilled},
		{shutoffCrashed, status.ExitCrash},
		{shutoffFailed, status.ExitError},
		{0, status.ExitUnknown},
		{7, status.ExitUnknown},
	}
	for _, tt := range tests {
		if got := exitForShutoff(tt.reason); got != tt.want {
			t.Errorf("exitForShutoff(%d) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestProcess_ConsoleRelay(t *testing.T) {
	client := newMockClient()
	l, _ := newTestLauncher(client)

	guest, host := net.Pipe()
	var dialed string
	l.dial = func(path string) (net.Conn, error) {
		dialed = path
		return host, nil
	}

	cfg := testLaunchConfig(t)
	console, err := os.Create(filepath.Join(t.TempDir(), "console.txt"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = console.Close() }()
	cfg.Console = console

	p, err := l.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := guest.Write([]byte("booting\n")); err != nil {
		t.Fatalf("guest write error = %v", err)
	}
	client.setState(domainStateShutoff, shutoffShutdown)
	waitExit(t, p)
	_ = guest.Close()

	if dialed != naming.ConsoleSocket(cfg.ScratchDir) {
		t.Errorf("dialed %q, want console socket", dialed)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(console.Name())
		if err != nil {
			t.Fatal(err)
		}
		if string(data) == "booting\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("console = %q, want relayed output", data)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
