package instance

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/callback"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

const waitTimeout = 5 * time.Second

func newTestInstance(t *testing.T, launcher *mockLauncher, modify func(*Config)) *Instance {
	t.Helper()
	cfg := Config{
		Launch: vmm.LaunchConfig{
			CID:        10,
			Name:       "test-vm",
			ScratchDir: t.TempDir(),
		},
		RequesterUID: 1000,
		RequesterPID: 4242,
	}
	if modify != nil {
		modify(&cfg)
	}
	return New(cfg, Deps{Launcher: launcher, Dialer: &mockDialer{}, Logger: logging.Discard()})
}

// diedListener reports OnDied on a channel.
func diedListener() (callback.Funcs, <-chan v1.DeathReason) {
	ch := make(chan v1.DeathReason, 4)
	return callback.Funcs{Died: func(_ uint32, reason v1.DeathReason) error {
		ch <- reason
		return nil
	}}, ch
}

func waitDied(t *testing.T, ch <-chan v1.DeathReason) v1.DeathReason {
	t.Helper()
	select {
	case reason := <-ch:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for OnDied")
		return ""
	}
}

func TestStart(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, nil)

	if got := inst.State(); got != v1.StateNotStarted {
		t.Errorf("State() = %s, want NOT_STARTED", got)
	}
	if !inst.StartTime().IsZero() {
		t.Error("StartTime should be zero before start")
	}

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := inst.State(); got != v1.StateStarting {
		t.Errorf("State() = %s, want STARTING", got)
	}
	if inst.StartTime().IsZero() {
		t.Error("StartTime should be set after start")
	}
	if len(launcher.launches) != 1 || launcher.launches[0].CID != 10 {
		t.Errorf("unexpected launches: %+v", launcher.launches)
	}

	err := inst.Start(context.Background())
	if !v1.IsCode(err, v1.CodeIllegalState) {
		t.Errorf("second Start() error = %v, want IllegalState", err)
	}
	if len(launcher.launches) != 1 {
		t.Errorf("second Start() must not launch again")
	}

	_ = inst.Kill()
}

func TestStart_LaunchFailure(t *testing.T) {
	launcher := &mockLauncher{
		launchFunc: func(context.Context, vmm.LaunchConfig) (vmm.Process, error) {
			return nil, errors.New("no hypervisor")
		},
	}
	inst := newTestInstance(t, launcher, nil)

	err := inst.Start(context.Background())
	if err == nil {
		t.Fatal("Expected error but got nil")
	}
	if v1.CodeOf(err) != v1.CodeInternal {
		t.Errorf("CodeOf() = %s, want Internal", v1.CodeOf(err))
	}
	if inst.VMState() != status.VMFailed {
		t.Errorf("VMState() = %s, want Failed", inst.VMState())
	}
	if inst.State() != v1.StateDead {
		t.Errorf("State() = %s, want DEAD", inst.State())
	}
	select {
	case <-inst.Done():
	default:
		t.Error("Done should be closed after a failed start")
	}

	if err := inst.Kill(); err != nil {
		t.Errorf("Kill() after failure error = %v", err)
	}
	if !v1.IsCode(inst.Start(context.Background()), v1.CodeIllegalState) {
		t.Error("restart after failure must be IllegalState")
	}
}

func TestKill_BeforeStart(t *testing.T) {
	console, err := os.Create(filepath.Join(t.TempDir(), "console"))
	if err != nil {
		t.Fatalf("failed to create console: %v", err)
	}

	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, func(c *Config) { c.Launch.Console = console })
	l, died := diedListener()
	inst.Callbacks().Add(l)

	if err := inst.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if err := inst.Kill(); err != nil {
		t.Fatalf("second Kill() error = %v", err)
	}

	if got := waitDied(t, died); got != v1.DeathReasonKilled {
		t.Errorf("death reason = %s, want KILLED", got)
	}
	if inst.VMState() != status.VMDead {
		t.Errorf("VMState() = %s, want Dead", inst.VMState())
	}
	if len(launcher.launches) != 0 {
		t.Error("a VM killed before start must never launch")
	}
	if _, err := console.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("console should be closed, Write() error = %v", err)
	}
	select {
	case extra := <-died:
		t.Errorf("OnDied delivered twice, second reason %s", extra)
	default:
	}
}

func TestKill_Running(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, nil)
	l, died := diedListener()
	inst.Callbacks().Add(l)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for n := 0; n < 5; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inst.Kill(); err != nil {
				t.Errorf("Kill() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := waitDied(t, died); got != v1.DeathReasonKilled {
		t.Errorf("death reason = %s, want KILLED", got)
	}
	<-inst.Done()
	if inst.State() != v1.StateDead {
		t.Errorf("State() = %s, want DEAD", inst.State())
	}
	if launcher.process(0).KillCalls() == 0 {
		t.Error("process was never killed")
	}
}

func TestProcessExit(t *testing.T) {
	tests := []struct {
		name string
		exit status.Exit
		want v1.DeathReason
	}{
		{"shutdown", status.ExitShutdown, v1.DeathReasonShutdown},
		{"crash", status.ExitCrash, v1.DeathReasonCrash},
		{"reboot", status.ExitReboot, v1.DeathReasonReboot},
		{"error", status.ExitError, v1.DeathReasonError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := &mockLauncher{}
			inst := newTestInstance(t, launcher, nil)
			l, died := diedListener()
			inst.Callbacks().Add(l)

			if err := inst.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			launcher.process(0).exit(tt.exit)

			if got := waitDied(t, died); got != tt.want {
				t.Errorf("death reason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPayloadEvents(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, nil)

	var mu sync.Mutex
	var events []string
	record := func(e string) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	}
	inst.Callbacks().Add(callback.Funcs{
		PayloadStarted:  func(uint32) error { return record("started") },
		PayloadReady:    func(uint32) error { return record("ready") },
		PayloadFinished: func(uint32, int32) error { return record("finished") },
	})

	// Nothing is accepted before the VM runs.
	if err := inst.NotifyPayloadStarted(); !v1.IsCode(err, v1.CodeIllegalState) {
		t.Errorf("NotifyPayloadStarted() before start error = %v, want IllegalState", err)
	}

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Kill()

	steps := []struct {
		notify func() error
		want   v1.VirtualMachineState
	}{
		{inst.NotifyPayloadStarted, v1.StateStarted},
		{inst.NotifyPayloadReady, v1.StateReady},
		{func() error { return inst.NotifyPayloadFinished(0) }, v1.StateFinished},
	}
	for _, step := range steps {
		if err := step.notify(); err != nil {
			t.Fatalf("notify error = %v", err)
		}
		if got := inst.State(); got != step.want {
			t.Errorf("State() = %s, want %s", got, step.want)
		}
	}

	if err := inst.NotifyPayloadReady(); !v1.IsCode(err, v1.CodeIllegalState) {
		t.Errorf("backwards transition error = %v, want IllegalState", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 || events[0] != "started" || events[2] != "finished" {
		t.Errorf("events = %v", events)
	}
}

func TestNotifyError_FinishesPayload(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, nil)

	var gotCode v1.ErrorCode
	inst.Callbacks().Add(callback.Funcs{Error: func(_ uint32, code v1.ErrorCode, _ string) error {
		gotCode = code
		return nil
	}})

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Kill()

	if err := inst.NotifyError(v1.ErrorCodePayloadVerificationFailed, "bad apk"); err != nil {
		t.Fatalf("NotifyError() error = %v", err)
	}
	if inst.PayloadState() != status.PayloadFinished {
		t.Errorf("PayloadState() = %s, want Finished", inst.PayloadState())
	}
	if gotCode != v1.ErrorCodePayloadVerificationFailed {
		t.Errorf("listener got code %s", gotCode)
	}
}

func TestBootWatchdog(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, func(c *Config) {
		c.Launch.DetectHangup = true
		c.BootTimeout = 20 * time.Millisecond
	})
	l, died := diedListener()
	inst.Callbacks().Add(l)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := waitDied(t, died); got != v1.DeathReasonHangup {
		t.Errorf("death reason = %s, want HANGUP", got)
	}
	if inst.PayloadState() != status.PayloadHangup {
		t.Errorf("PayloadState() = %s, want Hangup", inst.PayloadState())
	}
}

func TestBootWatchdog_StoppedByPayload(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, func(c *Config) {
		c.Launch.DetectHangup = true
		c.BootTimeout = 50 * time.Millisecond
	})

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Kill()
	if err := inst.NotifyPayloadStarted(); err != nil {
		t.Fatalf("NotifyPayloadStarted() error = %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := inst.State(); got != v1.StateStarted {
		t.Errorf("State() = %s, want STARTED", got)
	}
}

func TestHangupEvent(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, nil)
	l, died := diedListener()
	inst.Callbacks().Add(l)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	launcher.process(0).send(vmm.EventHangup)

	if got := waitDied(t, died); got != v1.DeathReasonHangup {
		t.Errorf("death reason = %s, want HANGUP", got)
	}
}

func TestRamdumpEvent(t *testing.T) {
	dir := t.TempDir()
	ramdump := filepath.Join(dir, "ramdump")
	if err := os.WriteFile(ramdump, []byte("memory"), 0644); err != nil {
		t.Fatalf("failed to write ramdump: %v", err)
	}

	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, func(c *Config) { c.Launch.Ramdump = ramdump })

	got := make(chan string, 1)
	inst.Callbacks().Add(callback.Funcs{Ramdump: func(_ uint32, r io.Reader) error {
		data, err := io.ReadAll(r)
		got <- string(data)
		return err
	}})

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Kill()
	launcher.process(0).send(vmm.EventRamdump)

	select {
	case data := <-got:
		if data != "memory" {
			t.Errorf("ramdump = %q, want memory", data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ramdump")
	}
}

func TestConnect(t *testing.T) {
	launcher := &mockLauncher{}
	dialer := &mockDialer{}
	inst := New(Config{Launch: vmm.LaunchConfig{CID: 11}}, Deps{Launcher: launcher, Dialer: dialer, Logger: logging.Discard()})

	if _, err := inst.Connect(5000); !v1.IsCode(err, v1.CodeIllegalState) {
		t.Errorf("Connect() before start error = %v, want IllegalState", err)
	}

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Kill()

	conn, err := inst.Connect(5000)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn.Close()

	if len(dialer.dialCalls) != 1 || dialer.dialCalls[0] != 5000 {
		t.Errorf("dial calls = %v", dialer.dialCalls)
	}
}

func TestConnectStdioProxy_ClosesStream(t *testing.T) {
	dialer := &mockDialer{}
	inst := New(Config{Launch: vmm.LaunchConfig{CID: 12}}, Deps{Launcher: &mockLauncher{}, Dialer: dialer, Logger: logging.Discard()})
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Kill()

	var delivered int
	inst.Callbacks().Add(callback.Funcs{Stdio: func(_ uint32, s io.ReadWriteCloser) error {
		if s == nil {
			return errors.New("nil stream")
		}
		delivered++
		return nil
	}})
	if err := inst.ConnectStdioProxy(3000); err != nil {
		t.Fatalf("ConnectStdioProxy() error = %v", err)
	}
	if delivered != 1 {
		t.Fatalf("listener called %d times, want 1", delivered)
	}

	dialer.mu.Lock()
	if len(dialer.dialCalls) != 1 || dialer.dialCalls[0] != 3000 {
		t.Errorf("dial calls = %v, want [3000]", dialer.dialCalls)
	}
	peer := dialer.peers[0]
	dialer.mu.Unlock()

	// The guest end sees EOF once delivery is over.
	_ = peer.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("guest read error = %v, want EOF", err)
	}
}

func TestInfo(t *testing.T) {
	launcher := &mockLauncher{}
	inst := newTestInstance(t, launcher, func(c *Config) { c.Launch.Protected = true })

	info := inst.Info()
	if info.CID != 10 || info.RequesterUID != 1000 || info.RequesterPID != 4242 {
		t.Errorf("Info() = %+v", info)
	}
	if !info.Protected || info.State != v1.StateNotStarted {
		t.Errorf("Info() = %+v", info)
	}
	if !info.StartTime.IsZero() {
		t.Error("StartTime should be unset before start")
	}
}
