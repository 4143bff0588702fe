package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/vmm"
)

type fakeProcess struct {
	events chan vmm.Event
	once   sync.Once
}

func (p *fakeProcess) Events() <-chan vmm.Event { return p.events }

func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		p.events <- vmm.Event{Kind: vmm.EventExited, Exit: status.ExitKilled}
		close(p.events)
	})
	return nil
}

type launcherFunc func(ctx context.Context, cfg vmm.LaunchConfig) (vmm.Process, error)

func (f launcherFunc) Launch(ctx context.Context, cfg vmm.LaunchConfig) (vmm.Process, error) {
	return f(ctx, cfg)
}

func newCollector(t *testing.T, live int) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := New(reg, func() int { return live }, logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, reg
}

func TestCollector_ObserveCreate(t *testing.T) {
	c, _ := newCollector(t, 0)

	c.ObserveCreate(10, false, nil)
	c.ObserveCreate(11, true, nil)
	c.ObserveCreate(12, false, v1.Errorf(v1.CodeUntrustedOrigin, "bad label"))
	c.ObserveCreate(0, false, v1.Errorf(v1.CodePermissionDenied, "nope"))
	c.ObserveCreate(0, false, errors.New("boom"))

	tests := []struct {
		result    string
		protected string
		want      float64
	}{
		{ResultOK, "false", 1},
		{ResultOK, "true", 1},
		{string(v1.CodeUntrustedOrigin), "false", 1},
		{string(v1.CodePermissionDenied), "false", 1},
		{string(v1.CodeInternal), "false", 1},
	}
	for _, tt := range tests {
		t.Run(tt.result+"/"+tt.protected, func(t *testing.T) {
			got := testutil.ToFloat64(c.creations.WithLabelValues(tt.result, tt.protected))
			if got != tt.want {
				t.Errorf("creations{%s,%s} = %v, want %v", tt.result, tt.protected, got, tt.want)
			}
		})
	}

	if got := testutil.ToFloat64(c.lastCID); got != 12 {
		t.Errorf("last_cid = %v, want 12", got)
	}
}

func TestCollector_BootTime(t *testing.T) {
	c, _ := newCollector(t, 0)

	inst := instance.New(instance.Config{
		Launch: vmm.LaunchConfig{CID: 10, Name: "boot"},
	}, instance.Deps{
		Launcher: launcherFunc(func(context.Context, vmm.LaunchConfig) (vmm.Process, error) {
			return &fakeProcess{events: make(chan vmm.Event, 2)}, nil
		}),
		Logger:        logging.Discard(),
		OnStateChange: c.StateChanged,
	})

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := testutil.CollectAndCount(c.boot); n != 1 {
		t.Fatalf("CollectAndCount() = %d, want 1", n)
	}
	if got := histogramCount(t, c.boot); got != 0 {
		t.Errorf("boot observations before payload start = %d, want 0", got)
	}

	if err := inst.NotifyPayloadStarted(); err != nil {
		t.Fatalf("NotifyPayloadStarted() error = %v", err)
	}
	if err := inst.NotifyPayloadReady(); err != nil {
		t.Fatalf("NotifyPayloadReady() error = %v", err)
	}
	if got := histogramCount(t, c.boot); got != 1 {
		t.Errorf("boot observations = %d, want 1", got)
	}

	if err := inst.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	<-inst.Done()

	deadline := time.Now().Add(2 * time.Second)
	for c.tracked() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("booted set should be empty after death")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *Collector) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.booted)
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(h)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("Gather() returned %d families", len(families))
	}
	return families[0].GetMetric()[0].GetHistogram().GetSampleCount()
}

func TestHandler(t *testing.T) {
	c, reg := newCollector(t, 3)
	c.ObserveCreate(42, false, nil)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"kiln_vms 3",
		"kiln_last_cid 42",
		`kiln_vm_creations_total{protected="false",result="ok"} 1`,
		"kiln_vm_boot_seconds_count 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg, func() int { return 0 }, nil); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(reg, func() int { return 0 }, nil); err == nil {
		t.Error("registering twice should fail")
	}
}
