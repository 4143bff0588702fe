// Package metrics exports VM creation and boot statistics to prometheus.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/status"
)

const namespace = "kiln"

// Result label values of the creation counter.
const (
	ResultOK = "ok"
)

// Collector records VM statistics. It satisfies service.Recorder.
type Collector struct {
	creations *prometheus.CounterVec
	boot      prometheus.Histogram
	lastCID   prometheus.Gauge
	logger    *slog.Logger

	mu     sync.Mutex
	booted map[uint32]bool
}

// New registers the kiln collectors on reg. liveVMs reports the number of
// VMs currently alive.
func New(reg prometheus.Registerer, liveVMs func() int, logger *slog.Logger) (*Collector, error) {
	c := &Collector{
		creations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_creations_total",
			Help:      "VM creation attempts by result code and protection.",
		}, []string{"result", "protected"}),
		boot: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_boot_seconds",
			Help:      "Time from VM start until the payload reported starting.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		lastCID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cid",
			Help:      "The most recently allocated guest CID.",
		}),
		logger: logging.Ensure(logger),
		booted: make(map[uint32]bool),
	}
	vms := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vms",
		Help:      "VMs currently alive.",
	}, func() float64 { return float64(liveVMs()) })

	for _, col := range []prometheus.Collector{c.creations, c.boot, c.lastCID, vms} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return c, nil
}

// ObserveCreate counts one creation attempt. cid is zero when no CID was
// allocated.
func (c *Collector) ObserveCreate(cid uint32, protected bool, err error) {
	result := ResultOK
	if err != nil {
		result = string(v1.CodeOf(err))
	}
	c.creations.WithLabelValues(result, strconv.FormatBool(protected)).Inc()
	if cid != 0 {
		c.lastCID.Set(float64(cid))
	}
}

// StateChanged observes the boot time once the payload of inst reports
// starting.
func (c *Collector) StateChanged(inst *instance.Instance) {
	cid := inst.CID()
	if inst.VMState() == status.VMDead {
		c.mu.Lock()
		delete(c.booted, cid)
		c.mu.Unlock()
		return
	}
	if inst.PayloadState() < status.PayloadStarted || inst.PayloadState() == status.PayloadHangup {
		return
	}

	c.mu.Lock()
	seen := c.booted[cid]
	c.booted[cid] = true
	c.mu.Unlock()
	if seen {
		return
	}

	start := inst.StartTime()
	if start.IsZero() {
		return
	}
	d := time.Since(start)
	c.boot.Observe(d.Seconds())
	c.logger.Debug("VM booted", "cid", cid, "duration", d)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
