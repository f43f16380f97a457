// Package metrics exposes Prometheus collectors for service.Service.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/scg-service-rpc/service"
)

const namespace = "servicerpc"

// Collector implements service.Recorder with Prometheus metrics.
type Collector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	dispatchTotal *prometheus.CounterVec
	pendingCalls  *prometheus.GaugeVec
}

var _ service.Recorder = (*Collector)(nil)

// New creates a collector. A nil registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer: registerer,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "total",
			Help:      "Commands sent, by calling service, target service and outcome.",
		}, []string{"service", "target", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Time from publishing a command to its outcome.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 20},
		}, []string{"service", "target"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Inbound deliveries, by receiving service, message kind and outcome.",
		}, []string{"service", "kind", "outcome"}),
		pendingCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls awaiting a response.",
		}, []string{"service"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	for _, col := range []prometheus.Collector{c.callsTotal, c.callDuration, c.dispatchTotal, c.pendingCalls} {
		if err := c.registerer.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	c.registered = true

	return nil
}

func (c *Collector) ObserveCall(svc, target, outcome string, elapsed time.Duration) {
	c.callsTotal.WithLabelValues(svc, target, outcome).Inc()
	c.callDuration.WithLabelValues(svc, target).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveDispatch(svc, kind, outcome string) {
	c.dispatchTotal.WithLabelValues(svc, kind, outcome).Inc()
}

func (c *Collector) SetPendingCalls(svc string, n int) {
	c.pendingCalls.WithLabelValues(svc).Set(float64(n))
}

// CallsTotal returns the call counter, labelled service, target, outcome.
func (c *Collector) CallsTotal() *prometheus.CounterVec { return c.callsTotal }

// DispatchTotal returns the dispatch counter, labelled service, kind, outcome.
func (c *Collector) DispatchTotal() *prometheus.CounterVec { return c.dispatchTotal }

// PendingCalls returns the pending call gauge, labelled service.
func (c *Collector) PendingCalls() *prometheus.GaugeVec { return c.pendingCalls }
