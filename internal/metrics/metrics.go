package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "docbind"

// Registry holds every docbind collector. It is separate from the
// prometheus default registry so embedding programs choose what to expose.
var registry = prometheus.NewRegistry()

var (
	ops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ops_total",
		Help:      "Engine calls issued, by operation.",
	}, []string{"op"})

	opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "op_errors_total",
		Help:      "Engine calls that returned an error, by operation and error kind.",
	}, []string{"op", "kind"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Latency of engine calls.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"op"})

	liveBuffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_buffers_live",
		Help:      "Engine-owned response buffers not yet freed.",
	})

	pinnedBuffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "caller_buffers_pinned",
		Help:      "Caller-owned buffers currently pinned for an engine call.",
	})

	openTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transactions_open",
		Help:      "Transactions started and not yet committed or rolled back.",
	})
)

func init() {
	registry.MustRegister(ops, opErrors, callDuration, liveBuffers, pinnedBuffers, openTransactions)
}

// Inc increments an operation counter by 1.
func Inc(op string) {
	ops.WithLabelValues(op).Inc()
}

// Add adds delta to an operation counter.
func Add(op string, delta int64) {
	ops.WithLabelValues(op).Add(float64(delta))
}

// Get returns the current value of an operation counter.
func Get(op string) int64 {
	var m dto.Metric
	if err := ops.WithLabelValues(op).Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// ObserveCall records one finished engine call.
func ObserveCall(op string, d time.Duration, errKind string) {
	ops.WithLabelValues(op).Inc()
	callDuration.WithLabelValues(op).Observe(d.Seconds())
	if errKind != "" {
		opErrors.WithLabelValues(op, errKind).Inc()
	}
}

func BufferAllocated() { liveBuffers.Inc() }
func BufferFreed()     { liveBuffers.Dec() }
func BufferPinned()    { pinnedBuffers.Inc() }
func BufferUnpinned()  { pinnedBuffers.Dec() }
func TxOpened()        { openTransactions.Inc() }
func TxClosed()        { openTransactions.Dec() }

// Registry exposes the collectors, e.g. for Gather in tests or for merging
// into an application registry.
func Registry() *prometheus.Registry { return registry }

// Handler exposes all metrics in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
