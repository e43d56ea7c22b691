package zkem

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsHolder holds metrics from the client's perspective.
//
// Aim to track;
// - errors
// - utilisation
// - saturation
//
// http://www.brendangregg.com/usemethod.html
//
// Centralising the metrics: the key advantage of having the metrics for the package in one
// place is that it becomes easier to present a consistent set of metrics. Consistent metrics
// make for better operations and debugging.
//
// A nil *metricsHolder is valid and inert, so call sites never test for metrics being
// enabled.
type metricsHolder struct {
	registry *prometheus.Registry
	// Are we tracking expensive metrics?
	detailed bool
	//
	// Metrics
	sessionStateGauge prometheus.Gauge
	opsStarted        *prometheus.CounterVec
	opsFailed         *prometheus.CounterVec
	opsRejected       *prometheus.CounterVec
	lostCounter       prometheus.Counter
	opLatency         *prometheus.HistogramVec
}

// Set up a metricsHolder to collect metrics for a given client. We include a const label
// carrying the client instance id so multiple clients in one process register cleanly
// against one registry and remain tellable apart.
func initMetrics(registry *prometheus.Registry, instance string, detailed bool) *metricsHolder {

	if registry == nil {
		var ok bool
		registry, ok = prometheus.DefaultRegisterer.(*prometheus.Registry)
		if !ok {
			return nil
		}
	}

	mh := &metricsHolder{
		detailed: detailed,
		registry: registry,
	}

	constLabels := map[string]string{"instance_id": instance}

	mh.sessionStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "zkem",
		Name:        "session_state",
		Help:        "session state at sampling time: unknown, connecting, connected, expired, disconnected (0..4).",
		ConstLabels: constLabels,
	})

	mh.opsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "zkem",
		Name:        "ops_started_total",
		Help:        "operations submitted to the driver, by kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})

	mh.opsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "zkem",
		Name:        "ops_failed_total",
		Help:        "operations which settled with a failure, by kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})

	mh.opsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "zkem",
		Name:        "ops_rejected_total",
		Help:        "operations rejected before submission (not connected, or closed), by kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})

	mh.lostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "zkem",
		Name:        "connection_lost_total",
		Help:        "connection-loss occurrences broadcast to subscribers.",
		ConstLabels: constLabels,
	})

	mh.registry.MustRegister(mh.sessionStateGauge, mh.opsStarted, mh.opsFailed, mh.opsRejected, mh.lostCounter)

	if detailed {
		mh.opLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "zkem",
			Name:        "op_latency_seconds",
			Help:        "driver round trip latency by operation kind.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"kind"})
		mh.registry.MustRegister(mh.opLatency)
	}

	return mh
}

func (mh *metricsHolder) sessionState(s SessionState) {
	if mh == nil {
		return
	}
	mh.sessionStateGauge.Set(float64(s))
}

// opStarted counts a submission and returns the completion callback which records the
// outcome (and, when detailed, the latency).
func (mh *metricsHolder) opStarted(kind OpKind) func(ok bool) {

	if mh == nil {
		return func(bool) {}
	}

	mh.opsStarted.WithLabelValues(kind.String()).Inc()
	started := time.Now()

	return func(ok bool) {
		if !ok {
			mh.opsFailed.WithLabelValues(kind.String()).Inc()
		}
		if mh.detailed {
			mh.opLatency.WithLabelValues(kind.String()).Observe(time.Since(started).Seconds())
		}
	}
}

func (mh *metricsHolder) opRejected(kind OpKind) {
	if mh == nil {
		return
	}
	mh.opsRejected.WithLabelValues(kind.String()).Inc()
}

func (mh *metricsHolder) connectionLost() {
	if mh == nil {
		return
	}
	mh.lostCounter.Inc()
}
