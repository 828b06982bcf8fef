package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CollapseOutcome identifies how a worker joined an in-flight entry.
type CollapseOutcome string

const (
	// CollapseWriter means this worker won the writer election for a key.
	CollapseWriter CollapseOutcome = "writer"
	// CollapseReader means another worker already writes the key, so this
	// worker attached as a collapsed reader.
	CollapseReader CollapseOutcome = "reader"
)

// SyncOutcome classifies what a collapsed-entry resync concluded.
type SyncOutcome string

const (
	// SyncAnchored means the entry attached to a backing cache and local
	// consumers were kicked.
	SyncAnchored SyncOutcome = "anchored"
	// SyncAborted means the writer abort was propagated locally.
	SyncAborted SyncOutcome = "aborted"
	// SyncReleased means the entry was no longer wanted and was dropped.
	SyncReleased SyncOutcome = "released"
	// SyncStale means the notification referenced an entry this worker no
	// longer tracks.
	SyncStale SyncOutcome = "stale"
	// SyncWaiting means the entry is not anchorable yet and readers keep
	// waiting for the writer.
	SyncWaiting SyncOutcome = "waiting"
)

// CopySource labels where a store client's delivered bytes came from.
type CopySource string

const (
	CopyFromMemory CopySource = "memory"
	CopyFromDisk   CopySource = "disk"
	CopyError      CopySource = "error"
	CopyEOF        CopySource = "eof"
)

// Recorder publishes Prometheus metrics for store coordination activity.
// All methods are safe on a nil receiver so call sites never need guards.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	collapses     *prometheus.CounterVec
	finds         *prometheus.CounterVec
	syncs         *prometheus.CounterVec
	broadcasts    prometheus.Counter
	notifyDrops   prometheus.Counter
	notifications prometheus.Counter
	quickAborts   prometheus.Counter
	copies        *prometheus.CounterVec
	copyLatency   *prometheus.HistogramVec
	swapOutBytes  prometheus.Counter
	swapInBytes   prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	collapses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "collapse",
		Name:      "elections_total",
		Help:      "Writer elections resolved, by outcome.",
	}, []string{"outcome"})

	finds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "controller",
		Name:      "finds_total",
		Help:      "Controller.Find results, by the backend that satisfied the lookup.",
	}, []string{"source"})

	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "collapse",
		Name:      "syncs_total",
		Help:      "Collapsed entry resyncs, by conclusion.",
	}, []string{"outcome"})

	broadcasts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "bus",
		Name:      "broadcasts_total",
		Help:      "Change broadcasts pushed to sibling workers.",
	})

	notifyDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "bus",
		Name:      "dropped_notifications_total",
		Help:      "Notifications dropped because a ring queue was full.",
	})

	notifications := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "bus",
		Name:      "handled_notifications_total",
		Help:      "Notification messages drained and dispatched locally.",
	})

	quickAborts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "client",
		Name:      "quick_aborts_total",
		Help:      "In-flight fetches cancelled by the quick-abort heuristic.",
	})

	copies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "client",
		Name:      "copies_total",
		Help:      "Store client deliveries, by byte source.",
	}, []string{"source"})

	copyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Subsystem: "client",
		Name:      "copy_duration_seconds",
		Help:      "Latency between a Copy request and its callback.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"source"})

	swapOutBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "swap",
		Name:      "out_bytes_total",
		Help:      "Body bytes written to the disk swap store.",
	})

	swapInBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Subsystem: "swap",
		Name:      "in_bytes_total",
		Help:      "Body bytes read back from the disk swap store.",
	})

	reg.MustRegister(collapses, finds, syncs, broadcasts, notifyDrops,
		notifications, quickAborts, copies, copyLatency, swapOutBytes, swapInBytes)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		collapses:     collapses,
		finds:         finds,
		syncs:         syncs,
		broadcasts:    broadcasts,
		notifyDrops:   notifyDrops,
		notifications: notifications,
		quickAborts:   quickAborts,
		copies:        copies,
		copyLatency:   copyLatency,
		swapOutBytes:  swapOutBytes,
		swapInBytes:   swapInBytes,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCollapse records the outcome of one writer election.
func (r *Recorder) ObserveCollapse(outcome CollapseOutcome) {
	if r == nil {
		return
	}
	r.collapses.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveFind records which backend satisfied a Controller.Find, or "miss".
func (r *Recorder) ObserveFind(source string) {
	if r == nil {
		return
	}
	r.finds.WithLabelValues(normalizeLabel(source)).Inc()
}

// ObserveSync records the conclusion of one collapsed-entry resync.
func (r *Recorder) ObserveSync(outcome SyncOutcome) {
	if r == nil {
		return
	}
	r.syncs.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveBroadcast counts one change broadcast to sibling workers.
func (r *Recorder) ObserveBroadcast() {
	if r == nil {
		return
	}
	r.broadcasts.Inc()
}

// ObserveNotifyDrop counts one notification lost to a full ring queue.
func (r *Recorder) ObserveNotifyDrop() {
	if r == nil {
		return
	}
	r.notifyDrops.Inc()
}

// ObserveNotification counts one drained and dispatched notification.
func (r *Recorder) ObserveNotification() {
	if r == nil {
		return
	}
	r.notifications.Inc()
}

// ObserveQuickAbort counts one heuristic-driven fetch cancellation.
func (r *Recorder) ObserveQuickAbort() {
	if r == nil {
		return
	}
	r.quickAborts.Inc()
}

// ObserveCopy records one store client delivery and its latency.
func (r *Recorder) ObserveCopy(source CopySource, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(source))
	r.copies.WithLabelValues(label).Inc()
	r.copyLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveSwapOut accumulates bytes written to the disk store.
func (r *Recorder) ObserveSwapOut(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.swapOutBytes.Add(float64(n))
}

// ObserveSwapIn accumulates bytes read from the disk store.
func (r *Recorder) ObserveSwapIn(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.swapInBytes.Add(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
