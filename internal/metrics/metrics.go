package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tfitpican/cansim/internal/logging"
)

// Prometheus counters
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN messages read from the bus interface.",
	})
	RxAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_accepted_total",
		Help: "Total inbound messages accepted by the filter set and delivered to observers.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN messages written to the bus interface.",
	})
	FilterDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_filter_drops_total",
		Help: "Total inbound messages rejected by the acceptance filter set.",
	})
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_queue_drops_total",
		Help: "Total inbound messages dropped because the receive queue was full.",
	})
	UnknownSchema = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_unknown_schema_total",
		Help: "Total accepted messages with no payload schema registered for their identifier.",
	})
	RecorderDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_drops_total",
		Help: "Total records dropped because the persistence batch channel was full.",
	})
	ObserverFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_observer_fanout",
		Help: "Number of observers invoked for the most recent accepted message.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_queue_depth",
		Help: "Queued inbound messages awaiting dispatch at last sample.",
	})
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_connection_state",
		Help: "Interface connection state (0 disconnected, 1 connecting, 2 connected, 3 faulted).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fault_events_total",
		Help: "Fault events reported to the error manager, by severity.",
	}, []string{"severity"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusRead     = "bus_read"
	ErrBusWrite    = "bus_write"
	ErrBusOverflow = "bus_tx_overflow"
	ErrConnect     = "connect"
	ErrDisconnect  = "disconnect"
	ErrRecorder    = "recorder"
	ErrMQTT        = "mqtt"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx            uint64
	localRxAccepted    uint64
	localTx            uint64
	localFilterDrops   uint64
	localQueueDrops    uint64
	localUnknownSchema uint64
	localRecorderDrops uint64
	localErrors        uint64
	localEvents        uint64
	localMalformed     uint64
	localFanout        uint64
	localQueueDepth    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx            uint64
	RxAccepted    uint64
	Tx            uint64
	FilterDrops   uint64
	QueueDrops    uint64
	UnknownSchema uint64
	RecorderDrops uint64
	Errors        uint64 // sum across error labels
	Events        uint64 // sum across severities
	Malformed     uint64
	Fanout        uint64
	QueueDepth    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rx:            atomic.LoadUint64(&localRx),
		RxAccepted:    atomic.LoadUint64(&localRxAccepted),
		Tx:            atomic.LoadUint64(&localTx),
		FilterDrops:   atomic.LoadUint64(&localFilterDrops),
		QueueDrops:    atomic.LoadUint64(&localQueueDrops),
		UnknownSchema: atomic.LoadUint64(&localUnknownSchema),
		RecorderDrops: atomic.LoadUint64(&localRecorderDrops),
		Errors:        atomic.LoadUint64(&localErrors),
		Events:        atomic.LoadUint64(&localEvents),
		Malformed:     atomic.LoadUint64(&localMalformed),
		Fanout:        atomic.LoadUint64(&localFanout),
		QueueDepth:    atomic.LoadUint64(&localQueueDepth),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncRxAccepted() {
	RxAccepted.Inc()
	atomic.AddUint64(&localRxAccepted, 1)
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncFilterDrop() {
	FilterDrops.Inc()
	atomic.AddUint64(&localFilterDrops, 1)
}

func IncQueueDrop() {
	QueueDrops.Inc()
	atomic.AddUint64(&localQueueDrops, 1)
}

func IncUnknownSchema() {
	UnknownSchema.Inc()
	atomic.AddUint64(&localUnknownSchema, 1)
}

func IncRecorderDrop() {
	RecorderDrops.Inc()
	atomic.AddUint64(&localRecorderDrops, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// IncEvent counts a fault event by its severity label.
func IncEvent(severity string) {
	Events.WithLabelValues(severity).Inc()
	atomic.AddUint64(&localEvents, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetObserverFanout(n int) {
	ObserverFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
	atomic.StoreUint64(&localQueueDepth, uint64(n))
}

// SetConnectionState mirrors the manager state machine into a gauge.
func SetConnectionState(s int32) { ConnectionState.Set(float64(s)) }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrBusRead, ErrBusWrite, ErrBusOverflow,
		ErrConnect, ErrDisconnect, ErrRecorder, ErrMQTT,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
