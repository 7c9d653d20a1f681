package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the interface.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the interface.",
	})
	CANErrorFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_error_frames_total",
		Help: "Total controller error frames received.",
	})
	CANTxSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_suppressed_total",
		Help: "Total frames not transmitted because the interface was in listen-only recovery.",
	})
	BusRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_recoveries_total",
		Help: "Interface bounce recoveries by cause.",
	}, []string{"cause"})
	SDOWriteRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdo_write_refusals_total",
		Help: "Object dictionary writes refused by validation, by abort class.",
	}, []string{"abort"})
	StorageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_ops_total",
		Help: "Persistence operations by kind and outcome.",
	}, []string{"op", "outcome"})
	NodeResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_resets_total",
		Help: "Reset requests consumed by the lifecycle controller, by class.",
	}, []string{"class"})
	ListenOnly = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_listen_only",
		Help: "1 while the interface is in listen-only recovery mode.",
	})
	ActiveNodeID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_active_id",
		Help: "Active CANopen node address (0 while unassigned).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrCANRead      = "can_read"
	ErrCANWrite     = "can_write"
	ErrCANOverflow  = "can_tx_overflow"
	ErrLink         = "link"
	ErrStorageLoad  = "storage_load"
	ErrStorageSave  = "storage_save"
	ErrConsole      = "console"
	ErrStackInit    = "stack_init"
	ErrSensors      = "sensors"
)

// Recovery cause label constants.
const (
	CauseBusOff = "busoff"
	CauseNoAck  = "noack"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
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
	localCANRx        uint64
	localCANTx        uint64
	localCANErrFrames uint64
	localTxSuppressed uint64
	localRecoveries   uint64
	localRefusals     uint64
	localStorageFail  uint64
	localResets       uint64
	localErrors       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx        uint64
	CANTx        uint64
	ErrorFrames  uint64
	TxSuppressed uint64
	Recoveries   uint64
	Refusals     uint64
	StorageFails uint64
	Resets       uint64
	Errors       uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        atomic.LoadUint64(&localCANRx),
		CANTx:        atomic.LoadUint64(&localCANTx),
		ErrorFrames:  atomic.LoadUint64(&localCANErrFrames),
		TxSuppressed: atomic.LoadUint64(&localTxSuppressed),
		Recoveries:   atomic.LoadUint64(&localRecoveries),
		Refusals:     atomic.LoadUint64(&localRefusals),
		StorageFails: atomic.LoadUint64(&localStorageFail),
		Resets:       atomic.LoadUint64(&localResets),
		Errors:       atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncErrorFrame() {
	CANErrorFrames.Inc()
	atomic.AddUint64(&localCANErrFrames, 1)
}

func IncTxSuppressed() {
	CANTxSuppressed.Inc()
	atomic.AddUint64(&localTxSuppressed, 1)
}

// IncRecovery records an interface bounce with its cause label.
func IncRecovery(cause string) {
	BusRecoveries.WithLabelValues(cause).Inc()
	atomic.AddUint64(&localRecoveries, 1)
}

// IncRefusal records a refused OD write by abort class label.
func IncRefusal(abort string) {
	SDOWriteRefusals.WithLabelValues(abort).Inc()
	atomic.AddUint64(&localRefusals, 1)
}

// IncStorage records a persistence operation outcome; failures also feed the local mirror.
func IncStorage(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
		atomic.AddUint64(&localStorageFail, 1)
	}
	StorageOps.WithLabelValues(op, outcome).Inc()
}

func IncReset(class string) {
	NodeResets.WithLabelValues(class).Inc()
	atomic.AddUint64(&localResets, 1)
}

func SetListenOnly(on bool) {
	if on {
		ListenOnly.Set(1)
		return
	}
	ListenOnly.Set(0)
}

func SetActiveNodeID(id uint8) { ActiveNodeID.Set(float64(id)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrCANRead, ErrCANWrite, ErrCANOverflow, ErrLink,
		ErrStorageLoad, ErrStorageSave, ErrConsole, ErrStackInit, ErrSensors,
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
