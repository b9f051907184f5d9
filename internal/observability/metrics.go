package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	settlementOpCounter   *prometheus.CounterVec
	replayCounter         *prometheus.CounterVec
	imbalanceGauge        prometheus.Gauge
	sweptHoldsCounter     prometheus.Counter
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		settlementOpCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_operations_total",
			Help: "Settlement operation outcomes",
		}, []string{"op", "outcome"})

		replayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_idempotent_replays_total",
			Help: "Duplicate partner requests answered from recorded results",
		}, []string{"op"})

		imbalanceGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_imbalanced_accounts",
			Help: "Accounts whose balance diverged from their movement sum at last reconciliation",
		})

		sweptHoldsCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holds_swept_total",
			Help: "Expired holds released by the sweeper",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			settlementOpCounter,
			replayCounter,
			imbalanceGauge,
			sweptHoldsCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func SettlementOp(op, outcome string) {
	if settlementOpCounter == nil {
		return
	}
	settlementOpCounter.WithLabelValues(op, outcome).Inc()
}

func IdempotentReplay(op string) {
	if replayCounter == nil {
		return
	}
	replayCounter.WithLabelValues(op).Inc()
}

func SetImbalancedAccounts(n int) {
	if imbalanceGauge == nil {
		return
	}
	imbalanceGauge.Set(float64(n))
}

func AddSweptHolds(n int) {
	if sweptHoldsCounter == nil {
		return
	}
	sweptHoldsCounter.Add(float64(n))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
