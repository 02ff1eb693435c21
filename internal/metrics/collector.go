package metrics

import (
	"time"

	"github.com/BaSui01/workstream/workstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 将 workstream 遥测事件转换为 Prometheus 指标。
// 实现 workstream.TelemetrySink，可直接通过 workstream.WithSink 注入引擎。
type Collector struct {
	// 原子执行指标
	atomExecutionsTotal   *prometheus.CounterVec
	atomExecutionDuration *prometheus.HistogramVec
	atomRetriesTotal      *prometheus.CounterVec
	atomDuplicatesTotal   *prometheus.CounterVec

	// 运行安全指标
	circuitTripsTotal  *prometheus.CounterVec
	loopsDetectedTotal *prometheus.CounterVec
	backtracksTotal    *prometheus.CounterVec

	// 运行级指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 运行归档
	archiveDuration *prometheus.HistogramVec

	logger *zap.Logger
}

var _ workstream.TelemetrySink = (*Collector)(nil)

// NewCollector 创建指标收集器，注册到 prometheus 默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器并注册到指定 registry
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.atomExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atom_executions_total",
			Help:      "Total number of atom executions by final status",
		},
		[]string{"intent", "atom_id", "status"},
	)

	c.atomExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "atom_execution_duration_seconds",
			Help:      "Atom execution duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"intent", "atom_id"},
	)

	c.atomRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atom_retries_total",
			Help:      "Total number of atom retry attempts",
		},
		[]string{"intent", "atom_id"},
	)

	c.atomDuplicatesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atom_duplicates_total",
			Help:      "Total number of suppressed duplicate executions",
		},
		[]string{"intent", "atom_id", "reason"},
	)

	c.circuitTripsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_trips_total",
			Help:      "Total number of calls rejected by an open circuit",
		},
		[]string{"intent", "atom_id"},
	)

	c.loopsDetectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loops_detected_total",
			Help:      "Total number of detected execution loops",
		},
		[]string{"intent", "reason"},
	)

	c.backtracksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtracks_total",
			Help:      "Total number of backtrack operations",
		},
		[]string{"intent", "atom_id"},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workstream runs by outcome",
		},
		[]string{"intent", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workstream run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"intent"},
	)

	c.archiveDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_archive_duration_seconds",
			Help:      "Run archive write duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📡 遥测事件
// =============================================================================

// Consume 实现 workstream.TelemetrySink
func (c *Collector) Consume(e workstream.Event) {
	switch e.Kind {
	case workstream.EventExecution:
		c.RecordAtomExecution(e.Intent, e.AtomID, e.Status, e.Duration)
	case workstream.EventRetry:
		c.atomRetriesTotal.WithLabelValues(e.Intent, e.AtomID).Inc()
	case workstream.EventDuplicate:
		c.atomDuplicatesTotal.WithLabelValues(e.Intent, e.AtomID, e.Reason).Inc()
	case workstream.EventCircuitTrip:
		c.circuitTripsTotal.WithLabelValues(e.Intent, e.AtomID).Inc()
	case workstream.EventLoop:
		c.loopsDetectedTotal.WithLabelValues(e.Intent, e.Reason).Inc()
	case workstream.EventBacktrack:
		c.backtracksTotal.WithLabelValues(e.Intent, e.AtomID).Inc()
	default:
		c.logger.Debug("unknown telemetry event", zap.String("kind", string(e.Kind)))
	}
}

// RecordAtomExecution 记录原子执行
func (c *Collector) RecordAtomExecution(intent, atomID, status string, duration time.Duration) {
	c.atomExecutionsTotal.WithLabelValues(intent, atomID, status).Inc()
	c.atomExecutionDuration.WithLabelValues(intent, atomID).Observe(duration.Seconds())
}

// =============================================================================
// 🏃 运行指标
// =============================================================================

// RecordRun 记录一次完整运行
func (c *Collector) RecordRun(result *workstream.RunResult) {
	if result == nil {
		return
	}
	c.runsTotal.WithLabelValues(result.Intent, runStatus(result)).Inc()
	c.runDuration.WithLabelValues(result.Intent).Observe(result.Duration.Seconds())
}

// RecordArchive 记录运行归档耗时
func (c *Collector) RecordArchive(err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.archiveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// runStatus 将运行结果归类为 success / <错误码>
func runStatus(result *workstream.RunResult) string {
	if result.Succeeded() {
		return "success"
	}
	if code := result.ErrorCode; code != "" {
		return string(code)
	}
	return "error"
}
