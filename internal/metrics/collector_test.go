package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/types"
	"github.com/BaSui01/workstream/workstream"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.atomExecutionsTotal)
	assert.NotNil(t, collector.atomExecutionDuration)
	assert.NotNil(t, collector.atomRetriesTotal)
	assert.NotNil(t, collector.atomDuplicatesTotal)
	assert.NotNil(t, collector.loopsDetectedTotal)
	assert.NotNil(t, collector.backtracksTotal)
}

func TestNewCollector_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { NewCollector(nextTestNamespace(), nil) })
}

func TestCollector_ConsumeExecution(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.Consume(workstream.Event{
		Kind:     workstream.EventExecution,
		Intent:   "weather_report",
		AtomID:   "geocode",
		Status:   string(workstream.StatusExecuted),
		Duration: 120 * time.Millisecond,
	})
	collector.Consume(workstream.Event{
		Kind:   workstream.EventExecution,
		Intent: "weather_report",
		AtomID: "geocode",
		Status: string(workstream.StatusExecuted),
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(
		collector.atomExecutionsTotal.WithLabelValues("weather_report", "geocode", string(workstream.StatusExecuted))))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.atomExecutionDuration))
}

func TestCollector_ConsumeEventKinds(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	events := []workstream.Event{
		{Kind: workstream.EventRetry, Intent: "i", AtomID: "a", Attempt: 1},
		{Kind: workstream.EventRetry, Intent: "i", AtomID: "a", Attempt: 2},
		{Kind: workstream.EventDuplicate, Intent: "i", AtomID: "a", Reason: "short_circuit"},
		{Kind: workstream.EventCircuitTrip, Intent: "i", AtomID: "b"},
		{Kind: workstream.EventLoop, Intent: "i", AtomID: "c", Reason: workstream.LoopReasonInputRepeat},
		{Kind: workstream.EventBacktrack, Intent: "i", AtomID: "c"},
		{Kind: "unknown", Intent: "i", AtomID: "z"},
	}
	for _, e := range events {
		collector.Consume(e)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.atomRetriesTotal.WithLabelValues("i", "a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.atomDuplicatesTotal.WithLabelValues("i", "a", "short_circuit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.circuitTripsTotal.WithLabelValues("i", "b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.loopsDetectedTotal.WithLabelValues("i", workstream.LoopReasonInputRepeat)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.backtracksTotal.WithLabelValues("i", "c")))
	assert.Equal(t, 0, testutil.CollectAndCount(collector.atomExecutionsTotal))
}

func TestCollector_RecordRun(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRun(&workstream.RunResult{Intent: "echo", Duration: time.Second})
	collector.RecordRun(&workstream.RunResult{
		Intent:    "echo",
		Error:     "loop",
		ErrorCode: types.ErrLoopUnrecoverable,
	})
	collector.RecordRun(&workstream.RunResult{Intent: "echo", Error: "boom"})
	collector.RecordRun(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("echo", string(types.ErrLoopUnrecoverable))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("echo", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.runDuration))
}

func TestCollector_RecordArchive(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordArchive(nil, 10*time.Millisecond)
	collector.RecordArchive(errors.New("db down"), 5*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.archiveDuration))
}

func TestCollector_ConcurrentConsume(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.Consume(workstream.Event{Kind: workstream.EventRetry, Intent: "i", AtomID: "a"})
			collector.Consume(workstream.Event{Kind: workstream.EventExecution, Intent: "i", AtomID: "a", Status: string(workstream.StatusFailed)})
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.atomRetriesTotal.WithLabelValues("i", "a")))
	assert.Equal(t, 10.0, testutil.ToFloat64(
		collector.atomExecutionsTotal.WithLabelValues("i", "a", string(workstream.StatusFailed))))
}

func TestCollector_AsEngineSink(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	ec := workstream.NewEngineContext(workstream.DefaultEngineConfig(),
		workstream.WithSink(collector),
		workstream.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	ws := workstream.NewWorkstream(ec, "echo", workstream.InvokerFunc(
		func(context.Context, workstream.AtomNode, map[string]any) (workstream.AtomResult, error) {
			return workstream.AtomResult{Output: map[string]any{"ok": true}}, nil
		}))

	node := workstream.AtomNode{AtomID: "echo", Endpoint: "/echo", Idempotency: workstream.IdempotencyPure, Version: "v1"}
	_, err := ws.ExecuteAtom(context.Background(), node, map[string]any{"q": 1}, workstream.ExecOptions{})
	require.NoError(t, err)

	// sink 在独立 goroutine 中接收事件
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.atomExecutionsTotal.WithLabelValues("echo", "echo", string(workstream.StatusExecuted))) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	// 同一向量可额外注册到自定义 registry
	registry.MustRegister(collector.atomExecutionsTotal)
	collector.RecordAtomExecution("i", "a", string(workstream.StatusMemoized), 0)

	mfs, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Contains(t, mfs[0].GetName(), "atom_executions_total")
}

func TestNewCollectorWith_OwnRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWith(registry, "workstream", nil)

	collector.RecordRun(&workstream.RunResult{Intent: "echo", Duration: time.Millisecond})

	// 同名指标可在不同 registry 中重复创建
	assert.NotPanics(t, func() { NewCollectorWith(prometheus.NewRegistry(), "workstream", nil) })

	n, err := testutil.GatherAndCount(registry, "workstream_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
