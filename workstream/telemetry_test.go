package workstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) Consume(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *collectingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestTelemetry_RecordsAndSummarizes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tel := NewTelemetry("run-1", "weather", nil, func() time.Time { return now }, nil)

	tel.RecordRetry("a", 1, errors.New("boom"))
	tel.RecordRetry("a", 2, nil)
	tel.RecordDuplicate("b", "short_circuit")
	tel.RecordCircuitTrip("c")
	tel.RecordLoop("d", "loop_detected_input_repeat")
	tel.RecordBacktrack("d", "loop_detected_input_repeat", 1)
	tel.RecordExecution("a", "executed", 2, time.Second, nil)

	assert.Equal(t, TelemetrySummary{
		Retries: 2, Duplicates: 1, CircuitTrips: 1, Loops: 1, Backtracks: 1,
	}, tel.Summary())

	retries := tel.Retries()
	require.Len(t, retries, 2)
	assert.Equal(t, "boom", retries[0].Error)
	assert.Equal(t, "run-1", retries[0].RunID)
	assert.Equal(t, "weather", retries[0].Intent)
	assert.Equal(t, now, retries[0].Timestamp)

	assert.Len(t, tel.Duplicates(), 1)
	assert.Len(t, tel.CircuitTrips(), 1)
	assert.Equal(t, "loop_detected_input_repeat", tel.Loops()[0].Reason)
	assert.Equal(t, 1, tel.Backtracks()[0].Attempt)
	assert.Empty(t, tel.Events(EventExecution))
}

func TestTelemetry_ForwardsToSink(t *testing.T) {
	sink := &collectingSink{}
	tel := NewTelemetry("run-1", "", sink, nil, nil)

	tel.RecordDuplicate("a", "memo")
	tel.RecordExecution("a", "memoized", 0, 0, nil)
	tel.Close()

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventDuplicate, events[0].Kind)
	assert.Equal(t, EventExecution, events[1].Kind)
}

func TestTelemetry_SinkReceivesEventsInOrder(t *testing.T) {
	sink := &collectingSink{}
	tel := NewTelemetry("run-1", "", sink, nil, nil)

	for i := 1; i <= 100; i++ {
		tel.RecordRetry("a", i, nil)
	}
	tel.Close()
	tel.Close()

	events := sink.snapshot()
	require.Len(t, events, 100)
	for i, e := range events {
		assert.Equal(t, i+1, e.Attempt)
	}

	// 关闭后仍计入 Summary，但不再转发
	tel.RecordRetry("a", 101, nil)
	assert.Equal(t, 101, tel.Summary().Retries)
	assert.Len(t, sink.snapshot(), 100)
	assert.Equal(t, 0, tel.Dropped())
}

func TestTelemetry_DropsWhenSinkLags(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []Event
	sink := TelemetrySinkFunc(func(e Event) {
		<-release
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	tel := newTelemetry("run-1", "", sink, nil, nil, 1)

	// 第一条被 drain 取走后阻塞在 sink，第二条占满队列，之后的被丢弃
	tel.RecordLoop("a", "x")
	require.Eventually(t, func() bool { return len(tel.queue) == 0 }, time.Second, time.Millisecond)
	tel.RecordLoop("a", "y")
	tel.RecordLoop("a", "z")
	tel.RecordLoop("a", "w")

	assert.Equal(t, 2, tel.Dropped())
	assert.Equal(t, 4, tel.Summary().Loops)

	close(release)
	tel.Close()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Reason)
	assert.Equal(t, "y", got[1].Reason)
}

func TestTelemetry_EventsAreCopies(t *testing.T) {
	tel := NewTelemetry("run-1", "", nil, nil, nil)
	tel.RecordLoop("a", "x")

	loops := tel.Loops()
	loops[0].Reason = "mutated"
	assert.Equal(t, "x", tel.Loops()[0].Reason)
}
