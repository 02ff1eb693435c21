package workstream

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind 遥测事件类别
type EventKind string

const (
	EventRetry       EventKind = "retry"
	EventDuplicate   EventKind = "duplicate"
	EventCircuitTrip EventKind = "circuit_trip"
	EventLoop        EventKind = "loop"
	EventBacktrack   EventKind = "backtrack"
	// EventExecution 每次 ExecuteAtom 结束时产生，只转发给 sink，不计入 Summary
	EventExecution EventKind = "execution"
)

// Event 是一条遥测记录。
type Event struct {
	Kind      EventKind     `json:"kind"`
	RunID     string        `json:"run_id"`
	Intent    string        `json:"intent,omitempty"`
	AtomID    string        `json:"atom_id"`
	Attempt   int           `json:"attempt,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Status    string        `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// TelemetrySink 接收遥测事件的外部观察者（如 Prometheus 采集器）。
// 每次运行由一个 goroutine 按记录顺序调用 Consume，不同运行之间并发。
type TelemetrySink interface {
	Consume(event Event)
}

// TelemetrySinkFunc adapts a function to TelemetrySink.
type TelemetrySinkFunc func(Event)

// Consume calls f.
func (f TelemetrySinkFunc) Consume(e Event) { f(e) }

// TelemetrySummary 各类事件计数
type TelemetrySummary struct {
	Retries      int `json:"retries"`
	Duplicates   int `json:"duplicates"`
	CircuitTrips int `json:"circuit_trips"`
	Loops        int `json:"loops"`
	Backtracks   int `json:"backtracks"`
}

// defaultSinkBuffer 每次运行排队等待 sink 的事件上限，超出的事件丢弃并计数
const defaultSinkBuffer = 1024

// Telemetry 单次运行的事件记录器，只追加。
// 设置了 sink 时事件经缓冲队列由单个 goroutine 转发，Close 等待队列排空。
type Telemetry struct {
	mu     sync.Mutex
	runID  string
	intent string
	events map[EventKind][]Event
	sink   TelemetrySink
	clock  func() time.Time
	logger *zap.Logger

	queue   chan Event
	done    chan struct{}
	closed  bool
	dropped int
}

// NewTelemetry 创建运行级遥测记录器，sink 可为 nil。
func NewTelemetry(runID, intent string, sink TelemetrySink, clock func() time.Time, logger *zap.Logger) *Telemetry {
	return newTelemetry(runID, intent, sink, clock, logger, defaultSinkBuffer)
}

func newTelemetry(runID, intent string, sink TelemetrySink, clock func() time.Time, logger *zap.Logger, buffer int) *Telemetry {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{
		runID:  runID,
		intent: intent,
		events: make(map[EventKind][]Event),
		sink:   sink,
		clock:  clock,
		logger: logger,
	}
	if sink != nil {
		t.queue = make(chan Event, buffer)
		t.done = make(chan struct{})
		go t.drain()
	}
	return t
}

func (t *Telemetry) drain() {
	defer close(t.done)
	for e := range t.queue {
		t.sink.Consume(e)
	}
}

// Close 停止接收新事件并等待 sink 处理完已排队的事件。可重复调用。
// Close 之后记录的事件仍计入 Summary，但不再转发。
func (t *Telemetry) Close() {
	if t.queue == nil {
		return
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	<-t.done
}

// Dropped 返回因队列已满未能转发给 sink 的事件数
func (t *Telemetry) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// RecordRetry 记录一次失败尝试
func (t *Telemetry) RecordRetry(atomID string, attempt int, err error) {
	e := Event{Kind: EventRetry, AtomID: atomID, Attempt: attempt}
	if err != nil {
		e.Error = err.Error()
	}
	t.record(e)
}

// RecordDuplicate 记录一次被去重（短路、缓存命中、输入未变）的调用
func (t *Telemetry) RecordDuplicate(atomID, reason string) {
	t.record(Event{Kind: EventDuplicate, AtomID: atomID, Reason: reason})
}

// RecordCircuitTrip 记录熔断器拒绝
func (t *Telemetry) RecordCircuitTrip(atomID string) {
	t.record(Event{Kind: EventCircuitTrip, AtomID: atomID})
}

// RecordLoop 记录循环检测信号
func (t *Telemetry) RecordLoop(atomID, reason string) {
	t.record(Event{Kind: EventLoop, AtomID: atomID, Reason: reason})
}

// RecordBacktrack 记录一次回溯
func (t *Telemetry) RecordBacktrack(atomID, reason string, count int) {
	t.record(Event{Kind: EventBacktrack, AtomID: atomID, Reason: reason, Attempt: count})
}

// RecordExecution 记录一次 ExecuteAtom 的最终状态，仅转发给 sink
func (t *Telemetry) RecordExecution(atomID, status string, attempts int, d time.Duration, err error) {
	e := Event{Kind: EventExecution, AtomID: atomID, Status: status, Attempt: attempts, Duration: d}
	if err != nil {
		e.Error = err.Error()
	}
	t.record(e)
}

func (t *Telemetry) record(e Event) {
	e.RunID = t.runID
	e.Intent = t.intent
	e.Timestamp = t.clock()

	dropped := false
	t.mu.Lock()
	if e.Kind != EventExecution {
		t.events[e.Kind] = append(t.events[e.Kind], e)
	}
	if t.queue != nil && !t.closed {
		// 队列满时丢弃，运行本身不等待 sink
		select {
		case t.queue <- e:
		default:
			t.dropped++
			dropped = true
		}
	}
	t.mu.Unlock()

	t.logger.Debug("telemetry event",
		zap.String("kind", string(e.Kind)),
		zap.String("atom_id", e.AtomID),
		zap.String("reason", e.Reason),
	)
	if dropped {
		t.logger.Warn("telemetry sink is lagging, event dropped",
			zap.String("kind", string(e.Kind)),
			zap.String("atom_id", e.AtomID),
		)
	}
}

// Events 返回某类事件的副本
func (t *Telemetry) Events(kind EventKind) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events[kind])
}

// Retries returns recorded retry events.
func (t *Telemetry) Retries() []Event { return t.Events(EventRetry) }

// Duplicates returns recorded duplicate events.
func (t *Telemetry) Duplicates() []Event { return t.Events(EventDuplicate) }

// CircuitTrips returns recorded circuit trip events.
func (t *Telemetry) CircuitTrips() []Event { return t.Events(EventCircuitTrip) }

// Loops returns recorded loop events.
func (t *Telemetry) Loops() []Event { return t.Events(EventLoop) }

// Backtracks returns recorded backtrack events.
func (t *Telemetry) Backtracks() []Event { return t.Events(EventBacktrack) }

// Summary 返回各类事件计数
func (t *Telemetry) Summary() TelemetrySummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TelemetrySummary{
		Retries:      len(t.events[EventRetry]),
		Duplicates:   len(t.events[EventDuplicate]),
		CircuitTrips: len(t.events[EventCircuitTrip]),
		Loops:        len(t.events[EventLoop]),
		Backtracks:   len(t.events[EventBacktrack]),
	}
}
