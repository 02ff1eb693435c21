package workstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/circuitbreaker"
	"github.com/BaSui01/workstream/internal/ctxkeys"
	"github.com/BaSui01/workstream/types"
)

// Status ExecuteAtom 的结果类别
type Status string

const (
	StatusExecuted       Status = "executed"
	StatusShortCircuited Status = "short_circuited"
	StatusMemoized       Status = "memoized"
	StatusUnchanged      Status = "unchanged"
	StatusCooldown       Status = "cooldown"
	StatusLoopDetected   Status = "loop_detected"
	StatusFailed         Status = "failed"
)

// ExecOptions ExecuteAtom 的调用参数
type ExecOptions struct {
	// Force 跳过输入未变检查、短路、缓存与冷却
	Force bool
	// Upstream 本次输入来源的上游快照 ID
	Upstream []int64
	// Metadata 随快照保存，其指纹用于冷却判断
	Metadata map[string]any
}

// AtomOutcome ExecuteAtom 的结果
type AtomOutcome struct {
	AtomID     string         `json:"atom_id"`
	Status     Status         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	SnapshotID int64          `json:"snapshot_id"`
	InputHash  string         `json:"input_hash"`
	Attempts   int            `json:"attempts"`
	Loop       *LoopSignal    `json:"loop,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Rewind Backtrack 的结果
type Rewind struct {
	// Target 回溯目标快照，nil 表示找不到可回退的分歧点
	Target     *Snapshot `json:"target,omitempty"`
	ResetAtoms []string  `json:"reset_atoms"`
	Backtracks int       `json:"backtracks"`
}

// Workstream 单次运行的全部可变状态。
// 所有状态变更在 mu 下串行执行，原子调用本身在锁外进行。
type Workstream struct {
	id      string
	intent  string
	ec      *EngineContext
	invoker Invoker
	logger  *zap.Logger

	mu        sync.Mutex
	store     *ContextStore
	detector  *LoopDetector
	telemetry *Telemetry
	policies  map[string]*ExecutionPolicy
	startedAt time.Time
}

// NewWorkstream 创建一次新的运行，运行 ID 为随机 UUID。
func NewWorkstream(ec *EngineContext, intent string, invoker Invoker) *Workstream {
	id := uuid.NewString()
	logger := ec.Logger.With(
		zap.String("component", "workstream"),
		zap.String("run_id", id),
		zap.String("intent", intent),
	)
	tel := NewTelemetry(id, intent, ec.Sink, ec.Clock, logger)
	return &Workstream{
		id:        id,
		intent:    intent,
		ec:        ec,
		invoker:   invoker,
		logger:    logger,
		store:     NewContextStore(ec.Config.Store, ec.Clock, tel, logger),
		detector:  NewLoopDetector(ec.Config.Loop, ec.Clock, logger),
		telemetry: tel,
		policies:  make(map[string]*ExecutionPolicy),
		startedAt: ec.Clock(),
	}
}

// ID returns the run id.
func (w *Workstream) ID() string { return w.id }

// Intent returns the intent the run was created for.
func (w *Workstream) Intent() string { return w.intent }

// Store returns the run's context store.
func (w *Workstream) Store() *ContextStore { return w.store }

// Detector returns the run's loop detector.
func (w *Workstream) Detector() *LoopDetector { return w.detector }

// Telemetry returns the run's telemetry recorder.
func (w *Workstream) Telemetry() *Telemetry { return w.telemetry }

// StartedAt returns the run start time.
func (w *Workstream) StartedAt() time.Time { return w.startedAt }

// Policy 返回原子专属的执行策略，首次访问时创建。
func (w *Workstream) Policy(atomID string) *ExecutionPolicy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policyLocked(atomID)
}

func (w *Workstream) policyLocked(atomID string) *ExecutionPolicy {
	if p, ok := w.policies[atomID]; ok {
		return p
	}
	bc := w.ec.Config.Breaker
	bc.Clock = w.ec.Clock
	breaker := circuitbreaker.New(atomID, &bc, w.logger)
	p := NewExecutionPolicy(atomID, w.ec.Config.Retry, breaker, w.telemetry, w.ec.Sleep, w.logger)
	w.policies[atomID] = p
	return p
}

// ExecuteAtom 执行单个原子的完整流程：
// 依赖检查、输入未变跳过、运行内短路、冷却、循环检测、跨运行缓存、策略执行、登记快照。
// 循环信号不作为错误返回，而是 Status 为 StatusLoopDetected 的结果，由调用方决定是否回溯。
func (w *Workstream) ExecuteAtom(ctx context.Context, node AtomNode, input map[string]any, opts ExecOptions) (*AtomOutcome, error) {
	start := w.ec.Clock()
	ctx = ctxkeys.WithRunID(ctx, w.id)
	ctx = ctxkeys.WithIntent(ctx, w.intent)
	ctx = ctxkeys.WithAtomID(ctx, node.AtomID)
	ctx, span := w.ec.Tracer.Start(ctx, "workstream.atom", trace.WithAttributes(
		attribute.String("workstream.run_id", w.id),
		attribute.String("atom.id", node.AtomID),
		attribute.String("atom.version", node.Version),
	))
	defer span.End()

	out, err := w.execute(ctx, node, input, opts)
	if out != nil {
		out.Duration = w.ec.Clock().Sub(start)
		span.SetAttributes(attribute.String("atom.status", string(out.Status)))
		w.telemetry.RecordExecution(node.AtomID, string(out.Status), out.Attempts, out.Duration, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (w *Workstream) execute(ctx context.Context, node AtomNode, input map[string]any, opts ExecOptions) (*AtomOutcome, error) {
	hash, err := Normalize(input, w.ec.Config.VolatileFields...)
	if err != nil {
		return nil, err
	}
	metaHash, err := NormalizeOutput(opts.Metadata)
	if err != nil {
		return nil, err
	}
	outcome := &AtomOutcome{AtomID: node.AtomID, InputHash: hash, SnapshotID: -1}
	reinvoke := opts.Force || !node.Pure()

	w.mu.Lock()
	ok, err := RuntimeValidate(node, w.store.CompletedAtoms(), hash, w.store.LastInputs(), reinvoke)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if !ok {
		w.mu.Unlock()
		w.telemetry.RecordDuplicate(node.AtomID, "unchanged")
		return w.fromLatest(outcome, StatusUnchanged), nil
	}

	if node.Pure() && !opts.Force && w.ec.Config.ShortCircuit {
		if snap, hit := w.store.ShouldShortCircuit(node.AtomID, hash); hit {
			w.mu.Unlock()
			outcome.Status = StatusShortCircuited
			outcome.Output = snap.Output
			outcome.SnapshotID = snap.ID
			return outcome, nil
		}
	}

	if !opts.Force && w.store.InCooldown(node.AtomID, metaHash) {
		w.mu.Unlock()
		w.logger.Debug("atom in cooldown", zap.String("atom_id", node.AtomID))
		return w.fromLatest(outcome, StatusCooldown), nil
	}

	if sig := w.detector.NoteAttempt(node.AtomID, hash, w.store.CompletedCount()); sig != nil {
		w.mu.Unlock()
		w.telemetry.RecordLoop(node.AtomID, sig.Reason)
		outcome.Status = StatusLoopDetected
		outcome.Loop = sig
		return outcome, nil
	}
	policy := w.policyLocked(node.AtomID)
	if !node.Pure() {
		// 回溯推进游标后换用新键，避免服务端把合法的重新执行当作重复请求
		ctx = ctxkeys.WithIdempotencyKey(ctx, executionKey(w.id, node.AtomID, w.store.DedupeCursor(node.AtomID), hash))
	}
	w.mu.Unlock()

	identity := AtomIdentity{Name: node.AtomID, InputHash: hash, Version: node.Version}
	memo := w.ec.Memoizer
	useMemo := memo != nil && node.Pure() && !opts.Force

	if useMemo {
		cached, hit, err := memo.Get(ctx, identity)
		if err != nil {
			w.logger.Warn("memoizer lookup failed", zap.String("atom_id", node.AtomID), zap.Error(err))
		} else if hit {
			w.telemetry.RecordDuplicate(node.AtomID, "memo")
			meta := mergeMetadata(opts.Metadata, map[string]any{"memoized": true})
			return w.commit(outcome, StatusMemoized, node, hash, metaHash, cached, meta, opts.Upstream, 0)
		}
	}

	res, attempts, err := policy.Run(ctx, func(ctx context.Context) (AtomResult, error) {
		return w.invoker.Invoke(ctx, node, input)
	}, identity, node.Idempotency, opts.Force)
	outcome.Attempts = attempts
	if err != nil {
		w.mu.Lock()
		sig := w.detector.NoteResult(node.AtomID, hash, "", false, w.store.CompletedCount(), -1)
		w.mu.Unlock()
		if sig != nil {
			w.telemetry.RecordLoop(node.AtomID, sig.Reason)
			outcome.Loop = sig
		}
		outcome.Status = StatusFailed
		return outcome, err
	}

	meta := mergeMetadata(opts.Metadata, res.Metadata)
	outcome, err = w.commit(outcome, StatusExecuted, node, hash, metaHash, res.Output, meta, opts.Upstream, attempts)
	if err != nil {
		return outcome, err
	}
	if useMemo {
		if err := memo.Set(ctx, identity, res.Output); err != nil {
			w.logger.Warn("memoizer write failed", zap.String("atom_id", node.AtomID), zap.Error(err))
		}
	}
	return outcome, nil
}

// commit 登记快照并通知循环检测器。
// triggerHash 是调用方 metadata 的指纹，冷却只与它比较。
func (w *Workstream) commit(outcome *AtomOutcome, status Status, node AtomNode, hash, triggerHash string,
	output, metadata map[string]any, upstream []int64, attempts int) (*AtomOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.store.RegisterTriggered(node.AtomID, hash, triggerHash, output, metadata, upstream)
	if err != nil {
		outcome.Status = StatusFailed
		return outcome, err
	}
	outHash, err := NormalizeOutput(output)
	if err != nil {
		return nil, err
	}
	if sig := w.detector.NoteResult(node.AtomID, hash, outHash, true, w.store.CompletedCount(), snap.ID); sig != nil {
		w.telemetry.RecordLoop(node.AtomID, sig.Reason)
		outcome.Loop = sig
	}

	outcome.Status = status
	outcome.Output = snap.Output
	outcome.SnapshotID = snap.ID
	outcome.Attempts = attempts
	return outcome, nil
}

func (w *Workstream) fromLatest(outcome *AtomOutcome, status Status) *AtomOutcome {
	outcome.Status = status
	if snap, ok := w.store.Latest(outcome.AtomID); ok {
		outcome.Output = snap.Output
		outcome.SnapshotID = snap.ID
	}
	return outcome
}

// Backtrack 处理循环信号：
// 累加回溯计数并检查次数与时间预算，把循环快照标记为 LoopFlag，
// 寻找分歧快照作为回溯目标，重置原子及其下游的去重状态与检测状态。
// 超出预算返回 BACKTRACK_BUDGET_EXCEEDED。
func (w *Workstream) Backtrack(sig *LoopSignal, ancestors, downstream []string) (*Rewind, error) {
	if sig == nil {
		return nil, types.NewError(types.ErrInternalError, "backtrack requires a loop signal")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	count, exceeded := w.store.RecordBacktrack()
	w.telemetry.RecordBacktrack(sig.AtomID, sig.Reason, count)
	if exceeded || w.store.BacktrackTimeExhausted() {
		w.logger.Error("backtrack budget exceeded",
			zap.String("atom_id", sig.AtomID),
			zap.Int("backtracks", count),
			zap.Int("max_backtracks", w.ec.Config.Store.MaxBacktracks),
		)
		return nil, types.Errorf(types.ErrBacktrackBudgetExceeded,
			"%d consecutive backtracks (max %d)", count, w.ec.Config.Store.MaxBacktracks).WithAtom(sig.AtomID)
	}

	w.store.MarkLoop(w.store.SnapshotIDs(sig.AtomID, sig.InputHash)...)

	rewind := &Rewind{Backtracks: count}
	if target, ok := w.store.FindDivergentSnapshot(sig.AtomID, sig.InputHash, ancestors); ok {
		rewind.Target = &target
		if err := w.store.PinSnapshot(target.ID); err != nil {
			return nil, err
		}
	}

	reset := append([]string{sig.AtomID}, downstream...)
	w.store.ResetDedupeGuards(reset)
	w.detector.Forget(reset...)
	rewind.ResetAtoms = reset

	w.logger.Info("backtracked",
		zap.String("atom_id", sig.AtomID),
		zap.String("reason", sig.Reason),
		zap.Int("backtracks", count),
		zap.Strings("reset_atoms", reset),
		zap.Bool("has_target", rewind.Target != nil),
	)
	return rewind, nil
}

// Close 等待已记录的遥测事件全部交给 sink，运行结束时调用。
func (w *Workstream) Close() { w.telemetry.Close() }

// Reset 放弃当前运行的全部状态并从头开始
func (w *Workstream) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store.HardReset()
	w.detector.Reset()
	for _, p := range w.policies {
		p.Breaker().Reset()
	}
	w.startedAt = w.ec.Clock()
}

// executionKey 同一次运行、同一游标区间内相同输入的执行共享一个幂等键
func executionKey(runID, atomID string, cursor int64, inputHash string) string {
	if len(inputHash) > 16 {
		inputHash = inputHash[:16]
	}
	return fmt.Sprintf("%s:%s:%d:%s", runID, atomID, cursor, inputHash)
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
