package workstream

import (
	"context"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/workstream/types"
)

// RunResult 一次完整运行的结果
type RunResult struct {
	RunID     string                    `json:"run_id"`
	Intent    string                    `json:"intent"`
	Version   string                    `json:"version"`
	Outputs   map[string]map[string]any `json:"outputs"`
	Outcomes  []*AtomOutcome            `json:"outcomes"`
	Snapshots []Snapshot                `json:"snapshots"`
	Telemetry TelemetrySummary          `json:"telemetry"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
	Error     string                    `json:"error,omitempty"`
	ErrorCode types.ErrorCode           `json:"error_code,omitempty"`
}

// Succeeded reports whether the run finished without error.
func (r *RunResult) Succeeded() bool { return r.Error == "" }

// RunArchive 持久化运行结果，写入失败不影响运行本身。
type RunArchive interface {
	SaveRun(ctx context.Context, result *RunResult) error
}

// RunnerOption 配置 Runner
type RunnerOption func(*Runner)

// WithArchive 设置运行结果归档
func WithArchive(a RunArchive) RunnerOption {
	return func(r *Runner) { r.archive = a }
}

// Runner 按依赖关系驱动整个 Plan。
// 每一波次取出全部就绪原子并发执行，并发度受 MaxParallel 限制；
// 循环信号触发回溯并把受影响原子重新排入待执行集合。
type Runner struct {
	ec      *EngineContext
	invoker Invoker
	archive RunArchive
	logger  *zap.Logger
}

// NewRunner 创建 Runner
func NewRunner(ec *EngineContext, invoker Invoker, opts ...RunnerOption) *Runner {
	r := &Runner{
		ec:      ec,
		invoker: invoker,
		logger:  ec.Logger.With(zap.String("component", "runner")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 在一次新的运行中执行 Plan。input 作为每个原子输入中的 "input" 字段。
// 出错时仍返回已完成部分的结果。
func (r *Runner) Run(ctx context.Context, plan *Plan, input map[string]any) (*RunResult, error) {
	if plan == nil {
		return nil, types.NewError(types.ErrInvalidInput, "plan is nil")
	}
	ws := NewWorkstream(r.ec, plan.Intent, r.invoker)
	defer ws.Close()
	return r.Continue(ctx, ws, plan, input)
}

// Continue 在已有的运行上再次驱动 Plan，用于上游事件重新触发同一工作流。
// 输入未变的纯原子直接跳过，有副作用的原子重新调用，循环检测与去重预算沿用之前的状态。
// ws 由调用方持有，结束后需调用 ws.Close。
func (r *Runner) Continue(ctx context.Context, ws *Workstream, plan *Plan, input map[string]any) (*RunResult, error) {
	if plan == nil {
		return nil, types.NewError(types.ErrInvalidInput, "plan is nil")
	}
	if ws == nil {
		return nil, types.NewError(types.ErrInvalidInput, "workstream is nil")
	}

	ctx, span := r.ec.Tracer.Start(ctx, "workstream.run", trace.WithAttributes(
		attribute.String("workstream.run_id", ws.ID()),
		attribute.String("workstream.intent", plan.Intent),
		attribute.Int("workstream.total_atoms", plan.TotalAtoms),
	))
	defer span.End()

	r.logger.Info("run started",
		zap.String("run_id", ws.ID()),
		zap.String("intent", plan.Intent),
		zap.Int("total_atoms", plan.TotalAtoms),
	)

	outcomes, err := r.drive(ctx, ws, plan, input)
	result := r.result(ws, plan, outcomes, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("run failed", zap.String("run_id", ws.ID()), zap.Error(err))
	} else {
		r.logger.Info("run completed",
			zap.String("run_id", ws.ID()),
			zap.Duration("duration", result.Duration),
			zap.Int("snapshots", len(result.Snapshots)),
			zap.Int("backtracks", result.Telemetry.Backtracks),
		)
	}

	if r.archive != nil {
		// 归档不受调用方取消影响
		if aerr := r.archive.SaveRun(context.WithoutCancel(ctx), result); aerr != nil {
			r.logger.Warn("failed to archive run", zap.String("run_id", ws.ID()), zap.Error(aerr))
		}
	}
	return result, err
}

func (r *Runner) drive(ctx context.Context, ws *Workstream, plan *Plan, input map[string]any) ([]*AtomOutcome, error) {
	pending := make(map[string]bool, len(plan.Sequence))
	for _, n := range plan.Sequence {
		pending[n.AtomID] = true
	}
	var all []*AtomOutcome

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return all, types.NewError(types.ErrAtomAborted, "run cancelled").WithCause(err)
		}

		completed := ws.Store().CompletedAtoms()
		var ready []AtomNode
		for _, n := range plan.Sequence {
			if pending[n.AtomID] && allDone(n.DependsOn, completed) && !anyPending(n.DependsOn, pending) {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			return all, types.NewError(types.ErrInternalError, "no runnable atoms but plan is incomplete")
		}

		wave := make([]*AtomOutcome, len(ready))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.ec.Config.MaxParallel)
		for i, n := range ready {
			g.Go(func() error {
				atomInput, opts := r.prepare(ws, n, input)
				out, err := ws.ExecuteAtom(gctx, n, atomInput, opts)
				wave[i] = out
				return err
			})
		}
		err := g.Wait()
		for _, out := range wave {
			if out != nil {
				all = append(all, out)
			}
		}
		if err != nil {
			return all, err
		}

		// 循环信号可能来自调用前（loop_detected）也可能来自结果（executed 但输出停滞）
		for _, out := range wave {
			delete(pending, out.AtomID)
			if out.Loop == nil {
				continue
			}
			rewind, err := ws.Backtrack(out.Loop, plan.Ancestors(out.AtomID), plan.Downstream(out.AtomID))
			if err != nil {
				return all, err
			}
			if rewind.Target == nil {
				return all, types.Errorf(types.ErrLoopUnrecoverable,
					"%s: no divergent snapshot to rewind to", out.Loop.Reason).WithAtom(out.AtomID)
			}
			for _, id := range rewind.ResetAtoms {
				pending[id] = true
			}
		}
	}
	return all, nil
}

// prepare 组装原子输入：运行输入、节点参数与上游输出
func (r *Runner) prepare(ws *Workstream, n AtomNode, input map[string]any) (map[string]any, ExecOptions) {
	upstream := make(map[string]any, len(n.DependsOn))
	refs := make(map[string]any, len(n.DependsOn))
	ids := make([]int64, 0, len(n.DependsOn))
	for _, dep := range n.DependsOn {
		if snap, ok := ws.Store().Latest(dep); ok {
			upstream[dep] = snap.Output
			refs[dep] = snap.ID
			ids = append(ids, snap.ID)
		}
	}

	atomInput := map[string]any{
		"input":      input,
		"parameters": n.Parameters,
		"upstream":   upstream,
	}
	opts := ExecOptions{
		Upstream: ids,
		Metadata: map[string]any{"upstream": refs, "version": n.Version},
	}
	return atomInput, opts
}

func (r *Runner) result(ws *Workstream, plan *Plan, outcomes []*AtomOutcome, err error) *RunResult {
	res := &RunResult{
		RunID:     ws.ID(),
		Intent:    plan.Intent,
		Version:   plan.Version,
		Outputs:   make(map[string]map[string]any, len(plan.Sequence)),
		Outcomes:  outcomes,
		Snapshots: ws.Store().Snapshots(),
		Telemetry: ws.Telemetry().Summary(),
		StartedAt: ws.StartedAt(),
		Duration:  r.ec.Clock().Sub(ws.StartedAt()),
	}
	for _, n := range plan.Sequence {
		if snap, ok := ws.Store().Latest(n.AtomID); ok {
			res.Outputs[n.AtomID] = maps.Clone(snap.Output)
		}
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = types.GetErrorCode(err)
	}
	return res
}

// anyPending 依赖本轮仍待执行（或回溯后重新排队）时，下游需等待其新结果
func anyPending(deps []string, pending map[string]bool) bool {
	for _, d := range deps {
		if pending[d] {
			return true
		}
	}
	return false
}

func allDone(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}
