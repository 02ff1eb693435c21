package workstream

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// 循环检测信号原因
const (
	LoopReasonInputRepeat     = "loop_detected_input_repeat"
	LoopReasonThrashing       = "loop_detected_thrashing"
	LoopReasonStall           = "loop_detected_stall"
	LoopReasonNoOutputChange  = "loop_detected_no_output_change"
	LoopReasonErrorRepetition = "loop_detected_error_repetition"
)

// LoopConfig 循环检测阈值。任一阈值 <= 0 时对应检测关闭。
type LoopConfig struct {
	Window               time.Duration // 滑动窗口长度
	InputRepeatThreshold int           // 窗口内同一 (atom, input) 尝试次数阈值
	RatioThreshold       float64       // 窗口内 尝试数/不同原子数 阈值
	StallThreshold       int           // 同一原子连续无进展尝试次数阈值
	PerNodeTimeBudget    time.Duration // 输出不变或持续失败的最长容忍时间
}

// DefaultLoopConfig returns the default detection thresholds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Window:               60 * time.Second,
		InputRepeatThreshold: 3,
		RatioThreshold:       4.0,
		StallThreshold:       5,
		PerNodeTimeBudget:    2 * time.Minute,
	}
}

// LoopSignal 是建议性的回溯信号，由调用方决定如何处理。
type LoopSignal struct {
	Reason    string `json:"reason"`
	AtomID    string `json:"atom_id"`
	InputHash string `json:"input_hash"`
	Attempts  int    `json:"attempts"`
	// StableCheckpoint 达到最高完成数时的快照 ID，-1 表示尚无
	StableCheckpoint int64 `json:"stable_checkpoint"`
}

type attemptKey struct {
	atomID    string
	inputHash string
}

type windowEntry struct {
	atomID string
	at     time.Time
}

// LoopDetector 观察尝试与结果流，识别无进展的重复执行。
type LoopDetector struct {
	mu     sync.Mutex
	cfg    LoopConfig
	clock  func() time.Time
	logger *zap.Logger

	window   []windowEntry
	attempts map[attemptKey][]time.Time
	baseline map[attemptKey]int

	stallCount     map[string]int
	stallCompleted map[string]int

	lastOutput      map[string]string
	outputChangedAt map[string]time.Time
	errorSince      map[string]time.Time
	errorBaseline   map[string]int

	maxCompleted int
	stable       int64
}

// NewLoopDetector 创建循环检测器
func NewLoopDetector(cfg LoopConfig, clock func() time.Time, logger *zap.Logger) *LoopDetector {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &LoopDetector{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(zap.String("component", "loop_detector")),
	}
	d.resetLocked()
	return d
}

func (d *LoopDetector) resetLocked() {
	d.window = nil
	d.attempts = make(map[attemptKey][]time.Time)
	d.baseline = make(map[attemptKey]int)
	d.stallCount = make(map[string]int)
	d.stallCompleted = make(map[string]int)
	d.lastOutput = make(map[string]string)
	d.outputChangedAt = make(map[string]time.Time)
	d.errorSince = make(map[string]time.Time)
	d.errorBaseline = make(map[string]int)
	d.maxCompleted = 0
	d.stable = -1
}

// NoteAttempt 在每次真正调用原子前记录一次尝试。completed 为当前已完成的不同原子数。
// 按 输入重复、抖动、停滞 的顺序检测，命中时返回信号。
func (d *LoopDetector) NoteAttempt(atomID, inputHash string, completed int) *LoopSignal {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	d.pruneLocked(now)
	d.window = append(d.window, windowEntry{atomID: atomID, at: now})

	key := attemptKey{atomID: atomID, inputHash: inputHash}
	base, seen := d.baseline[key]
	if !seen || completed > base {
		// 首次出现或已有进展：重新起算
		d.baseline[key] = completed
		d.attempts[key] = nil
	}
	d.attempts[key] = append(d.attempts[key], now)
	count := len(d.attempts[key])

	if d.cfg.InputRepeatThreshold > 0 && count >= d.cfg.InputRepeatThreshold {
		return d.signalLocked(LoopReasonInputRepeat, key, count)
	}

	if d.cfg.RatioThreshold > 0 {
		unique := make(map[string]struct{}, len(d.window))
		for _, e := range d.window {
			unique[e.atomID] = struct{}{}
		}
		if ratio := float64(len(d.window)) / float64(len(unique)); ratio > d.cfg.RatioThreshold {
			return d.signalLocked(LoopReasonThrashing, key, count)
		}
	}

	if prev, ok := d.stallCompleted[atomID]; ok {
		if completed > prev {
			d.stallCount[atomID] = 0
		} else {
			d.stallCount[atomID]++
		}
	}
	d.stallCompleted[atomID] = completed
	if d.cfg.StallThreshold > 0 && d.stallCount[atomID] >= d.cfg.StallThreshold {
		return d.signalLocked(LoopReasonStall, key, count)
	}

	return nil
}

// NoteResult 记录一次尝试的结果。成功时 snapshotID 为新快照 ID。
func (d *LoopDetector) NoteResult(atomID, inputHash, outputHash string, success bool, completed int, snapshotID int64) *LoopSignal {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	key := attemptKey{atomID: atomID, inputHash: inputHash}
	budget := d.cfg.PerNodeTimeBudget

	if !success {
		since, ok := d.errorSince[atomID]
		if !ok || completed > d.errorBaseline[atomID] {
			d.errorSince[atomID] = now
			d.errorBaseline[atomID] = completed
			return nil
		}
		if budget > 0 && now.Sub(since) > budget {
			return d.signalLocked(LoopReasonErrorRepetition, key, len(d.attempts[key]))
		}
		return nil
	}

	delete(d.errorSince, atomID)
	delete(d.errorBaseline, atomID)
	if completed > d.maxCompleted {
		d.maxCompleted = completed
		d.stable = snapshotID
	}

	last, ok := d.lastOutput[atomID]
	if !ok || last != outputHash {
		d.lastOutput[atomID] = outputHash
		d.outputChangedAt[atomID] = now
		return nil
	}
	if budget > 0 && now.Sub(d.outputChangedAt[atomID]) > budget {
		return d.signalLocked(LoopReasonNoOutputChange, key, len(d.attempts[key]))
	}
	return nil
}

// StableCheckpoint 返回达到最高完成数时的快照 ID，尚无时为 -1
func (d *LoopDetector) StableCheckpoint() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stable
}

// Forget 清除指定原子的全部检测状态，回溯后调用以免立即再次触发。
func (d *LoopDetector) Forget(atomIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	drop := make(map[string]struct{}, len(atomIDs))
	for _, id := range atomIDs {
		drop[id] = struct{}{}
		delete(d.stallCount, id)
		delete(d.stallCompleted, id)
		delete(d.lastOutput, id)
		delete(d.outputChangedAt, id)
		delete(d.errorSince, id)
		delete(d.errorBaseline, id)
	}
	for key := range d.attempts {
		if _, ok := drop[key.atomID]; ok {
			delete(d.attempts, key)
			delete(d.baseline, key)
		}
	}
	kept := d.window[:0]
	for _, e := range d.window {
		if _, ok := drop[e.atomID]; !ok {
			kept = append(kept, e)
		}
	}
	d.window = kept
}

// Reset 清空全部状态
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *LoopDetector) pruneLocked(now time.Time) {
	if d.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-d.cfg.Window)

	i := 0
	for i < len(d.window) && !d.window[i].at.After(cutoff) {
		i++
	}
	d.window = d.window[i:]

	for key, times := range d.attempts {
		j := 0
		for j < len(times) && !times[j].After(cutoff) {
			j++
		}
		d.attempts[key] = times[j:]
	}
}

func (d *LoopDetector) signalLocked(reason string, key attemptKey, attempts int) *LoopSignal {
	d.logger.Warn("loop detected",
		zap.String("reason", reason),
		zap.String("atom_id", key.atomID),
		zap.Int("attempts", attempts),
	)
	return &LoopSignal{
		Reason:           reason,
		AtomID:           key.atomID,
		InputHash:        key.inputHash,
		Attempts:         attempts,
		StableCheckpoint: d.stable,
	}
}
