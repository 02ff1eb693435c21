package workstream

import (
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/workstream/types"
)

// StoreConfig ContextStore 的预算配置
type StoreConfig struct {
	// DedupeBudget 同一 (atom, input hash) 在重置游标之后允许登记的最大次数，<= 0 表示不限
	DedupeBudget int
	// Cooldown 同一原子两次执行之间的最小间隔，<= 0 表示关闭
	Cooldown time.Duration
	// MaxBacktracks 连续回溯次数上限
	MaxBacktracks int
	// BacktrackTimeBudget 一轮连续回溯允许持续的最长时间，<= 0 表示不限
	BacktrackTimeBudget time.Duration
}

// Snapshot 一次成功执行的不可变记录。ID 在单次运行内单调递增，等于其在全局日志中的下标。
type Snapshot struct {
	ID           int64          `json:"id"`
	AtomID       string         `json:"atom_id"`
	InputHash    string         `json:"input_hash"`
	Output       map[string]any `json:"output"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	MetadataHash string         `json:"metadata_hash"`
	Upstream     []int64        `json:"upstream,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	LoopFlag     bool           `json:"loop_flag"`
}

func (s *Snapshot) clone() Snapshot {
	c := *s
	c.Output = maps.Clone(s.Output)
	c.Metadata = maps.Clone(s.Metadata)
	c.Upstream = slices.Clone(s.Upstream)
	return c
}

// ContextStore 单次运行的追加式快照日志。
// 快照一旦写入只可能被打上 LoopFlag，不会被修改或删除（HardReset 除外）。
type ContextStore struct {
	mu        sync.Mutex
	cfg       StoreConfig
	clock     func() time.Time
	telemetry *Telemetry
	logger    *zap.Logger

	snapshots        []*Snapshot
	byAtom           map[string][]*Snapshot
	lastInputs       map[string]string
	lastMetadataHash map[string]string
	lastExecutedAt   map[string]time.Time
	dedupeCursor     map[string]int64
	blocked          map[string]bool
	pinned           int64

	consecutiveBacktracks int
	backtrackStartedAt    time.Time
}

// NewContextStore 创建空的 ContextStore，telemetry 可为 nil。
func NewContextStore(cfg StoreConfig, clock func() time.Time, telemetry *Telemetry, logger *zap.Logger) *ContextStore {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ContextStore{
		cfg:       cfg,
		clock:     clock,
		telemetry: telemetry,
		logger:    logger.With(zap.String("component", "context_store")),
	}
	s.resetLocked()
	return s
}

func (s *ContextStore) resetLocked() {
	s.snapshots = nil
	s.byAtom = make(map[string][]*Snapshot)
	s.lastInputs = make(map[string]string)
	s.lastMetadataHash = make(map[string]string)
	s.lastExecutedAt = make(map[string]time.Time)
	s.dedupeCursor = make(map[string]int64)
	s.blocked = make(map[string]bool)
	s.pinned = -1
	s.consecutiveBacktracks = 0
	s.backtrackStartedAt = time.Time{}
}

// RegisterExecution 登记一次成功执行并返回新快照。
// 若同一 (atom, input hash) 自上次重置以来已登记满 DedupeBudget 次，返回 DEDUPE_BUDGET_EXCEEDED。
// 登记成功会清零连续回溯计数并解除该原子的回溯阻塞。
// 冷却判断跟踪 metadata 自身的指纹。
func (s *ContextStore) RegisterExecution(atomID, inputHash string, output, metadata map[string]any, upstream []int64) (Snapshot, error) {
	metaHash, err := NormalizeOutput(metadata)
	if err != nil {
		return Snapshot{}, err
	}
	return s.RegisterTriggered(atomID, inputHash, metaHash, output, metadata, upstream)
}

// RegisterTriggered 与 RegisterExecution 相同，但冷却跟踪调用方给出的 triggerHash。
// 快照保存的 metadata 可以含有原子返回的字段，它们不参与冷却比较。
func (s *ContextStore) RegisterTriggered(atomID, inputHash, triggerHash string, output, metadata map[string]any, upstream []int64) (Snapshot, error) {
	metaHash, err := NormalizeOutput(metadata)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.DedupeBudget > 0 {
		cursor := s.dedupeCursor[atomID]
		count := 0
		for _, snap := range s.byAtom[atomID] {
			if snap.ID >= cursor && snap.InputHash == inputHash {
				count++
			}
		}
		if count >= s.cfg.DedupeBudget {
			s.logger.Warn("dedupe budget exceeded",
				zap.String("atom_id", atomID),
				zap.String("input_hash", inputHash),
				zap.Int("budget", s.cfg.DedupeBudget),
			)
			return Snapshot{}, types.Errorf(types.ErrDedupeBudgetExceeded,
				"atom %s executed %d times with identical input", atomID, count).WithAtom(atomID)
		}
	}

	now := s.clock()
	snap := &Snapshot{
		ID:           int64(len(s.snapshots)),
		AtomID:       atomID,
		InputHash:    inputHash,
		Output:       maps.Clone(output),
		Metadata:     maps.Clone(metadata),
		MetadataHash: metaHash,
		Upstream:     slices.Clone(upstream),
		Timestamp:    now,
	}
	s.snapshots = append(s.snapshots, snap)
	s.byAtom[atomID] = append(s.byAtom[atomID], snap)
	s.lastInputs[atomID] = inputHash
	s.lastMetadataHash[atomID] = triggerHash
	s.lastExecutedAt[atomID] = now
	delete(s.blocked, atomID)
	s.consecutiveBacktracks = 0
	s.backtrackStartedAt = time.Time{}

	return snap.clone(), nil
}

// ShouldShortCircuit 查找同一原子、同一输入的最新有效快照。
// 命中时记录一次 duplicate 遥测。被打上 LoopFlag 的快照与处于回溯阻塞的原子不参与短路。
func (s *ContextStore) ShouldShortCircuit(atomID, inputHash string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blocked[atomID] {
		return Snapshot{}, false
	}
	list := s.byAtom[atomID]
	for i := len(list) - 1; i >= 0; i-- {
		snap := list[i]
		if snap.LoopFlag || snap.InputHash != inputHash {
			continue
		}
		if s.telemetry != nil {
			s.telemetry.RecordDuplicate(atomID, "short_circuit")
		}
		return snap.clone(), true
	}
	return Snapshot{}, false
}

// InCooldown 判断原子是否仍处于冷却期。
// 调用方给出的 metadataHash 与已记录的不同时视为上游已变化，不冷却；
// metadataHash 为空时按冷却处理。
func (s *ContextStore) InCooldown(atomID, metadataHash string) bool {
	if s.cfg.Cooldown <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastExecutedAt[atomID]
	if !ok {
		return false
	}
	if tracked := s.lastMetadataHash[atomID]; metadataHash != "" && metadataHash != tracked {
		return false
	}
	return s.clock().Sub(last) < s.cfg.Cooldown
}

// RecordBacktrack 累加连续回溯计数，返回当前计数以及是否已超出 MaxBacktracks。
func (s *ContextStore) RecordBacktrack() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consecutiveBacktracks == 0 {
		s.backtrackStartedAt = s.clock()
	}
	s.consecutiveBacktracks++
	return s.consecutiveBacktracks, s.consecutiveBacktracks > s.cfg.MaxBacktracks
}

// BacktrackTimeExhausted 判断本轮连续回溯是否已超出时间预算
func (s *ContextStore) BacktrackTimeExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.BacktrackTimeBudget <= 0 || s.consecutiveBacktracks == 0 {
		return false
	}
	return s.clock().Sub(s.backtrackStartedAt) > s.cfg.BacktrackTimeBudget
}

// ConsecutiveBacktracks returns the current backtrack streak length.
func (s *ContextStore) ConsecutiveBacktracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveBacktracks
}

// FindDivergentSnapshot 寻找回溯目标。
// 先在该原子自身的有效快照中从新到旧找输入指纹不同的一条；
// 找不到时按 ancestors 给定顺序，在祖先原子中找早于循环起点的最新有效快照。
func (s *ContextStore) FindDivergentSnapshot(atomID, currentInputHash string, ancestors []string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byAtom[atomID]
	loopStart := int64(len(s.snapshots))
	for _, snap := range list {
		if snap.InputHash == currentInputHash {
			loopStart = snap.ID
			break
		}
	}
	for i := len(list) - 1; i >= 0; i-- {
		snap := list[i]
		if !snap.LoopFlag && snap.InputHash != currentInputHash {
			return snap.clone(), true
		}
	}

	for _, ancestor := range ancestors {
		alist := s.byAtom[ancestor]
		for i := len(alist) - 1; i >= 0; i-- {
			snap := alist[i]
			if !snap.LoopFlag && snap.ID < loopStart {
				return snap.clone(), true
			}
		}
	}
	return Snapshot{}, false
}

// ResetDedupeGuards 回溯后调用：推进去重游标，清空最近输入、元数据与执行时间，
// 并把这些原子标记为回溯阻塞，直到它们重新登记执行。
func (s *ContextStore) ResetDedupeGuards(atomIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(len(s.snapshots))
	for _, id := range atomIDs {
		s.dedupeCursor[id] = next
		delete(s.lastInputs, id)
		delete(s.lastMetadataHash, id)
		delete(s.lastExecutedAt, id)
		s.blocked[id] = true
	}
}

// DedupeCursor 返回原子的去重游标：该 ID 之前的快照不再计入去重预算
func (s *ContextStore) DedupeCursor(atomID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedupeCursor[atomID]
}

// Blocked reports whether the atom awaits re-execution after a rewind.
func (s *ContextStore) Blocked(atomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[atomID]
}

// MarkLoop 把快照标记为循环产物，标记后不再计入完成状态与短路。
func (s *ContextStore) MarkLoop(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id >= 0 && id < int64(len(s.snapshots)) {
			s.snapshots[id].LoopFlag = true
		}
	}
}

// SnapshotIDs 返回去重游标之后、该原子以给定输入登记且未标记循环的快照 ID。
func (s *ContextStore) SnapshotIDs(atomID, inputHash string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.dedupeCursor[atomID]
	var ids []int64
	for _, snap := range s.byAtom[atomID] {
		if snap.ID >= cursor && !snap.LoopFlag && snap.InputHash == inputHash {
			ids = append(ids, snap.ID)
		}
	}
	return ids
}

// PinSnapshot 固定一个快照作为回溯锚点
func (s *ContextStore) PinSnapshot(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= int64(len(s.snapshots)) {
		return types.Errorf(types.ErrInvalidInput, "snapshot %d does not exist", id)
	}
	s.pinned = id
	return nil
}

// Pinned 返回当前固定的快照
func (s *ContextStore) Pinned() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned < 0 {
		return Snapshot{}, false
	}
	return s.snapshots[s.pinned].clone(), true
}

// Latest 返回原子最新的有效快照
func (s *ContextStore) Latest(atomID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byAtom[atomID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].LoopFlag {
			return list[i].clone(), true
		}
	}
	return Snapshot{}, false
}

// Get returns the snapshot with the given id.
func (s *ContextStore) Get(id int64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= int64(len(s.snapshots)) {
		return Snapshot{}, false
	}
	return s.snapshots[id].clone(), true
}

// Lineage 沿 Upstream 引用回溯出完整血缘，按 ID 升序返回（含自身）。
func (s *ContextStore) Lineage(id int64) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || id >= int64(len(s.snapshots)) {
		return nil
	}
	seen := map[int64]bool{id: true}
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, up := range s.snapshots[cur].Upstream {
			if up >= 0 && up < int64(len(s.snapshots)) && !seen[up] {
				seen[up] = true
				queue = append(queue, up)
			}
		}
	}

	ids := slices.Sorted(maps.Keys(seen))
	out := make([]Snapshot, 0, len(ids))
	for _, i := range ids {
		out = append(out, s.snapshots[i].clone())
	}
	return out
}

// Snapshots 返回全部快照的副本
func (s *ContextStore) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	for i, snap := range s.snapshots {
		out[i] = snap.clone()
	}
	return out
}

// CompletedAtoms 返回至少有一条有效快照的原子集合
func (s *ContextStore) CompletedAtoms() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedLocked()
}

// CompletedCount returns len(CompletedAtoms()).
func (s *ContextStore) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completedLocked())
}

func (s *ContextStore) completedLocked() map[string]bool {
	done := make(map[string]bool, len(s.byAtom))
	for atomID, list := range s.byAtom {
		for _, snap := range list {
			if !snap.LoopFlag {
				done[atomID] = true
				break
			}
		}
	}
	return done
}

// LastInputs 返回每个原子最近一次登记的输入指纹
func (s *ContextStore) LastInputs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.lastInputs)
}

// HardReset 清空全部状态，用于放弃当前运行并从头开始。
func (s *ContextStore) HardReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.logger.Info("context store hard reset")
}
