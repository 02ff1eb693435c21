package workstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/workstream/types"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(cfg StoreConfig, clock *fakeClock) (*ContextStore, *Telemetry) {
	tel := NewTelemetry("run", "", nil, clock.Now, nil)
	return NewContextStore(cfg, clock.Now, tel, nil), tel
}

func TestContextStore_RegisterAssignsMonotonicIDs(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(StoreConfig{DedupeBudget: 3}, clock)

	s0, err := store.RegisterExecution("a", "h1", map[string]any{"v": 1}, nil, nil)
	require.NoError(t, err)
	s1, err := store.RegisterExecution("b", "h2", map[string]any{"v": 2}, nil, []int64{s0.ID})
	require.NoError(t, err)

	assert.Equal(t, int64(0), s0.ID)
	assert.Equal(t, int64(1), s1.ID)
	assert.Equal(t, []int64{0}, s1.Upstream)
	assert.Equal(t, clock.Now(), s1.Timestamp)
	assert.Len(t, s0.MetadataHash, 64)
	assert.Equal(t, map[string]string{"a": "h1", "b": "h2"}, store.LastInputs())
	assert.Equal(t, 2, store.CompletedCount())
}

func TestContextStore_DedupeBudget(t *testing.T) {
	store, _ := newTestStore(StoreConfig{DedupeBudget: 2}, newFakeClock())

	for i := 0; i < 2; i++ {
		_, err := store.RegisterExecution("a", "h", nil, nil, nil)
		require.NoError(t, err)
	}
	_, err := store.RegisterExecution("a", "h", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDedupeBudgetExceeded))

	// 不同输入不受影响
	_, err = store.RegisterExecution("a", "other", nil, nil, nil)
	require.NoError(t, err)

	// 重置游标后恢复预算
	store.ResetDedupeGuards([]string{"a"})
	_, err = store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)
}

func TestContextStore_DedupeDisabled(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())
	for i := 0; i < 10; i++ {
		_, err := store.RegisterExecution("a", "h", nil, nil, nil)
		require.NoError(t, err)
	}
}

// 重置游标之后恰好允许 budget 次登记，第 budget+1 次失败
func TestProperty_DedupeBudgetLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(1, 6).Draw(t, "budget")
		resets := rapid.IntRange(0, 3).Draw(t, "resets")
		store, _ := newTestStore(StoreConfig{DedupeBudget: budget}, newFakeClock())

		for round := 0; round <= resets; round++ {
			for i := 0; i < budget; i++ {
				if _, err := store.RegisterExecution("x", "h", nil, nil, nil); err != nil {
					t.Fatalf("round %d registration %d rejected: %v", round, i+1, err)
				}
			}
			if _, err := store.RegisterExecution("x", "h", nil, nil, nil); !types.IsCode(err, types.ErrDedupeBudgetExceeded) {
				t.Fatalf("round %d: expected dedupe error, got %v", round, err)
			}
			store.ResetDedupeGuards([]string{"x"})
		}
	})
}

func TestContextStore_ShortCircuit(t *testing.T) {
	store, tel := newTestStore(StoreConfig{DedupeBudget: 3}, newFakeClock())

	_, ok := store.ShouldShortCircuit("a", "h")
	assert.False(t, ok)

	_, err := store.RegisterExecution("a", "h", map[string]any{"v": 1}, nil, nil)
	require.NoError(t, err)

	snap, ok := store.ShouldShortCircuit("a", "h")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Output["v"])
	assert.Len(t, tel.Duplicates(), 1)

	_, ok = store.ShouldShortCircuit("a", "different")
	assert.False(t, ok)
}

func TestContextStore_ShortCircuitSkipsLoopFlaggedAndBlocked(t *testing.T) {
	store, _ := newTestStore(StoreConfig{DedupeBudget: 3}, newFakeClock())
	snap, err := store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)

	store.MarkLoop(snap.ID)
	_, ok := store.ShouldShortCircuit("a", "h")
	assert.False(t, ok)
	assert.Equal(t, 0, store.CompletedCount())

	_, err = store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)
	store.ResetDedupeGuards([]string{"a"})
	assert.True(t, store.Blocked("a"))
	_, ok = store.ShouldShortCircuit("a", "h")
	assert.False(t, ok)

	_, err = store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, store.Blocked("a"))
}

func TestContextStore_Cooldown(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(StoreConfig{Cooldown: 10 * time.Second}, clock)

	assert.False(t, store.InCooldown("a", ""))

	snap, err := store.RegisterExecution("a", "h", nil, map[string]any{"upstream": 1}, nil)
	require.NoError(t, err)

	assert.True(t, store.InCooldown("a", snap.MetadataHash))
	assert.True(t, store.InCooldown("a", ""))
	assert.False(t, store.InCooldown("a", "changed-upstream"))

	clock.Advance(11 * time.Second)
	assert.False(t, store.InCooldown("a", snap.MetadataHash))
}

func TestContextStore_CooldownTracksTriggerHash(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(StoreConfig{Cooldown: 10 * time.Second}, clock)

	snap, err := store.RegisterTriggered("a", "h", "trigger-1", nil, map[string]any{"server": "x"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "trigger-1", snap.MetadataHash)
	assert.Equal(t, "x", snap.Metadata["server"])

	assert.True(t, store.InCooldown("a", "trigger-1"))
	assert.False(t, store.InCooldown("a", snap.MetadataHash))
}

func TestContextStore_CooldownDisabled(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())
	_, err := store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, store.InCooldown("a", ""))
}

func TestContextStore_BacktrackBudget(t *testing.T) {
	store, _ := newTestStore(StoreConfig{MaxBacktracks: 3}, newFakeClock())

	for i := 1; i <= 3; i++ {
		count, exceeded := store.RecordBacktrack()
		assert.Equal(t, i, count)
		assert.False(t, exceeded)
	}
	count, exceeded := store.RecordBacktrack()
	assert.Equal(t, 4, count)
	assert.True(t, exceeded)

	// 成功登记清零连续回溯
	_, err := store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, store.ConsecutiveBacktracks())
	_, exceeded = store.RecordBacktrack()
	assert.False(t, exceeded)
}

func TestContextStore_BacktrackTimeBudget(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(StoreConfig{MaxBacktracks: 10, BacktrackTimeBudget: time.Minute}, clock)

	assert.False(t, store.BacktrackTimeExhausted())
	store.RecordBacktrack()
	clock.Advance(30 * time.Second)
	store.RecordBacktrack()
	assert.False(t, store.BacktrackTimeExhausted())

	clock.Advance(31 * time.Second)
	assert.True(t, store.BacktrackTimeExhausted())
}

func TestContextStore_FindDivergentSnapshot(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())

	anc, _ := store.RegisterExecution("parent", "p", nil, nil, nil)
	good, _ := store.RegisterExecution("x", "h-old", nil, nil, []int64{anc.ID})
	_, _ = store.RegisterExecution("x", "h-loop", nil, nil, []int64{anc.ID})
	_, _ = store.RegisterExecution("x", "h-loop", nil, nil, []int64{anc.ID})

	target, ok := store.FindDivergentSnapshot("x", "h-loop", []string{"parent"})
	require.True(t, ok)
	assert.Equal(t, good.ID, target.ID)
}

func TestContextStore_FindDivergentSnapshotFallsBackToAncestor(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())

	anc, _ := store.RegisterExecution("parent", "p", nil, nil, nil)
	_, _ = store.RegisterExecution("x", "h-loop", nil, nil, []int64{anc.ID})
	_, _ = store.RegisterExecution("x", "h-loop", nil, nil, []int64{anc.ID})

	target, ok := store.FindDivergentSnapshot("x", "h-loop", []string{"parent"})
	require.True(t, ok)
	assert.Equal(t, anc.ID, target.ID)

	_, ok = store.FindDivergentSnapshot("x", "h-loop", nil)
	assert.False(t, ok)
}

func TestContextStore_ResetDedupeGuards(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(StoreConfig{Cooldown: time.Minute, DedupeBudget: 1}, clock)

	_, err := store.RegisterExecution("a", "h", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, store.InCooldown("a", ""))

	store.ResetDedupeGuards([]string{"a"})
	assert.Empty(t, store.LastInputs())
	assert.False(t, store.InCooldown("a", ""))
	assert.Empty(t, store.SnapshotIDs("a", "h"))
}

func TestContextStore_PinAndLineage(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())
	a, _ := store.RegisterExecution("a", "1", nil, nil, nil)
	b, _ := store.RegisterExecution("b", "2", nil, nil, nil)
	c, _ := store.RegisterExecution("c", "3", nil, nil, []int64{a.ID, b.ID})
	d, _ := store.RegisterExecution("d", "4", nil, nil, []int64{c.ID})
	_, _ = store.RegisterExecution("e", "5", nil, nil, nil)

	lineage := store.Lineage(d.ID)
	ids := make([]int64, 0, len(lineage))
	for _, s := range lineage {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int64{a.ID, b.ID, c.ID, d.ID}, ids)
	assert.Nil(t, store.Lineage(99))

	_, ok := store.Pinned()
	assert.False(t, ok)
	require.NoError(t, store.PinSnapshot(c.ID))
	pinned, ok := store.Pinned()
	require.True(t, ok)
	assert.Equal(t, "c", pinned.AtomID)
	assert.Error(t, store.PinSnapshot(42))
}

func TestContextStore_LatestAndGet(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())
	_, ok := store.Latest("a")
	assert.False(t, ok)

	first, _ := store.RegisterExecution("a", "1", map[string]any{"n": 1}, nil, nil)
	second, _ := store.RegisterExecution("a", "2", map[string]any{"n": 2}, nil, nil)

	latest, ok := store.Latest("a")
	require.True(t, ok)
	assert.Equal(t, second.ID, latest.ID)

	store.MarkLoop(second.ID)
	latest, _ = store.Latest("a")
	assert.Equal(t, first.ID, latest.ID)

	got, ok := store.Get(second.ID)
	require.True(t, ok)
	assert.True(t, got.LoopFlag)
	_, ok = store.Get(-1)
	assert.False(t, ok)
}

func TestContextStore_SnapshotsAreCopies(t *testing.T) {
	store, _ := newTestStore(StoreConfig{}, newFakeClock())
	out := map[string]any{"v": 1}
	_, _ = store.RegisterExecution("a", "1", out, nil, nil)
	out["v"] = 2

	all := store.Snapshots()
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].Output["v"])
	all[0].Output["v"] = 3
	got, _ := store.Get(0)
	assert.Equal(t, 1, got.Output["v"])
}

func TestContextStore_HardReset(t *testing.T) {
	store, _ := newTestStore(StoreConfig{MaxBacktracks: 1}, newFakeClock())
	snap, _ := store.RegisterExecution("a", "1", nil, nil, nil)
	require.NoError(t, store.PinSnapshot(snap.ID))
	store.RecordBacktrack()

	store.HardReset()

	assert.Empty(t, store.Snapshots())
	assert.Empty(t, store.LastInputs())
	assert.Equal(t, 0, store.ConsecutiveBacktracks())
	_, ok := store.Pinned()
	assert.False(t, ok)

	again, err := store.RegisterExecution("a", "1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.ID)
}
