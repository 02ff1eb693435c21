package workstream

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const echoTemplates = `
templates:
  - intent: echo
    version: "1"
    atoms:
      - {atom_id: echo, endpoint: /echo, idempotency: pure, version: "1"}
`

const twoTemplates = `
templates:
  - intent: echo
    version: "2"
    atoms:
      - {atom_id: echo, endpoint: /echo, idempotency: pure, version: "2"}
  - intent: ping
    version: "1"
    atoms:
      - {atom_id: ping, endpoint: /ping, idempotency: effectful, version: "1"}
`

const cyclicTemplates = `
templates:
  - intent: echo
    atoms:
      - {atom_id: a, endpoint: /a, idempotency: pure, depends_on: [b]}
      - {atom_id: b, endpoint: /b, idempotency: pure, depends_on: [a]}
`

func writeTemplates(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func newWatchedPlanner(t *testing.T) (string, *Planner) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeTemplates(t, path, echoTemplates, time.Now().Add(-time.Hour))
	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	planner, err := NewPlanner(reg, zap.NewNop())
	require.NoError(t, err)
	return path, planner
}

func TestTemplateWatcher_Check(t *testing.T) {
	path, planner := newWatchedPlanner(t)
	var callbacks atomic.Int32
	w := NewTemplateWatcher(path, planner, WithReloadCallback(func(Registry, error) { callbacks.Add(1) }))

	changed, err := w.Check()
	require.NoError(t, err)
	assert.False(t, changed)

	writeTemplates(t, path, twoTemplates, time.Now())
	changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"echo", "ping"}, planner.Intents())
	assert.Equal(t, int32(1), callbacks.Load())
}

func TestTemplateWatcher_RejectsInvalidTemplates(t *testing.T) {
	path, planner := newWatchedPlanner(t)
	var lastErr atomic.Value
	w := NewTemplateWatcher(path, planner, WithReloadCallback(func(_ Registry, err error) {
		if err != nil {
			lastErr.Store(err)
		}
	}))

	writeTemplates(t, path, cyclicTemplates, time.Now())
	changed, err := w.Check()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.NotNil(t, lastErr.Load())

	// 旧模板仍可用
	plan, err := planner.Plan("echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", plan.Version)
}

func TestTemplateWatcher_PollsInBackground(t *testing.T) {
	path, planner := newWatchedPlanner(t)
	w := NewTemplateWatcher(path, planner, WithPollInterval(10*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	writeTemplates(t, path, twoTemplates, time.Now())
	assert.Eventually(t, func() bool {
		return len(planner.Intents()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTemplateWatcher_StartMissingFile(t *testing.T) {
	planner, err := NewPlanner(Registry{}, nil)
	require.NoError(t, err)
	w := NewTemplateWatcher(filepath.Join(t.TempDir(), "missing.yaml"), planner)
	assert.Error(t, w.Start(context.Background()))
	assert.False(t, w.IsRunning())
	w.Stop()
}
