package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/workstream/types"
	"github.com/BaSui01/workstream/workstream"
)

func templatesPath(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("..", "..", "workstream", "testdata", "templates.yaml"))
	require.NoError(t, err)
	return path
}

// writeConfig 写出测试配置：模板指向 testdata，归档使用临时 sqlite 文件
func writeConfig(t *testing.T, atomURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"templates":   map[string]any{"path": templatesPath(t), "watch": false},
		"atom_client": map[string]any{"base_url": atomURL, "rate_limit_rps": 0},
		"database":    map[string]any{"driver": "sqlite", "name": filepath.Join(dir, "runs.db")},
		"log":         map[string]any{"level": "error", "output_paths": []string{"stderr"}},
		"server":      map[string]any{"rate_limit_rps": 0},
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// newAtomServer 模拟原子服务：每个原子回显自己的 ID 与收到的 input
func newAtomServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			AtomID string         `json:"atom_id"`
			Input  map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"atom": req.AtomID},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate([]string{"--templates", templatesPath(t)}, &out))
	assert.Contains(t, out.String(), "weather_report")
	assert.Contains(t, out.String(), "templates valid")
}

func TestRunValidate_InvalidTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - intent: loop
    version: "1"
    atoms:
      - {atom_id: a, endpoint: /a, idempotency: pure, depends_on: [b]}
      - {atom_id: b, endpoint: /b, idempotency: pure, depends_on: [a]}
`), 0o600))

	err := runValidate([]string{"--templates", path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTemplateCycle))
	assert.Equal(t, 2, exitCode(err))
}

func TestRunPlan(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runPlan([]string{
		"--templates", templatesPath(t),
		"--intent", "weather_report",
		"--context", "city=Paris",
	}, &out))

	var plan workstream.Plan
	require.NoError(t, json.Unmarshal(out.Bytes(), &plan))
	assert.Equal(t, "weather_report", plan.Intent)
	assert.Equal(t, 4, plan.TotalAtoms)
	assert.Equal(t, "geocode", plan.Sequence[0].AtomID)
}

func TestRunPlan_Errors(t *testing.T) {
	err := runPlan([]string{"--templates", templatesPath(t)}, &bytes.Buffer{})
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))

	err = runPlan([]string{"--templates", templatesPath(t), "--intent", "nope"}, &bytes.Buffer{})
	assert.True(t, types.IsCode(err, types.ErrUnknownIntent))
}

func TestRunRun_ArchivesAndLists(t *testing.T) {
	var calls atomic.Int32
	srv := newAtomServer(t, &calls)
	cfgPath := writeConfig(t, srv.URL)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runRun(ctx, []string{
		"--config", cfgPath,
		"--intent", "weather_report",
		"--input", `{"city":"Paris"}`,
	}, &out))
	assert.EqualValues(t, 4, calls.Load())

	var res workstream.RunResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Succeeded())
	assert.Equal(t, map[string]any{"atom": "notify"}, res.Outputs["notify"])

	out.Reset()
	require.NoError(t, runHistory(ctx, []string{"--config", cfgPath}, &out))
	assert.Contains(t, out.String(), res.RunID)
	assert.Contains(t, out.String(), "success")

	out.Reset()
	require.NoError(t, runHistory(ctx, []string{"--config", cfgPath, "--run-id", res.RunID}, &out))
	assert.Contains(t, out.String(), `"snapshots"`)
}

func TestRunRun_UnknownIntent(t *testing.T) {
	var calls atomic.Int32
	srv := newAtomServer(t, &calls)

	err := runRun(context.Background(), []string{
		"--config", writeConfig(t, srv.URL),
		"--intent", "missing",
	}, &bytes.Buffer{})
	assert.True(t, types.IsCode(err, types.ErrUnknownIntent))
	assert.Zero(t, calls.Load())
}

func TestRunHistory_ArchiveDisabled(t *testing.T) {
	err := runHistory(context.Background(), nil, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
