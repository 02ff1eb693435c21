package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/internal/runstore"
	"github.com/BaSui01/workstream/types"
)

const maxRequestBody = 1 << 20

// runRequest POST /v1/runs 请求体
type runRequest struct {
	Intent  string         `json:"intent"`
	Context map[string]any `json:"context,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// intentInfo GET /v1/intents 的条目
type intentInfo struct {
	Intent      string `json:"intent"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Atoms       int    `json:"atoms"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newHandler 构建 serve 模式的路由
func newHandler(ctx context.Context, a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /v1/intents", a.handleIntents)
	mux.HandleFunc("POST /v1/runs", a.handleRun)
	mux.HandleFunc("GET /v1/runs", a.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)

	logger := a.logger.With(zap.String("component", "http"))
	return Chain(mux,
		Recovery(logger),
		RequestID(),
		OTelTracing(),
		RequestLogger(logger),
		RateLimiter(ctx, a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst, logger),
	)
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if a.pool != nil {
		checks["database"] = "ok"
		if err := a.pool.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			ready = false
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

func (a *app) handleIntents(w http.ResponseWriter, r *http.Request) {
	intents := a.planner.Intents()
	out := make([]intentInfo, 0, len(intents))
	for _, intent := range intents {
		t, ok := a.planner.Template(intent)
		if !ok {
			continue
		}
		out = append(out, intentInfo{Intent: t.Intent, Version: t.Version, Description: t.Description, Atoms: len(t.Atoms)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRun 同步执行一个意图。运行失败时仍返回部分结果，状态码 422。
func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(types.ErrInvalidInput), "invalid request body: "+err.Error())
		return
	}
	if req.Intent == "" {
		writeError(w, http.StatusBadRequest, string(types.ErrInvalidInput), "intent is required")
		return
	}

	res, err := a.execute(r.Context(), req.Intent, req.Context, req.Input)
	if res == nil {
		writeTypedError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (a *app) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusNotFound, "ARCHIVE_DISABLED", "run archive is not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, string(types.ErrInvalidInput), "invalid limit")
			return
		}
		limit = n
	}
	runs, err := a.archive.ListRuns(r.Context(), r.URL.Query().Get("intent"), limit)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusNotFound, "ARCHIVE_DISABLED", "run archive is not configured")
		return
	}
	rec, err := a.archive.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// writeTypedError 按错误码映射 HTTP 状态
func writeTypedError(w http.ResponseWriter, err error) {
	code := types.GetErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case code == types.ErrUnknownIntent:
		status = http.StatusNotFound
	case code == types.ErrInvalidInput, types.IsConfigurationError(err):
		status = http.StatusBadRequest
	}
	if code == "" {
		code = types.ErrInternalError
	}
	writeError(w, status, string(code), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
