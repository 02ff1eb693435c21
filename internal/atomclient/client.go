package atomclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/workstream/config"
	"github.com/BaSui01/workstream/internal/ctxkeys"
	"github.com/BaSui01/workstream/internal/tlsutil"
	"github.com/BaSui01/workstream/workstream"
)

// 错误类别
const (
	CategoryClientError     = "client_error"
	CategoryRateLimited     = "rate_limited"
	CategoryServerError     = "server_error"
	CategoryTransport       = "transport"
	CategoryInvalidResponse = "invalid_response"
)

// 请求头
const (
	HeaderRunID          = "X-Workstream-Run-ID"
	HeaderAtomID         = "X-Workstream-Atom-ID"
	HeaderTraceID        = "X-Trace-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// maxErrorBody 错误响应体最多读取的字节数
const maxErrorBody = 64 << 10

// Config 客户端配置
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimitRPS <= 0 表示不限流
	RateLimitRPS float64
	Burst        int
	Headers      map[string]string
	// MaxIdleConnsPerHost 默认 tlsutil.DefaultMaxIdleConnsPerHost
	MaxIdleConnsPerHost int
}

// ConfigFrom 从应用配置构造客户端配置
func ConfigFrom(c config.AtomClientConfig) Config {
	return Config{
		BaseURL:      c.BaseURL,
		Timeout:      c.Timeout,
		RateLimitRPS: c.RateLimitRPS,
		Burst:        c.Burst,
	}
}

// Option 配置 Client
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client 通过 HTTP 调用原子服务
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ workstream.Invoker = (*Client)(nil)

// New 创建客户端
func New(cfg Config, opts ...Option) *Client {
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = tlsutil.HTTPClient(cfg.MaxIdleConnsPerHost)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "atom_client"))
	if cfg.RateLimitRPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return c
}

type invokeRequest struct {
	AtomID  string         `json:"atom_id"`
	Version string         `json:"version"`
	Purpose string         `json:"purpose,omitempty"`
	Input   map[string]any `json:"input"`
}

type invokeResponse struct {
	Output   map[string]any `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error struct {
		Category string `json:"category"`
		Message  string `json:"message"`
	} `json:"error"`
}

// Invoke 实现 workstream.Invoker
func (c *Client) Invoke(ctx context.Context, node workstream.AtomNode, input map[string]any) (workstream.AtomResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return workstream.AtomResult{}, &workstream.AtomError{
				Category: CategoryTransport, Message: "rate limiter wait", Cause: err,
			}
		}
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(invokeRequest{
		AtomID:  node.AtomID,
		Version: node.Version,
		Purpose: node.Purpose,
		Input:   input,
	})
	if err != nil {
		return workstream.AtomResult{}, &workstream.AtomError{
			Category: CategoryClientError, Message: "encode request", Cause: err,
		}
	}

	url := c.endpointURL(node.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return workstream.AtomResult{}, &workstream.AtomError{
			Category: CategoryClientError, Message: "build request", Cause: err,
		}
	}
	c.buildHeaders(ctx, req, node)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("atom request failed",
			zap.String("atom_id", node.AtomID),
			zap.String("url", url),
			zap.Error(err),
		)
		return workstream.AtomResult{}, &workstream.AtomError{
			Category: CategoryTransport, Message: "request failed", Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	c.logger.Debug("atom responded",
		zap.String("atom_id", node.AtomID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return workstream.AtomResult{}, mapError(resp.StatusCode, resp.Body)
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return workstream.AtomResult{}, &workstream.AtomError{
			Category: CategoryInvalidResponse, Message: "decode response", Cause: err,
		}
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return workstream.AtomResult{Output: out.Output, Metadata: out.Metadata}, nil
}

func (c *Client) endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) buildHeaders(ctx context.Context, req *http.Request, node workstream.AtomNode) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderAtomID, node.AtomID)
	if runID, ok := ctxkeys.RunID(ctx); ok {
		req.Header.Set(HeaderRunID, runID)
		// 重试共享同一个幂等键；引擎未给出时退回到 run_id:atom_id
		if !node.Pure() {
			key, ok := ctxkeys.IdempotencyKey(ctx)
			if !ok {
				key = runID + ":" + node.AtomID
			}
			req.Header.Set(HeaderIdempotencyKey, key)
		}
	}
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		req.Header.Set(HeaderTraceID, traceID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// mapError 将非 2xx 响应映射为 AtomError
func mapError(status int, body io.Reader) *workstream.AtomError {
	category, msg := readErrBody(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("HTTP %d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests:
		return &workstream.AtomError{Category: orDefault(category, CategoryRateLimited), Message: msg, Retryable: true}
	case status == http.StatusRequestTimeout:
		return &workstream.AtomError{Category: orDefault(category, CategoryTransport), Message: msg, Retryable: true}
	case status >= 500:
		return &workstream.AtomError{Category: orDefault(category, CategoryServerError), Message: msg, Retryable: true}
	default:
		return &workstream.AtomError{Category: orDefault(category, CategoryClientError), Message: msg}
	}
}

func readErrBody(body io.Reader) (category, message string) {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", ""
	}
	var errResp errorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && (errResp.Error.Message != "" || errResp.Error.Category != "") {
		return errResp.Error.Category, errResp.Error.Message
	}
	return "", strings.TrimSpace(string(data))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
