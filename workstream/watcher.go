package workstream

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WatcherOption 配置 TemplateWatcher
type WatcherOption func(*TemplateWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *TemplateWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *TemplateWatcher) { w.logger = logger }
}

// WithReloadCallback 每次尝试重载后回调，err 非空表示新模板被拒绝
func WithReloadCallback(fn func(reg Registry, err error)) WatcherOption {
	return func(w *TemplateWatcher) { w.onReload = fn }
}

// TemplateWatcher 轮询模板文件的修改时间，变化时重新加载并替换 Planner 的注册表。
// 新模板校验失败时保留旧注册表。
type TemplateWatcher struct {
	path     string
	planner  *Planner
	interval time.Duration
	logger   *zap.Logger
	onReload func(Registry, error)

	mu      sync.Mutex
	lastMod time.Time
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewTemplateWatcher 创建模板监听器，默认每秒轮询一次。
func NewTemplateWatcher(path string, planner *Planner, opts ...WatcherOption) *TemplateWatcher {
	w := &TemplateWatcher{
		path:     path,
		planner:  planner,
		interval: time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "template_watcher"))
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// Start 开始后台轮询，ctx 取消或调用 Stop 时退出。
func (w *TemplateWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("failed to stat templates %s: %w", w.path, err)
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	go w.pollLoop(ctx, w.stopCh, w.done)

	w.logger.Info("template watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 停止轮询并等待后台 goroutine 退出
func (w *TemplateWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	done := w.done
	w.running = false
	w.mu.Unlock()

	<-done
	w.logger.Info("template watcher stopped")
}

func (w *TemplateWatcher) pollLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("template reload failed", zap.Error(err))
			}
		}
	}
}

// Check 检查一次文件修改时间，有变化时重新加载。返回是否成功应用了新模板。
func (w *TemplateWatcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat templates %s: %w", w.path, err)
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return false, nil
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	reg, err := LoadRegistry(w.path)
	if err == nil {
		err = w.planner.Reload(reg)
	}
	if w.onReload != nil {
		w.onReload(reg, err)
	}
	if err != nil {
		return false, err
	}
	w.logger.Info("templates reloaded from file", zap.String("path", w.path), zap.Int("intents", len(reg)))
	return true, nil
}

// IsRunning returns whether the watcher is polling.
func (w *TemplateWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
