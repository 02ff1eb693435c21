package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/workstream/internal/database"
	"github.com/BaSui01/workstream/retry"
	"github.com/BaSui01/workstream/types"
	"github.com/BaSui01/workstream/workstream"
)

// ErrRunNotFound 运行不存在
var ErrRunNotFound = errors.New("run not found")

const (
	defaultListLimit = 20
	snapshotBatch    = 100
)

// Option 配置 Store
type Option func(*Store)

// WithRetryPolicy 设置写入重试策略
func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithObserver 注册归档耗时回调（如 metrics.Collector.RecordArchive）
func WithObserver(fn func(err error, d time.Duration)) Option {
	return func(s *Store) { s.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store 基于 gorm 的运行归档
type Store struct {
	pool    *database.PoolManager
	policy  *retry.Policy
	observe func(err error, d time.Duration)
	logger  *zap.Logger
}

var _ workstream.RunArchive = (*Store)(nil)

// New 创建归档存储，不做表结构迁移
func New(pool *database.PoolManager, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "runstore"))
	return s
}

// Migrate 创建或升级归档表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&RunRecord{}, &SnapshotRecord{}); err != nil {
		return fmt.Errorf("migrate run archive: %w", err)
	}
	return nil
}

// SaveRun 在一个事务中写入运行记录与全部快照
func (s *Store) SaveRun(ctx context.Context, res *workstream.RunResult) (err error) {
	if res == nil || res.RunID == "" {
		return types.NewError(types.ErrInvalidInput, "run result without run id")
	}

	start := time.Now()
	defer func() {
		if s.observe != nil {
			s.observe(err, time.Since(start))
		}
	}()

	rec, snaps, err := newRunRecord(res)
	if err != nil {
		return types.NewError(types.ErrInvalidInput, "encode run result").WithCause(err)
	}

	err = s.pool.WithTransactionRetry(ctx, s.policy, func(tx *gorm.DB) error {
		if err := tx.Omit("Snapshots").Create(rec).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if len(snaps) > 0 {
			if err := tx.CreateInBatches(snaps, snapshotBatch).Error; err != nil {
				return fmt.Errorf("insert snapshots: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("archive run failed",
			zap.String("run_id", res.RunID),
			zap.String("intent", res.Intent),
			zap.Error(err),
		)
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}

	s.logger.Debug("run archived",
		zap.String("run_id", res.RunID),
		zap.Int("snapshots", len(snaps)),
	)
	return nil
}

// GetRun 读取运行记录及其快照（按快照 ID 升序），瞬时错误按写入策略重试
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := database.QueryRetry(ctx, s.pool, s.policy, func(db *gorm.DB) (*RunRecord, error) {
		var rec RunRecord
		err := db.Preload("Snapshots", func(db *gorm.DB) *gorm.DB {
			return db.Order("snapshot_id ASC")
		}).
			Where("run_id = ?", runID).
			First(&rec).Error
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns 按开始时间倒序列出运行，intent 为空时不过滤，不加载快照
func (s *Store) ListRuns(ctx context.Context, intent string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	recs, err := database.QueryRetry(ctx, s.pool, s.policy, func(db *gorm.DB) ([]RunRecord, error) {
		q := db.Order("started_at DESC").Order("id DESC").Limit(limit)
		if intent != "" {
			q = q.Where("intent = ?", intent)
		}
		var recs []RunRecord
		err := q.Find(&recs).Error
		return recs, err
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return recs, nil
}
