package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/logger"
	"wrap-studio/app/model"
	"wrap-studio/app/observability"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StaleReason       = "Stale generation task auto-stopped by sweeper"
	RetryRefundReason = "Refund retried by sweeper for failed task"
)

// SweeperTickResult 一次 sweeper-tick 的统计
type SweeperTickResult struct {
	Claimed         int   `json:"claimed"`
	Refunded        int   `json:"refunded"`
	AlreadyRefunded int   `json:"alreadyRefunded"`
	FailedRefunds   int   `json:"failedRefunds"`
	DurationMs      int64 `json:"durationMs"`
}

// SweeperService 终止长时间无进展的任务并退款，兜底 worker 崩溃或退款失败
type SweeperService struct {
	db      *gorm.DB
	log     *logger.Logger
	tasks   *TaskStore
	refunds *RefundService

	mu       sync.RWMutex
	settings config.SweeperConfig
	now      func() time.Time
}

func NewSweeperService(cfg config.SweeperConfig, db *gorm.DB, log *logger.Logger, tasks *TaskStore, refunds *RefundService) *SweeperService {
	return &SweeperService{
		db:       db,
		log:      log,
		tasks:    tasks,
		refunds:  refunds,
		settings: cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UpdateSettings 配置热更新
func (s *SweeperService) UpdateSettings(cfg config.SweeperConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cfg
}

func (s *SweeperService) Settings() config.SweeperConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Tick 终止一批过期任务，提交后逐个退款
func (s *SweeperService) Tick(ctx context.Context, batchSize int) (*SweeperTickResult, error) {
	settings := s.Settings()
	if !settings.Enabled {
		return nil, ErrSweeperDisabled
	}

	start := time.Now()
	batch := ClampBatchSize(batchSize, settings.BatchSize, settings.MaxBatchSize)

	ctx, span := observability.StartSpan(ctx, "generation.sweeper_tick", attribute.Int("batch.size", batch))
	defer span.End()

	stopped, unrefunded, err := s.sweepBatch(ctx, batch, time.Duration(settings.StaleSeconds)*time.Second)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("清理过期任务失败: %w", err)
	}

	result := &SweeperTickResult{Claimed: len(stopped)}
	for _, id := range unrefunded {
		refund, err := s.refunds.Refund(ctx, id, "Auto refund: "+RetryRefundReason)
		switch {
		case err != nil:
			result.FailedRefunds++
			s.log.Errorf("补退款失败: task=%s, err=%v", id, err)
		case refund.AlreadyRefunded:
			result.AlreadyRefunded++
		default:
			result.Refunded++
		}
	}
	for _, id := range stopped {
		refund, err := s.refunds.Refund(ctx, id, "Auto refund: "+StaleReason)
		switch {
		case err != nil:
			result.FailedRefunds++
			s.log.Errorf("过期任务退款失败: task=%s, err=%v", id, err)
		case refund.AlreadyRefunded:
			result.AlreadyRefunded++
		default:
			result.Refunded++
		}
	}

	if result.Claimed > 0 || len(unrefunded) > 0 {
		s.log.Infof("🧹 sweeper 终止了 %d 个过期任务, 补退款 %d 个失败任务: 退款 %d, 已退款 %d, 退款失败 %d",
			result.Claimed, len(unrefunded), result.Refunded, result.AlreadyRefunded, result.FailedRefunds)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("tasks.claimed", result.Claimed),
		attribute.Int("tasks.refunded", result.Refunded),
	)
	return result, nil
}

// sweepBatch 把超过 stale 时长未更新且没有有效租约的活跃任务置为 failed，
// 同时取出退款失败后停留在 failed 的任务，二者都在提交后逐个退款
func (s *SweeperService) sweepBatch(ctx context.Context, batch int, stale time.Duration) ([]string, []string, error) {
	now := s.now()
	cutoff := now.Add(-stale)

	var stopped, unrefunded []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.GenerationTask
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ?", []model.TaskStatus{model.TaskStatusPending, model.TaskStatusProcessing}).
			Where("updated_at < ?", cutoff).
			Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Order("created_at ASC").
			Limit(batch).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			task := &candidates[i]
			if !task.Status.CanTransitionTo(model.TaskStatusFailed) {
				continue
			}
			updates := map[string]interface{}{
				"status":           model.TaskStatusFailed,
				"finished_at":      now,
				"lease_owner":      nil,
				"lease_expires_at": nil,
				"next_retry_at":    nil,
			}
			if task.ErrorMessage == "" {
				updates["error_message"] = StaleReason
			}
			if err := s.tasks.AppendSteps(tx, task, now, updates, &model.StaleAutoStopped{Reason: StaleReason}); err != nil {
				return err
			}
			stopped = append(stopped, task.ID)
		}

		// 已 failed 但退款没有成功的任务；刚失败的任务留给 Processor 自己退款
		var failed []model.GenerationTask
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Select("id").
			Where("status = ?", model.TaskStatusFailed).
			Where("updated_at < ?", cutoff).
			Order("updated_at ASC").
			Limit(batch).
			Find(&failed).Error; err != nil {
			return err
		}
		for _, task := range failed {
			unrefunded = append(unrefunded, task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stopped, unrefunded, nil
}
