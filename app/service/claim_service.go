package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/logger"
	"wrap-studio/app/model"
	"wrap-studio/app/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const payloadMissingReason = "Worker payload missing: queued task metadata not found"

// WorkerTickResult 一次 worker-tick 的统计
type WorkerTickResult struct {
	WorkerID  string `json:"workerId"`
	Claimed   int    `json:"claimed"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	// tick 取消时仍持有租约、等待重新认领的任务数
	Interrupted int   `json:"interrupted"`
	DurationMs  int64 `json:"durationMs"`
}

type tickOutcome int

const (
	outcomeProcessed tickOutcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeInterrupted
)

// ClaimService 基于租约认领任务并分发给 Processor
type ClaimService struct {
	db        *gorm.DB
	log       *logger.Logger
	processor *Processor
	refunds   *RefundService
	tasks     *TaskStore

	mu       sync.RWMutex
	settings config.WorkerConfig
	now      func() time.Time
}

func NewClaimService(cfg config.WorkerConfig, db *gorm.DB, log *logger.Logger, tasks *TaskStore, processor *Processor, refunds *RefundService) *ClaimService {
	return &ClaimService{
		db:        db,
		log:       log,
		processor: processor,
		refunds:   refunds,
		tasks:     tasks,
		settings:  cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UpdateSettings 配置热更新
func (s *ClaimService) UpdateSettings(cfg config.WorkerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cfg
}

func (s *ClaimService) Settings() config.WorkerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// NewWorkerID 每次 tick 使用独立的租约持有者标识
func NewWorkerID() string {
	return "wrap-worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ClampBatchSize 非正数使用默认值，并限制在 [1, max] 范围内
func ClampBatchSize(requested, defaultSize, maxSize int) int {
	if requested <= 0 {
		requested = defaultSize
	}
	if requested > maxSize {
		requested = maxSize
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}

// Tick 认领一批任务并以 batchSize 为并发上限处理
func (s *ClaimService) Tick(ctx context.Context, batchSize int) (*WorkerTickResult, error) {
	settings := s.Settings()
	if !settings.Enabled {
		return nil, ErrWorkerDisabled
	}

	start := time.Now()
	batch := ClampBatchSize(batchSize, settings.BatchSize, settings.MaxBatchSize)
	workerID := NewWorkerID()

	ctx, span := observability.StartSpan(ctx, "generation.worker_tick",
		attribute.String("worker.id", workerID),
		attribute.Int("batch.size", batch),
	)
	defer span.End()

	claimed, err := s.claimBatch(ctx, workerID, batch, settings)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("认领任务失败: %w", err)
	}

	result := &WorkerTickResult{WorkerID: workerID, Claimed: len(claimed)}
	if len(claimed) > 0 {
		s.log.Infof("🔄 %s 认领了 %d 个任务", workerID, len(claimed))
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, batch)
	)
	for i := range claimed {
		task := &claimed[i]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := s.dispatch(ctx, workerID, task, settings)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeProcessed:
				result.Processed++
			case outcomeSkipped:
				result.Skipped++
			case outcomeInterrupted:
				result.Interrupted++
			default:
				result.Failed++
			}
		}()
	}
	wg.Wait()

	result.DurationMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("tasks.claimed", result.Claimed),
		attribute.Int("tasks.processed", result.Processed),
		attribute.Int("tasks.failed", result.Failed),
		attribute.Int("tasks.skipped", result.Skipped),
		attribute.Int("tasks.interrupted", result.Interrupted),
	)
	if result.Interrupted > 0 {
		s.log.Warnf("%s 被取消，%d 个任务等待租约过期后重新认领", workerID, result.Interrupted)
	}
	return result, nil
}

// claimBatch 在一个短事务内认领可运行的任务：到期的 pending，或租约已过期的 processing
func (s *ClaimService) claimBatch(ctx context.Context, workerID string, batch int, settings config.WorkerConfig) ([]model.GenerationTask, error) {
	now := s.now()
	leaseUntil := now.Add(time.Duration(settings.LeaseSeconds) * time.Second)

	var claimed []model.GenerationTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.GenerationTask
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("((status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))",
				model.TaskStatusPending, now, model.TaskStatusProcessing, now).
			Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Order("created_at ASC").
			Limit(batch).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			task := &candidates[i]
			if !task.Status.CanTransitionTo(model.TaskStatusProcessing) {
				continue
			}
			task.Attempts++

			updates := map[string]interface{}{
				"status":           model.TaskStatusProcessing,
				"attempts":         task.Attempts,
				"lease_owner":      workerID,
				"lease_expires_at": leaseUntil,
				"next_retry_at":    nil,
			}
			if task.StartedAt == nil {
				updates["started_at"] = now
				task.StartedAt = &now
			}
			if err := s.tasks.AppendSteps(tx, task, now, updates, &model.Claimed{WorkerID: workerID, Attempt: task.Attempts}); err != nil {
				return err
			}

			owner := workerID
			task.Status = model.TaskStatusProcessing
			task.LeaseOwner = &owner
			task.LeaseExpiresAt = &leaseUntil
			task.NextRetryAt = nil
			task.UpdatedAt = now
			claimed = append(claimed, *task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *ClaimService) dispatch(ctx context.Context, workerID string, task *model.GenerationTask, settings config.WorkerConfig) tickOutcome {
	if ctx.Err() != nil {
		return outcomeInterrupted
	}

	payload, err := queuedPayload(task, settings.DefaultOrigin)
	if err != nil {
		s.log.Warnf("⚠️ 任务载荷无效，跳过并退款: task=%s", task.ID)
		s.failAndRefund(ctx, task.ID, payloadMissingReason)
		return outcomeSkipped
	}

	if task.Attempts > settings.MaxAttempts {
		reason := fmt.Sprintf("Worker attempts exhausted: %d/%d", task.Attempts, settings.MaxAttempts)
		s.log.Warnf("💀 任务超过最大尝试次数: task=%s, %s", task.ID, reason)
		s.failAndRefund(ctx, task.ID, reason)
		return outcomeFailed
	}

	err = s.processor.Process(ctx, ClaimedTask{Task: task, Payload: payload, WorkerID: workerID})
	switch {
	case errors.Is(err, ErrTaskInterrupted):
		return outcomeInterrupted
	case err != nil:
		s.log.Errorf("任务处理失败: task=%s, err=%v", task.ID, err)
		return outcomeFailed
	}
	return outcomeProcessed
}

func (s *ClaimService) failAndRefund(ctx context.Context, taskID, reason string) {
	if _, err := s.refunds.Refund(context.WithoutCancel(ctx), taskID, reason); err != nil {
		s.log.Errorf("退款失败: task=%s, err=%v", taskID, err)
	}
}

// queuedPayload 读取并校验最新的 queued_for_worker 载荷
func queuedPayload(task *model.GenerationTask, defaultOrigin string) (*model.QueuedForWorker, error) {
	queued, ok := task.QueuedPayload()
	if !ok {
		return nil, ErrPayloadMalformed
	}

	payload := &model.QueuedForWorker{
		ModelSlug:    strings.TrimSpace(queued.ModelSlug),
		ModelName:    strings.TrimSpace(queued.ModelName),
		Prompt:       strings.TrimSpace(queued.Prompt),
		Origin:       normalizeOrigin(queued.Origin, defaultOrigin),
		GuardAction:  queued.GuardAction,
		MatchedTerms: queued.MatchedTerms,
	}
	if payload.Prompt == "" {
		payload.Prompt = strings.TrimSpace(task.Prompt)
	}
	for _, ref := range queued.ReferenceImages {
		if ref = strings.TrimSpace(ref); ref != "" {
			payload.ReferenceImages = append(payload.ReferenceImages, ref)
		}
	}

	if payload.ModelSlug == "" || payload.ModelName == "" || payload.Prompt == "" {
		return nil, ErrPayloadMalformed
	}
	return payload, nil
}
