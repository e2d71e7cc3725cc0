package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"wrap-studio/app/config"
	"wrap-studio/app/logger"
	"wrap-studio/app/model"
	"wrap-studio/app/provider"
	"wrap-studio/app/storage"
	"wrap-studio/app/utils/texture"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AssetSource 下载蒙版和参考图
type AssetSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ClaimedTask 已认领的任务及其入队载荷
type ClaimedTask struct {
	Task     *model.GenerationTask
	Payload  *model.QueuedForWorker
	WorkerID string
}

// Processor 调用外部模型生成纹理，成功落库，失败则标记并退款
type Processor struct {
	cfg       *config.Config
	db        *gorm.DB
	log       *logger.Logger
	tasks     *TaskStore
	refunds   *RefundService
	generator provider.Generator
	assets    AssetSource
	store     storage.ObjectStore
	now       func() time.Time
}

func NewProcessor(cfg *config.Config, db *gorm.DB, log *logger.Logger, tasks *TaskStore, refunds *RefundService,
	generator provider.Generator, assets AssetSource, store storage.ObjectStore) *Processor {
	return &Processor{
		cfg:       cfg,
		db:        db,
		log:       log,
		tasks:     tasks,
		refunds:   refunds,
		generator: generator,
		assets:    assets,
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process 处理一个已认领的任务。外部调用不在事务内进行
func (p *Processor) Process(ctx context.Context, claimed ClaimedTask) error {
	task := claimed.Task
	payload := claimed.Payload
	log := p.log.With(zap.String("task_id", task.ID), zap.String("worker_id", claimed.WorkerID))

	if err := p.tasks.AppendStep(ctx, task.ID, &model.Marker{Name: model.StepAICallStart}); err != nil {
		log.Warnf("记录 ai_call_start 失败: %v", err)
	}

	start := time.Now()
	image, err := p.generate(ctx, task.ID, payload)
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(log, err)
		}
		return p.fail(ctx, log, task.ID, "AI API Error: "+err.Error(), err)
	}
	log.Info("模型返回图片", zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(image.Data)))

	if err := p.tasks.AppendStep(ctx, task.ID, &model.Marker{Name: model.StepAIResponseReceived}); err != nil {
		log.Warnf("记录 ai_response_received 失败: %v", err)
	}

	data, err := texture.Normalize(payload.ModelSlug, image.Data)
	if err != nil {
		return p.fail(ctx, log, task.ID, "Image processing failed", err)
	}

	key := fmt.Sprintf("wraps/ai-generated/wrap-%s-%d.png", shortID(task.ID), p.now().UnixMilli())
	url, err := p.store.Put(ctx, key, data, "image/png")
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(log, err)
		}
		return p.fail(ctx, log, task.ID, "Storage upload failed", err)
	}

	// 图片已上传，落库不再受 tick 取消影响
	wrapID, err := p.complete(context.WithoutCancel(ctx), task, payload, url)
	if errors.Is(err, ErrTaskNotActive) {
		log.Warnf("任务已被终止，丢弃生成结果: %s", url)
		return err
	}
	if err != nil {
		return p.fail(ctx, log, task.ID, "Failed to save result", err)
	}

	log.Infof("✅ 生成任务完成: wrap=%s, 耗时: %v", wrapID, time.Since(start))
	return nil
}

func (p *Processor) generate(ctx context.Context, taskID string, payload *model.QueuedForWorker) (*provider.Image, error) {
	req := provider.Request{
		TaskID:    taskID,
		ModelSlug: payload.ModelSlug,
		ModelName: payload.ModelName,
		Prompt:    payload.Prompt,
	}

	if p.assets != nil {
		if mask, err := p.assets.Fetch(ctx, provider.MaskURL(payload.Origin, payload.ModelSlug)); err == nil {
			req.MaskImage = mask
		} else {
			p.log.Warnf("获取车型蒙版失败，继续无蒙版生成: task=%s, err=%v", taskID, err)
		}
		for _, ref := range payload.ReferenceImages {
			data, err := p.assets.Fetch(ctx, ref)
			if err != nil {
				p.log.Warnf("获取参考图失败，已跳过: task=%s, url=%s, err=%v", taskID, ref, err)
				continue
			}
			req.ReferenceImages = append(req.ReferenceImages, data)
		}
	}

	timeout := time.Duration(p.cfg.Provider.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return p.generator.Generate(callCtx, req)
}

// complete 落库作品并把任务置为 completed。同一任务已有作品时直接返回已有作品
func (p *Processor) complete(ctx context.Context, claimed *model.GenerationTask, payload *model.QueuedForWorker, url string) (string, error) {
	now := p.now()
	var wrapID string

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := p.tasks.LockTask(tx, claimed.ID)
		if err != nil {
			return err
		}

		var existing []model.Wrap
		if err := tx.Where("generation_task_id = ?", task.ID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			wrapID = existing[0].ID
			return nil
		}
		if !task.Status.CanTransitionTo(model.TaskStatusCompleted) {
			return ErrTaskNotActive
		}

		wrap := &model.Wrap{
			ID:               uuid.NewString(),
			UserID:           task.UserID,
			GenerationTaskID: task.ID,
			ModelSlug:        payload.ModelSlug,
			Name:             wrapName(payload.Prompt),
			Prompt:           payload.Prompt,
			TextureURL:       url,
			PreviewURL:       url,
			ReferenceImages:  datatypes.JSONSlice[string](payload.ReferenceImages),
			IsPublic:         false,
			Category:         model.WrapCategoryAIGenerated,
			CreatedAt:        now,
		}
		if err := tx.Create(wrap).Error; err != nil {
			return fmt.Errorf("保存作品失败: %w", err)
		}
		wrapID = wrap.ID

		return p.tasks.AppendSteps(tx, task, now, map[string]interface{}{
			"status":           model.TaskStatusCompleted,
			"wrap_id":          wrap.ID,
			"finished_at":      now,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"next_retry_at":    nil,
		}, &model.ArtifactUploaded{URL: url}, &model.Completed{WrapID: wrap.ID})
	})
	return wrapID, err
}

// fail 把仍在处理中的任务标记为 failed 并立即退款；退款失败只记录日志，由 sweeper 兜底
func (p *Processor) fail(ctx context.Context, log *logger.Logger, taskID, reason string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := p.now()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := p.tasks.LockTask(tx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.CanTransitionTo(model.TaskStatusFailed) {
			return nil
		}
		return p.tasks.AppendSteps(tx, task, now, map[string]interface{}{
			"status":           model.TaskStatusFailed,
			"error_message":    reason,
			"finished_at":      now,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		}, &model.Failed{Reason: reason})
	})
	if err != nil {
		log.Errorf("标记任务失败状态出错: %v", err)
	}

	log.Warnf("❌ 生成任务失败: %s, 原因: %v", reason, cause)
	if _, err := p.refunds.Refund(ctx, taskID, reason); err != nil {
		log.Errorf("自动退款失败，等待 sweeper 处理: %v", err)
	}
	return fmt.Errorf("%w: %w", ErrProviderFailure, cause)
}

// interrupted tick 被取消时不标记失败也不退款，任务保持 processing，租约过期后重新认领
func (p *Processor) interrupted(log *logger.Logger, cause error) error {
	log.Warnf("⏸️ tick 已取消，任务留待租约过期后重试: %v", cause)
	return fmt.Errorf("%w: %w", ErrTaskInterrupted, cause)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// wrapName 取提示词前 30 个字符作为作品名称
func wrapName(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if utf8.RuneCountInString(prompt) <= 30 {
		return prompt
	}
	return string([]rune(prompt)[:30])
}
