package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/guard"
	"wrap-studio/app/logger"
	"wrap-studio/app/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const referencePathPrefix = "/wraps/reference/"

// IntakeRequest 用户提交的生成请求
type IntakeRequest struct {
	UserID          string
	ModelSlug       string
	Prompt          string
	ReferenceImages []string
	Origin          string
	IdempotencyKey  string
}

// IntakeResult 入队结果
type IntakeResult struct {
	TaskID           string           `json:"taskId"`
	Status           model.TaskStatus `json:"status"`
	RemainingBalance int              `json:"remainingBalance"`
	CreditsSpent     int              `json:"creditsSpent"`
	Idempotent       bool             `json:"idempotent"`
	Guard            guard.Result     `json:"guard"`
}

// IntakeService 校验、扣费并把任务写入队列
type IntakeService struct {
	cfg     *config.Config
	db      *gorm.DB
	log     *logger.Logger
	guard   *guard.Guard
	tasks   *TaskStore
	credits *CreditService
	now     func() time.Time
}

func NewIntakeService(cfg *config.Config, db *gorm.DB, log *logger.Logger, g *guard.Guard, tasks *TaskStore, credits *CreditService) *IntakeService {
	return &IntakeService{
		cfg:     cfg,
		db:      db,
		log:     log,
		guard:   g,
		tasks:   tasks,
		credits: credits,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit 扣费和建任务在同一事务内完成，任何一步失败都不会留下扣费或任务记录
func (s *IntakeService) Submit(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	modelName, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	verdict := s.guard.Evaluate(req.Prompt)
	if verdict.Action == guard.ActionReject {
		s.log.Warnf("提示词被拒绝: user=%s, terms=%v", req.UserID, verdict.MatchedTerms)
		return nil, &PolicyError{Result: verdict}
	}

	cost := s.cfg.Credits.GenerationCost
	now := s.now()
	result := &IntakeResult{Guard: verdict, CreditsSpent: cost}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IdempotencyKey != "" {
			var existing []model.GenerationTask
			if err := tx.Where("user_id = ? AND idempotency_key = ?", req.UserID, req.IdempotencyKey).
				Limit(1).Find(&existing).Error; err != nil {
				return err
			}
			if len(existing) > 0 {
				balance, err := s.credits.LockBalance(tx, req.UserID, now)
				if err != nil {
					return err
				}
				result.TaskID = existing[0].ID
				result.Status = existing[0].Status
				result.CreditsSpent = existing[0].CreditsSpent
				result.RemainingBalance = balance.Balance
				result.Idempotent = true
				return nil
			}
		}

		taskID := uuid.NewString()
		balance, err := s.credits.Charge(tx, req.UserID, taskID, cost, now)
		if err != nil {
			return err
		}

		task := &model.GenerationTask{
			ID:           taskID,
			UserID:       req.UserID,
			Prompt:       verdict.EffectivePrompt,
			Status:       model.TaskStatusPending,
			CreditsSpent: cost,
			ModelSlug:    req.ModelSlug,
			NextRetryAt:  &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			task.IdempotencyKey = &key
		}
		task.Steps = append(task.Steps, model.NewStep(now, &model.QueuedForWorker{
			ModelSlug:       req.ModelSlug,
			ModelName:       modelName,
			Prompt:          verdict.EffectivePrompt,
			ReferenceImages: req.ReferenceImages,
			Origin:          req.Origin,
			GuardAction:     string(verdict.Action),
			MatchedTerms:    verdict.MatchedTerms,
		}))
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("创建生成任务失败: %w", err)
		}

		result.TaskID = taskID
		result.Status = task.Status
		result.RemainingBalance = balance.Balance
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.log.Infof("积分不足: user=%s, cost=%d", req.UserID, cost)
		} else {
			s.log.Errorf("提交生成任务失败: user=%s, err=%v", req.UserID, err)
		}
		return nil, err
	}

	if result.Idempotent {
		s.log.Infof("♻️ 幂等命中: user=%s, task=%s", req.UserID, result.TaskID)
	} else {
		s.log.Infof("📥 生成任务已入队: user=%s, task=%s, model=%s, guard=%s", req.UserID, result.TaskID, req.ModelSlug, verdict.Action)
	}
	return result, nil
}

// validate 校验请求并返回车型显示名称
func (s *IntakeService) validate(req *IntakeRequest) (string, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ModelSlug = strings.TrimSpace(req.ModelSlug)
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.UserID == "" {
		return "", fmt.Errorf("%w: 缺少用户", ErrInvalidRequest)
	}
	modelName, ok := s.cfg.Models[req.ModelSlug]
	if !ok {
		return "", fmt.Errorf("%w: 不支持的车型 %q", ErrInvalidRequest, req.ModelSlug)
	}
	if req.Prompt == "" {
		return "", fmt.Errorf("%w: 提示词不能为空", ErrInvalidRequest)
	}
	if len(req.IdempotencyKey) > 128 {
		return "", fmt.Errorf("%w: 幂等键过长", ErrInvalidRequest)
	}
	if len(req.ReferenceImages) > s.cfg.Reference.MaxImages {
		return "", fmt.Errorf("%w: 参考图最多 %d 张", ErrInvalidRequest, s.cfg.Reference.MaxImages)
	}
	for _, ref := range req.ReferenceImages {
		if !s.allowedReference(ref) {
			return "", fmt.Errorf("%w: 参考图地址不合法", ErrInvalidRequest)
		}
	}

	req.Origin = normalizeOrigin(req.Origin, s.cfg.Worker.DefaultOrigin)
	return modelName, nil
}

func (s *IntakeService) allowedReference(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}

	host := u.Hostname()
	allowed := strings.HasSuffix(host, ".aliyuncs.com")
	for _, h := range s.cfg.Reference.AllowedHosts {
		if strings.EqualFold(host, h) {
			allowed = true
			break
		}
	}
	return allowed && strings.HasPrefix(u.Path, referencePathPrefix)
}

// normalizeOrigin 只接受 http(s) 来源，否则使用默认站点
func normalizeOrigin(origin, fallback string) string {
	origin = strings.TrimSpace(origin)
	if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
		return strings.TrimRight(origin, "/")
	}
	return fallback
}
