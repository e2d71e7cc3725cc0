package service

import (
	"context"
	"time"

	"wrap-studio/app/logger"
	"wrap-studio/app/model"
	"wrap-studio/app/observability"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// RefundResult 退款结果；AlreadyRefunded 为 true 时没有任何写入
type RefundResult struct {
	TaskID          string `json:"taskId"`
	UserID          string `json:"userId"`
	Amount          int    `json:"amount"`
	AlreadyRefunded bool   `json:"alreadyRefunded"`
}

// RefundService 幂等退款
type RefundService struct {
	db      *gorm.DB
	log     *logger.Logger
	tasks   *TaskStore
	credits *CreditService
	now     func() time.Time
}

func NewRefundService(db *gorm.DB, log *logger.Logger, tasks *TaskStore, credits *CreditService) *RefundService {
	return &RefundService{
		db:      db,
		log:     log,
		tasks:   tasks,
		credits: credits,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refund 退还任务的原始扣费。退款金额取该任务最早一条扣费流水，没有扣费流水时退 0；
// 任务行锁保证同一任务并发退款只会成功一次
func (s *RefundService) Refund(ctx context.Context, taskID, reason string) (*RefundResult, error) {
	ctx, span := observability.StartSpan(ctx, "generation.refund", attribute.String("task.id", taskID))
	defer span.End()

	now := s.now()
	result := &RefundResult{TaskID: taskID}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.tasks.LockTask(tx, taskID)
		if err != nil {
			return err
		}
		result.UserID = task.UserID

		if task.Status == model.TaskStatusFailedRefunded {
			result.AlreadyRefunded = true
			return nil
		}
		if !task.Status.CanTransitionTo(model.TaskStatusFailedRefunded) {
			return ErrTaskNotRefundable
		}

		charge, err := s.credits.FindChargeForTask(tx, taskID)
		if err != nil {
			return err
		}
		amount := 0
		if charge != nil {
			amount = charge.Amount
			if amount < 0 {
				amount = -amount
			}
		}

		if _, err := s.credits.Credit(tx, LedgerEntry{
			UserID:      task.UserID,
			TaskID:      &task.ID,
			Amount:      amount,
			Type:        model.LedgerTypeRefund,
			Description: reason,
			Metadata:    map[string]interface{}{"reason": reason, "previousStatus": string(task.Status)},
		}, now); err != nil {
			return err
		}

		var details []model.StepDetail
		if task.Status.IsActive() {
			details = append(details, &model.Failed{Reason: reason})
		}
		details = append(details, &model.Refunded{Reason: reason, Amount: amount})

		updates := map[string]interface{}{
			"status":           model.TaskStatusFailedRefunded,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"next_retry_at":    nil,
		}
		if task.ErrorMessage == "" {
			updates["error_message"] = reason
		}
		if task.FinishedAt == nil {
			updates["finished_at"] = now
		}
		if err := s.tasks.AppendSteps(tx, task, now, updates, details...); err != nil {
			return err
		}

		result.Amount = amount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if result.AlreadyRefunded {
		s.log.Infof("任务已退款，跳过: task=%s", taskID)
	} else {
		s.log.Infof("💰 任务退款完成: task=%s, user=%s, amount=%d, reason=%s", taskID, result.UserID, result.Amount, reason)
	}
	return result, nil
}
