package model

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus 生成任务状态
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusProcessing     TaskStatus = "processing"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusFailedRefunded TaskStatus = "failed_refunded"
)

// 状态只能向前流转，终态不可重新打开
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusProcessing, TaskStatusFailed, TaskStatusFailedRefunded},
	TaskStatusProcessing: {TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusFailedRefunded},
	TaskStatusFailed:     {TaskStatusFailedRefunded},
}

// CanTransitionTo 检查状态流转是否合法；processing -> processing 表示租约过期后被重新认领
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive 任务仍在队列或处理中
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusProcessing
}

// AllTaskStatuses 所有状态，统计时使用
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusPending,
		TaskStatusProcessing,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusFailedRefunded,
	}
}

// GenerationTask AI 车贴生成任务
type GenerationTask struct {
	ID             string                    `json:"id" gorm:"primaryKey;size:36"`
	UserID         string                    `json:"user_id" gorm:"not null;size:64;index;uniqueIndex:idx_generation_tasks_user_idem,priority:1"`
	Prompt         string                    `json:"prompt" gorm:"type:text"`
	Status         TaskStatus                `json:"status" gorm:"size:20;not null;default:pending;index"`
	CreditsSpent   int                       `json:"credits_spent" gorm:"default:0;comment:缓存值，退款以账本为准"`
	IdempotencyKey *string                   `json:"idempotency_key,omitempty" gorm:"size:128;uniqueIndex:idx_generation_tasks_user_idem,priority:2"`
	ModelSlug      string                    `json:"model_slug" gorm:"size:64"`
	LeaseOwner     *string                   `json:"lease_owner,omitempty" gorm:"size:64"`
	LeaseExpiresAt *time.Time                `json:"lease_expires_at,omitempty" gorm:"index"`
	Attempts       int                       `json:"attempts" gorm:"default:0"`
	NextRetryAt    *time.Time                `json:"next_retry_at,omitempty"`
	WrapID         *string                   `json:"wrap_id,omitempty" gorm:"size:36"`
	ErrorMessage   string                    `json:"error_message,omitempty" gorm:"type:text"`
	Steps          datatypes.JSONSlice[Step] `json:"steps"`
	CreatedAt      time.Time                 `json:"created_at" gorm:"index"`
	StartedAt      *time.Time                `json:"started_at,omitempty"`
	FinishedAt     *time.Time                `json:"finished_at,omitempty"`
	UpdatedAt      time.Time                 `json:"updated_at" gorm:"index"`
}

// TableName 指定表名
func (GenerationTask) TableName() string {
	return "generation_tasks"
}

// QueuedPayload 返回最新的 queued_for_worker 步骤；该步骤字段无法解析时返回 false
func (t *GenerationTask) QueuedPayload() (*QueuedForWorker, bool) {
	for i := len(t.Steps) - 1; i >= 0; i-- {
		if t.Steps[i].Name() != StepQueuedForWorker {
			continue
		}
		q, ok := t.Steps[i].Detail.(*QueuedForWorker)
		return q, ok
	}
	return nil, false
}
