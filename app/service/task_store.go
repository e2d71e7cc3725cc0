package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wrap-studio/app/logger"
	"wrap-studio/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskStore 生成任务的读写
type TaskStore struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// TaskFilter 任务列表筛选条件
type TaskFilter struct {
	UserID   string
	Statuses []model.TaskStatus
	Page     int
	PageSize int
}

// TaskStats 时间窗口内各状态的任务数量
type TaskStats struct {
	WindowHours int              `json:"windowHours"`
	Since       time.Time        `json:"since"`
	Counts      map[string]int64 `json:"counts"`
	Total       int64            `json:"total"`
}

func NewTaskStore(db *gorm.DB, log *logger.Logger) *TaskStore {
	return &TaskStore{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetTask 按 ID 查询任务
func (s *TaskStore) GetTask(ctx context.Context, id string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetUserTask 只返回属于该用户的任务
func (s *TaskStore) GetUserTask(ctx context.Context, userID, id string) (*model.GenerationTask, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// LockTask 在事务内锁定任务行
func (s *TaskStore) LockTask(tx *gorm.DB, id string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("锁定任务失败: %w", err)
	}
	return &task, nil
}

// AppendSteps 追加步骤并同时写入其他字段。task 必须是当前事务内锁定读取的行
func (s *TaskStore) AppendSteps(tx *gorm.DB, task *model.GenerationTask, now time.Time, updates map[string]interface{}, details ...model.StepDetail) error {
	for _, d := range details {
		task.Steps = append(task.Steps, model.NewStep(now, d))
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["steps"] = task.Steps
	updates["updated_at"] = now

	if err := tx.Model(&model.GenerationTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新任务步骤失败: %w", err)
	}
	return nil
}

// AppendStep 单独追加一条进度步骤
func (s *TaskStore) AppendStep(ctx context.Context, taskID string, detail model.StepDetail) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.LockTask(tx, taskID)
		if err != nil {
			return err
		}
		return s.AppendSteps(tx, task, now, nil, detail)
	})
}

// ListTasks 分页查询任务，按创建时间倒序
func (s *TaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.GenerationTask, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&model.GenerationTask{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []model.GenerationTask
	if err := query.Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// TaskStats 统计最近 windowHours 小时内创建的任务，窗口默认 24 小时，最大 720 小时
func (s *TaskStore) TaskStats(ctx context.Context, windowHours int) (*TaskStats, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	if windowHours > 720 {
		windowHours = 720
	}
	since := s.now().Add(-time.Duration(windowHours) * time.Hour)

	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&model.GenerationTask{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &TaskStats{
		WindowHours: windowHours,
		Since:       since,
		Counts:      make(map[string]int64),
	}
	for _, status := range model.AllTaskStatuses() {
		stats.Counts[string(status)] = 0
	}
	for _, row := range rows {
		stats.Counts[row.Status] = row.Count
		stats.Total += row.Count
	}
	return stats, nil
}

// GetWrap 查询任务产出的作品
func (s *TaskStore) GetWrap(ctx context.Context, id string) (*model.Wrap, error) {
	var wrap model.Wrap
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&wrap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wrap, nil
}
