package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wrap-studio/app/logger"
	"wrap-studio/app/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditService 积分账本。带 tx 参数的方法必须在调用方事务内使用
type CreditService struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// LedgerEntry 一次入账
type LedgerEntry struct {
	UserID      string
	TaskID      *string
	Amount      int
	Type        model.LedgerType
	Description string
	Metadata    map[string]interface{}
}

func NewCreditService(db *gorm.DB, log *logger.Logger) *CreditService {
	return &CreditService{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// LockBalance 锁定用户余额行，不存在时先创建零余额记录
func (s *CreditService) LockBalance(tx *gorm.DB, userID string, now time.Time) (*model.UserCredits, error) {
	seed := model.UserCredits{UserID: userID, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("初始化用户积分失败: %w", err)
	}

	var credits model.UserCredits
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&credits).Error; err != nil {
		return nil, fmt.Errorf("锁定用户积分失败: %w", err)
	}
	return &credits, nil
}

// Charge 扣除生成费用并写入 generation_charge 流水
func (s *CreditService) Charge(tx *gorm.DB, userID, taskID string, cost int, now time.Time) (*model.UserCredits, error) {
	credits, err := s.LockBalance(tx, userID, now)
	if err != nil {
		return nil, err
	}
	if credits.Balance < cost {
		return credits, ErrInsufficientCredits
	}

	credits.Balance -= cost
	credits.TotalSpent += cost
	if err := tx.Model(&model.UserCredits{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
		"balance":     credits.Balance,
		"total_spent": credits.TotalSpent,
		"updated_at":  now,
	}).Error; err != nil {
		return nil, fmt.Errorf("扣减积分失败: %w", err)
	}

	entry := &model.CreditLedger{
		ID:          uuid.NewString(),
		UserID:      userID,
		TaskID:      &taskID,
		Amount:      -cost,
		Type:        model.LedgerTypeGenerationCharge,
		Description: "AI wrap generation",
		CreatedAt:   now,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("写入扣费流水失败: %w", err)
	}
	return credits, nil
}

// Credit 入账：退款回补 total_spent，充值和奖励计入 total_earned
func (s *CreditService) Credit(tx *gorm.DB, entry LedgerEntry, now time.Time) (*model.UserCredits, error) {
	if entry.Amount < 0 {
		return nil, fmt.Errorf("入账金额不能为负数: %d", entry.Amount)
	}

	credits, err := s.LockBalance(tx, entry.UserID, now)
	if err != nil {
		return nil, err
	}

	credits.Balance += entry.Amount
	switch {
	case entry.Type == model.LedgerTypeRefund:
		credits.TotalSpent -= entry.Amount
		if credits.TotalSpent < 0 {
			credits.TotalSpent = 0
		}
	case entry.Type.IsGrant():
		credits.TotalEarned += entry.Amount
	}

	if err := tx.Model(&model.UserCredits{}).Where("user_id = ?", entry.UserID).Updates(map[string]interface{}{
		"balance":      credits.Balance,
		"total_spent":  credits.TotalSpent,
		"total_earned": credits.TotalEarned,
		"updated_at":   now,
	}).Error; err != nil {
		return nil, fmt.Errorf("更新用户积分失败: %w", err)
	}

	row := &model.CreditLedger{
		ID:          uuid.NewString(),
		UserID:      entry.UserID,
		TaskID:      entry.TaskID,
		Amount:      entry.Amount,
		Type:        entry.Type,
		Description: entry.Description,
		CreatedAt:   now,
	}
	if len(entry.Metadata) > 0 {
		row.Metadata = datatypes.JSONMap(entry.Metadata)
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("写入积分流水失败: %w", err)
	}
	return credits, nil
}

// Grant 充值或系统奖励
func (s *CreditService) Grant(ctx context.Context, userID string, amount int, ledgerType model.LedgerType, description string) (*model.UserCredits, error) {
	if userID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: 用户和金额必须有效", ErrInvalidRequest)
	}
	if !ledgerType.IsGrant() {
		return nil, fmt.Errorf("%w: 不支持的流水类型 %s", ErrInvalidRequest, ledgerType)
	}

	now := s.now()
	var credits *model.UserCredits
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		credits, err = s.Credit(tx, LedgerEntry{
			UserID:      userID,
			Amount:      amount,
			Type:        ledgerType,
			Description: description,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Infof("用户积分已发放: user=%s, type=%s, amount=%d, balance=%d", userID, ledgerType, amount, credits.Balance)
	return credits, nil
}

// GetBalance 查询余额，没有记录时返回零余额
func (s *CreditService) GetBalance(ctx context.Context, userID string) (*model.UserCredits, error) {
	var credits model.UserCredits
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&credits).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.UserCredits{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &credits, nil
}

// ListLedger 分页查询用户流水，按时间倒序
func (s *CreditService) ListLedger(ctx context.Context, userID string, page, pageSize int) ([]model.CreditLedger, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&model.CreditLedger{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []model.CreditLedger
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// FindChargeForTask 返回任务最早的一条扣费流水，没有时返回 nil
func (s *CreditService) FindChargeForTask(tx *gorm.DB, taskID string) (*model.CreditLedger, error) {
	var entries []model.CreditLedger
	if err := tx.Where("task_id = ? AND type IN ?", taskID, model.ChargeLedgerTypes()).
		Order("created_at ASC").
		Limit(1).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("查询扣费流水失败: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// TaskLedgerSum 任务相关流水的净额，扣费并退款后应为 0
func (s *CreditService) TaskLedgerSum(ctx context.Context, taskID string) (int, error) {
	var sum int
	err := s.db.WithContext(ctx).Model(&model.CreditLedger{}).
		Where("task_id = ?", taskID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}
