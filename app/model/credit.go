package model

import (
	"time"

	"gorm.io/datatypes"
)

// LedgerType 积分流水类型
type LedgerType string

const (
	LedgerTypeGenerationCharge LedgerType = "generation_charge"
	LedgerTypeRefund           LedgerType = "refund"
	LedgerTypeTopUp            LedgerType = "top-up"
	LedgerTypeSystemReward     LedgerType = "system_reward"

	// LedgerTypeLegacyGeneration 旧版扣费流水，退款时视同 generation_charge
	LedgerTypeLegacyGeneration LedgerType = "generation"
)

// ChargeLedgerTypes 退款查找原始扣费时匹配的类型
func ChargeLedgerTypes() []LedgerType {
	return []LedgerType{LedgerTypeGenerationCharge, LedgerTypeLegacyGeneration}
}

// IsGrant 是否为充值或奖励类流水
func (t LedgerType) IsGrant() bool {
	return t == LedgerTypeTopUp || t == LedgerTypeSystemReward
}

// UserCredits 用户积分余额（账本的冗余汇总，随流水在同一事务内更新）
type UserCredits struct {
	UserID      string    `json:"user_id" gorm:"primaryKey;size:64"`
	Balance     int       `json:"balance" gorm:"not null;default:0"`
	TotalEarned int       `json:"total_earned" gorm:"not null;default:0"`
	TotalSpent  int       `json:"total_spent" gorm:"not null;default:0"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (UserCredits) TableName() string {
	return "user_credits"
}

// CreditLedger 不可变的积分流水，是对账和幂等判断的唯一依据
type CreditLedger struct {
	ID          string            `json:"id" gorm:"primaryKey;size:36"`
	UserID      string            `json:"user_id" gorm:"not null;size:64;index"`
	TaskID      *string           `json:"task_id,omitempty" gorm:"size:36;index"`
	Amount      int               `json:"amount" gorm:"not null"`
	Type        LedgerType        `json:"type" gorm:"size:32;not null;index"`
	Description string            `json:"description" gorm:"type:text"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at" gorm:"index"`
}

// TableName 指定表名
func (CreditLedger) TableName() string {
	return "credit_ledger"
}
