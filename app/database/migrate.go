package database

import (
	"wrap-studio/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	// 自动迁移表结构
	return db.AutoMigrate(
		&model.UserCredits{},
		&model.CreditLedger{},
		&model.GenerationTask{},
		&model.Wrap{},
	)
}
