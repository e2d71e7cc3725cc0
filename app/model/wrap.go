package model

import (
	"time"

	"gorm.io/datatypes"
)

const WrapCategoryAIGenerated = "ai_generated"

// Wrap 生成任务产出的车贴作品
type Wrap struct {
	ID               string                      `json:"id" gorm:"primaryKey;size:36"`
	UserID           string                      `json:"user_id" gorm:"not null;size:64;index"`
	GenerationTaskID string                      `json:"generation_task_id" gorm:"size:36;uniqueIndex"`
	ModelSlug        string                      `json:"model_slug" gorm:"size:64"`
	Name             string                      `json:"name" gorm:"size:200"`
	Prompt           string                      `json:"prompt" gorm:"type:text"`
	TextureURL       string                      `json:"texture_url" gorm:"type:text"`
	PreviewURL       string                      `json:"preview_url" gorm:"type:text"`
	ReferenceImages  datatypes.JSONSlice[string] `json:"reference_images"`
	IsPublic         bool                        `json:"is_public" gorm:"default:false"`
	Category         string                      `json:"category" gorm:"size:32"`
	CreatedAt        time.Time                   `json:"created_at"`
}

// TableName 指定表名
func (Wrap) TableName() string {
	return "wraps"
}
