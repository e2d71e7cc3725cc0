package provider

import (
	"context"
	"errors"
)

// ErrNoImage 模型返回了内容但没有图片
var ErrNoImage = errors.New("no image found in response")

// Request 一次车贴纹理生成请求
type Request struct {
	TaskID          string
	ModelSlug       string
	ModelName       string
	Prompt          string
	MaskImage       []byte
	ReferenceImages [][]byte
}

// Image 生成结果
type Image struct {
	Data        []byte
	MimeType    string
	FinalPrompt string
}

// Generator 外部图片生成服务
type Generator interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}

// AspectRatio 各车型 UV 贴图在 AI 视角下的比例（车头朝下）
func AspectRatio(modelSlug string) string {
	if modelSlug == "cybertruck" {
		return "3:4"
	}
	return "1:1"
}
