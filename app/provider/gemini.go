package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"wrap-studio/app/config"

	"resty.dev/v3"
)

// GeminiClient 通过 generateContent 接口生成车贴纹理
type GeminiClient struct {
	client *resty.Client
	apiKey string
	model  string
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig map[string]interface{} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// NewGeminiClient 创建 Gemini 客户端，超时与重试由配置决定
func NewGeminiClient(cfg config.ProviderConfig) *GeminiClient {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.APIBaseURL, "/"))
	client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	client.SetRetryCount(cfg.RetryCount)
	client.SetRetryWaitTime(2 * time.Second)
	client.SetHeader("Content-Type", "application/json")

	return &GeminiClient{
		client: client,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

// Close 释放底层连接
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

func (g *GeminiClient) Generate(ctx context.Context, req Request) (*Image, error) {
	if g.apiKey == "" {
		return nil, errors.New("provider api key is not configured")
	}

	textPrompt := BuildWrapPrompt(req.ModelName, req.Prompt, len(req.MaskImage) > 0)
	parts := []geminiPart{{Text: textPrompt}}
	if len(req.MaskImage) > 0 {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(req.MaskImage),
		}})
	}
	for _, ref := range req.ReferenceImages {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(ref),
		}})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
		GenerationConfig: map[string]interface{}{
			"responseModalities": []string{"Image"},
			"imageConfig": map[string]string{
				"aspectRatio": AspectRatio(req.ModelSlug),
			},
		},
	}

	var result geminiResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("key", g.apiKey).
		SetBody(body).
		SetResult(&result).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", g.model))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("AI 生成超时: %w", err)
		}
		return nil, fmt.Errorf("请求生成服务失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gemini api error (%d): %s", resp.StatusCode(), truncate(resp.String(), 300))
	}

	for _, candidate := range result.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("解码生成图片失败: %w", err)
			}
			mimeType := part.InlineData.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return &Image{Data: data, MimeType: mimeType, FinalPrompt: textPrompt}, nil
		}
	}

	for _, candidate := range result.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				return nil, fmt.Errorf("model returned text instead of image: %s: %w", truncate(part.Text, 200), ErrNoImage)
			}
		}
	}
	return nil, ErrNoImage
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
