package storage

import (
	"bytes"
	"context"
	"fmt"

	"wrap-studio/app/config"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// OSSStore 阿里云 OSS
type OSSStore struct {
	bucket  *oss.Bucket
	baseURL string
}

func NewOSSStore(cfg config.OSSConfig, publicBaseURL string) (*OSSStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("OSS endpoint 或 bucket 未配置")
	}

	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("创建 OSS 客户端失败: %w", err)
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("获取 OSS bucket 失败: %w", err)
	}

	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.%s", cfg.Bucket, cfg.Endpoint)
	}
	return &OSSStore{bucket: bucket, baseURL: publicBaseURL}, nil
}

func (s *OSSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	err := s.bucket.PutObject(key, bytes.NewReader(data),
		oss.ContentType(contentType),
		oss.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("上传 OSS 失败: %w", err)
	}
	return joinURL(s.baseURL, key), nil
}
