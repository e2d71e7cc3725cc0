// Package storage 保存生成的车贴纹理并返回公开访问地址
package storage

import (
	"context"
	"fmt"
	"strings"

	"wrap-studio/app/config"
)

// ObjectStore 对象存储
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// New 按配置的驱动创建对象存储
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Driver {
	case "local", "":
		return NewLocalStore(cfg.LocalDir, cfg.PublicBaseURL), nil
	case "oss":
		return NewOSSStore(cfg.OSS, cfg.PublicBaseURL)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO, cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
