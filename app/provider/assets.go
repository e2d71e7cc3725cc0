package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"
)

// AssetFetcher 下载蒙版和参考图
type AssetFetcher struct {
	client   *resty.Client
	maxBytes int64
}

// NewAssetFetcher 创建素材下载器
func NewAssetFetcher(timeout time.Duration, maxBytes int64) *AssetFetcher {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetResponseBodyLimit(maxBytes)
	return &AssetFetcher{client: client, maxBytes: maxBytes}
}

// MaskURL 车型蒙版地址
func MaskURL(origin, modelSlug string) string {
	return fmt.Sprintf("%s/masks/%s.png", strings.TrimRight(origin, "/"), modelSlug)
}

// Fetch 下载单个资源
func (f *AssetFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("下载资源失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("下载资源失败，状态码: %d", resp.StatusCode())
	}
	return resp.Bytes(), nil
}
