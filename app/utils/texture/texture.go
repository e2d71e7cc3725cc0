// Package texture 把模型输出（车头朝下的 AI 视角）转换为车机使用的 UV 贴图方向和尺寸
package texture

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Spec 车型贴图规格
type Spec struct {
	Width  int
	Height int
	// Rotate 顺时针旋转角度
	Rotate int
}

// SpecFor 返回车型的贴图规格
func SpecFor(modelSlug string) Spec {
	if modelSlug == "cybertruck" {
		return Spec{Width: 1024, Height: 768, Rotate: 90}
	}
	return Spec{Width: 1024, Height: 1024, Rotate: 180}
}

// Normalize 解码生成图片（png/jpeg/webp），旋转并缩放后输出 PNG
func Normalize(modelSlug string, data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解码图片失败: %w", err)
	}

	spec := SpecFor(modelSlug)
	out := imaging.Resize(rotate(img, spec.Rotate), spec.Width, spec.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("编码图片失败: %w", err)
	}
	return buf.Bytes(), nil
}

// imaging 的旋转方向为逆时针
func rotate(img image.Image, clockwise int) image.Image {
	switch clockwise % 360 {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
