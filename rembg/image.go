package rembg

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	// 解码器注册，HEIC/HEIF 依赖 gen2brain/heic
	_ "github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedExtensions 批量处理时识别的图片扩展名
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".heic", ".heif"}

// IsSupportedFile 按扩展名判断（忽略大小写）
func IsSupportedFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Image 规范化后的 RGB 图像，alpha 恒为 255。
// 只能由 Normalize / NormalizeImage 生成，下游只接受该类型。
type Image struct {
	rgba *image.RGBA
}

func (i *Image) Width() int {
	return i.rgba.Rect.Dx()
}

func (i *Image) Height() int {
	return i.rgba.Rect.Dy()
}

func (i *Image) ColorModel() color.Model {
	return color.RGBAModel
}

func (i *Image) Bounds() image.Rectangle {
	return i.rgba.Rect
}

func (i *Image) At(x, y int) color.Color {
	return i.rgba.At(x, y)
}

// RGB 返回 (x, y) 处的像素值，坐标从 0 开始
func (i *Image) RGB(x, y int) (r, g, b uint8) {
	off := y*i.rgba.Stride + x*4
	p := i.rgba.Pix[off : off+3 : off+3]
	return p[0], p[1], p[2]
}

// Raster 底层像素，调用方只读
func (i *Image) Raster() *image.RGBA {
	return i.rgba
}
