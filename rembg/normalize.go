package rembg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// DefaultMaxDimension 服务端默认的最长边限制
const DefaultMaxDimension = 1024

// Normalize 把任意编码的图片字节变成规范 RGB 图像
//
//	解码失败返回 ErrInvalidImage，不做任何猜测
//	丢弃 alpha 通道
//	最长边 > maxDim 时按比例 Lanczos 缩小，maxDim <= 0 不缩放
func Normalize(raw []byte, maxDim int) (*Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	return NormalizeImage(img, maxDim), nil
}

// NormalizeImage 对已解码的内存图片做同样的处理，不修改输入
func NormalizeImage(img image.Image, maxDim int) *Image {
	dst := toRGB(img)
	if maxDim > 0 {
		dst = resizeWithinMax(dst, maxDim)
	}
	return &Image{rgba: dst}
}

// toRGB 复制为从 (0,0) 开始的 RGBA，alpha 全部置为 255。
// 带 alpha 的输入按未预乘的颜色取值，透明像素保留原本的 RGB。
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := y * dst.Stride
			for x := 0; x < b.Dx(); x++ {
				dst.Pix[di] = src.Pix[si]
				dst.Pix[di+1] = src.Pix[si+1]
				dst.Pix[di+2] = src.Pix[si+2]
				dst.Pix[di+3] = 0xff
				si += 4
				di += 4
			}
		}
		return dst
	case *image.NYCbCrA:
		// 颜色平面与 alpha 分开存放，直接丢掉 alpha 平面
		draw.Draw(dst, dst.Bounds(), &src.YCbCr, b.Min, draw.Src)
		setOpaque(dst)
		return dst
	case interface{ Opaque() bool }:
		if src.Opaque() {
			draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
			setOpaque(dst)
			return dst
		}
	}

	// 预乘转换会把 alpha=0 的颜色清零，逐像素按具体颜色类型取值
	for y := 0; y < b.Dy(); y++ {
		di := y * dst.Stride
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := straightRGB(img.At(b.Min.X+x, b.Min.Y+y))
			dst.Pix[di] = r
			dst.Pix[di+1] = g
			dst.Pix[di+2] = bl
			dst.Pix[di+3] = 0xff
			di += 4
		}
	}
	return dst
}

// straightRGB 取未预乘的 8 位 RGB
func straightRGB(c color.Color) (r, g, b uint8) {
	switch c := c.(type) {
	case color.NRGBA:
		return c.R, c.G, c.B
	case color.NRGBA64:
		return uint8(c.R >> 8), uint8(c.G >> 8), uint8(c.B >> 8)
	case color.NYCbCrA:
		return color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
	default:
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		return n.R, n.G, n.B
	}
}

func setOpaque(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
}

// ScaledSize 最长边限制为 maxSize 后的尺寸，四舍五入，至少 1 像素
func ScaledSize(w, h, maxSize int) (int, int) {
	longest := max(w, h)
	if maxSize <= 0 || longest <= maxSize {
		return w, h
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(math.Round(float64(w)*scale)))
	newH := max(1, int(math.Round(float64(h)*scale)))
	return newW, newH
}

// resizeWithinMax 缩放（最长边 <= maxSize）
func resizeWithinMax(img *image.RGBA, maxSize int) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	newW, newH := ScaledSize(w, h, maxSize)
	if newW == w && newH == h {
		return img
	}

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	out, ok := resized.(*image.RGBA)
	if !ok {
		out = image.NewRGBA(image.Rect(0, 0, newW, newH))
		draw.Draw(out, out.Bounds(), resized, resized.Bounds().Min, draw.Src)
	}
	// Lanczos 的负瓣可能让 alpha 偏离 255
	setOpaque(out)
	return out
}
