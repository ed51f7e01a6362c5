// Package refine 掩码后处理与 alpha matting
package refine

import (
	"image"

	"github.com/disintegration/imaging"
)

// 与 OpenCV getStructuringElement(MORPH_ELLIPSE, 3x3) 相同的十字核
var cross3 = []image.Point{{0, 0}, {-1, 0}, {1, 0}, {0, -1}, {0, 1}}

const (
	blurSigma       = 2.0
	binaryThreshold = 127
)

// postProcess 纯 Go 实现：开运算去噪点、高斯模糊、二值化
func postProcess(mask *image.Gray) *image.Gray {
	mask = rebase(mask)
	opened := morph(morph(mask, cross3, minOp), cross3, maxOp)

	blurred := imaging.Blur(opened, blurSigma)

	out := image.NewGray(opened.Rect)
	w := opened.Rect.Dx()
	for y := 0; y < opened.Rect.Dy(); y++ {
		for x := 0; x < w; x++ {
			if blurred.Pix[y*blurred.Stride+x*4] >= binaryThreshold {
				out.Pix[y*out.Stride+x] = 0xff
			}
		}
	}
	return out
}

type op func(a, b uint8) uint8

func minOp(a, b uint8) uint8 { return min(a, b) }
func maxOp(a, b uint8) uint8 { return max(a, b) }

// morph 灰度腐蚀 / 膨胀，越界像素忽略
func morph(src *image.Gray, kernel []image.Point, f op) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(src.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := src.Pix[y*src.Stride+x]
			for _, k := range kernel {
				nx, ny := x+k.X, y+k.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				v = f(v, src.Pix[ny*src.Stride+nx])
			}
			dst.Pix[y*dst.Stride+x] = v
		}
	}
	return dst
}

// rebase 保证坐标从 (0,0) 开始
func rebase(m *image.Gray) *image.Gray {
	if m.Rect.Min == (image.Point{}) {
		return m
	}
	out := image.NewGray(image.Rect(0, 0, m.Rect.Dx(), m.Rect.Dy()))
	for y := 0; y < out.Rect.Dy(); y++ {
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], m.Pix[m.PixOffset(m.Rect.Min.X, m.Rect.Min.Y+y):])
	}
	return out
}
