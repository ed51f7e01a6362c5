package onnx

import (
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"

	"github.com/chaos-io/removebg/rembg"
)

// preprocess 缩放到模型输入尺寸，按最大像素值归一化后减均值除方差，输出 NCHW
func preprocess(img *rembg.Image, prof modelProfile) []float32 {
	size := prof.Size
	scaled := resize.Resize(uint(size), uint(size), img.Raster(), resize.Lanczos3)

	rgba, ok := scaled.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, size, size))
		draw.Draw(rgba, rgba.Rect, scaled, scaled.Bounds().Min, draw.Src)
	}

	var peak uint8
	for i := 0; i < len(rgba.Pix); i += 4 {
		peak = max(peak, rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2])
	}
	scale := float32(max(int(peak), 1))

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < size; x++ {
			p := row[x*4 : x*4+3]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				data[c*plane+idx] = (float32(p[c])/scale - prof.Mean[c]) / prof.Std[c]
			}
		}
	}
	return data
}

// toMask 取第一个通道，可选 sigmoid，再按最小最大值拉伸到 0..255
func toMask(data []float32, w, h int, sigmoid bool) *image.Gray {
	n := w * h
	values := make([]float64, n)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		v := float64(data[i])
		if sigmoid {
			v = 1 / (1 + math.Exp(-v))
		}
		values[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	span := hi - lo
	if span <= 0 {
		// 常数输出：全部当作背景
		return mask
	}
	for i, v := range values {
		mask.Pix[i] = uint8(math.Round((v - lo) / span * 255))
	}
	return mask
}

// fitMask 把模型分辨率的掩码缩放回原图尺寸
func fitMask(mask *image.Gray, w, h int) *image.Gray {
	if mask.Rect.Dx() == w && mask.Rect.Dy() == h {
		return mask
	}
	scaled := resize.Resize(uint(w), uint(h), mask, resize.Lanczos3)
	if g, ok := scaled.(*image.Gray); ok {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(g, g.Rect, scaled, scaled.Bounds().Min, draw.Src)
	return g
}

// outputSize 从 [1, 1, H, W] 或 [1, H, W] 形状取出 H, W
func outputSize(shape []int64) (int, int, bool) {
	if len(shape) < 2 {
		return 0, 0, false
	}
	h, w := shape[len(shape)-2], shape[len(shape)-1]
	if h <= 0 || w <= 0 {
		return 0, 0, false
	}
	return int(w), int(h), true
}
