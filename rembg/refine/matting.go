package refine

import (
	"image"
)

const (
	trimapForeground = 0xff
	trimapBackground = 0x00
	trimapUnknown    = 0x80

	guidedEpsilon = 1e-3
)

// MattingOptions alpha matting 阈值
type MattingOptions struct {
	ForegroundThreshold int
	BackgroundThreshold int
	ErodeSize           int
}

// Trimap 由掩码生成三值图：确定前景 255、确定背景 0、其余 128。
// 前景区域按 ErodeSize 的方形核腐蚀（边界视为非前景），
// 背景区域同样腐蚀（边界视为背景）。
func Trimap(mask *image.Gray, opts MattingOptions) *image.Gray {
	mask = rebase(mask)
	w, h := mask.Rect.Dx(), mask.Rect.Dy()

	fg := make([]bool, w*h)
	bg := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := int(mask.Pix[y*mask.Stride+x])
			fg[y*w+x] = v > opts.ForegroundThreshold
			bg[y*w+x] = v < opts.BackgroundThreshold
		}
	}

	if opts.ErodeSize > 0 {
		fg = binaryErode(fg, w, h, opts.ErodeSize, false)
		bg = binaryErode(bg, w, h, opts.ErodeSize, true)
	}

	trimap := image.NewGray(mask.Rect)
	for i := range trimap.Pix {
		switch {
		case fg[i]:
			trimap.Pix[i] = trimapForeground
		case bg[i]:
			trimap.Pix[i] = trimapBackground
		default:
			trimap.Pix[i] = trimapUnknown
		}
	}
	return trimap
}

// AlphaMatting 在 trimap 的未知区域用导向滤波（以原图亮度为引导）估计 alpha，
// 确定区域保持 0 / 255。img 与 mask 尺寸必须一致。
func AlphaMatting(img image.Image, mask *image.Gray, opts MattingOptions) *image.Gray {
	mask = rebase(mask)
	trimap := Trimap(mask, opts)
	w, h := mask.Rect.Dx(), mask.Rect.Dy()

	guide := luminance(img, w, h)
	p := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p[y*w+x] = float64(mask.Pix[y*mask.Stride+x]) / 255
		}
	}

	radius := max(1, opts.ErodeSize)
	q := guidedFilter(guide, p, w, h, radius, guidedEpsilon)

	alpha := image.NewGray(mask.Rect)
	for i, t := range trimap.Pix {
		switch t {
		case trimapForeground, trimapBackground:
			alpha.Pix[i] = t
		default:
			alpha.Pix[i] = clamp8(q[i] * 255)
		}
	}
	return alpha
}

func luminance(img image.Image, w, h int) []float64 {
	b := img.Bounds()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 65535
		}
	}
	return out
}

// guidedFilter 灰度导向滤波 (He et al.)
func guidedFilter(guide, p []float64, w, h, r int, eps float64) []float64 {
	n := w * h
	ip := make([]float64, n)
	ii := make([]float64, n)
	for i := 0; i < n; i++ {
		ip[i] = guide[i] * p[i]
		ii[i] = guide[i] * guide[i]
	}

	meanI := boxMean(guide, w, h, r)
	meanP := boxMean(p, w, h, r)
	corrIP := boxMean(ip, w, h, r)
	corrII := boxMean(ii, w, h, r)

	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		varI := corrII[i] - meanI[i]*meanI[i]
		covIP := corrIP[i] - meanI[i]*meanP[i]
		a[i] = covIP / (varI + eps)
		b[i] = meanP[i] - a[i]*meanI[i]
	}

	meanA := boxMean(a, w, h, r)
	meanB := boxMean(b, w, h, r)

	q := make([]float64, n)
	for i := 0; i < n; i++ {
		q[i] = meanA[i]*guide[i] + meanB[i]
	}
	return q
}

// boxMean 半径 r 的窗口均值，窗口在边界处截断
func boxMean(src []float64, w, h, r int) []float64 {
	sum := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		row := 0.0
		for x := 0; x < w; x++ {
			row += src[y*w+x]
			sum[(y+1)*(w+1)+x+1] = sum[y*(w+1)+x+1] + row
		}
	}

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-r), min(h, y+r+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-r), min(w, x+r+1)
			s := sum[y1*(w+1)+x1] - sum[y0*(w+1)+x1] - sum[y1*(w+1)+x0] + sum[y0*(w+1)+x0]
			out[y*w+x] = s / float64((y1-y0)*(x1-x0))
		}
	}
	return out
}

// binaryErode size x size 方形核二值腐蚀；border 为越界像素的取值
func binaryErode(src []bool, w, h, size int, border bool) []bool {
	sum := make([]int32, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int32
		for x := 0; x < w; x++ {
			if src[y*w+x] {
				row++
			}
			sum[(y+1)*(w+1)+x+1] = sum[y*(w+1)+x+1] + row
		}
	}

	before := (size - 1) / 2
	after := size - 1 - before
	out := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !src[y*w+x] {
				continue
			}
			ry0, ry1 := y-before, y+after+1
			rx0, rx1 := x-before, x+after+1
			if !border && (ry0 < 0 || rx0 < 0 || ry1 > h || rx1 > w) {
				continue
			}
			cy0, cy1 := max(0, ry0), min(h, ry1)
			cx0, cx1 := max(0, rx0), min(w, rx1)
			count := sum[cy1*(w+1)+cx1] - sum[cy0*(w+1)+cx1] - sum[cy1*(w+1)+cx0] + sum[cy0*(w+1)+cx0]
			out[y*w+x] = int(count) == (cy1-cy0)*(cx1-cx0)
		}
	}
	return out
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
