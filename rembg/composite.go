package rembg

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
)

// Result 去背景结果：NRGBA；设置了背景色时完全不透明
type Result struct {
	Image  *image.NRGBA
	Opaque bool
}

// EncodePNG 以默认压缩级别写出 PNG
func (r *Result) EncodePNG(w io.Writer) error {
	return imaging.Encode(w, r.Image, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
}

// PNG 编码为 PNG 字节
func (r *Result) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cutout 原图颜色 + 掩码作为 alpha（非预乘）
func cutout(img *Image, alpha *image.Gray) *image.NRGBA {
	src := img.Raster()
	w, h := img.Width(), img.Height()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		si := y * src.Stride
		ai := alpha.PixOffset(alpha.Rect.Min.X, alpha.Rect.Min.Y+y)
		di := y * out.Stride
		for x := 0; x < w; x++ {
			out.Pix[di] = src.Pix[si]
			out.Pix[di+1] = src.Pix[si+1]
			out.Pix[di+2] = src.Pix[si+2]
			out.Pix[di+3] = alpha.Pix[ai]
			si += 4
			ai++
			di += 4
		}
	}
	return out
}

// composite 前景按 alpha 叠加到不透明纯色背景上，结果 alpha 全为 255
func composite(fg *image.NRGBA, bg color.NRGBA) *image.NRGBA {
	out := image.NewNRGBA(fg.Rect)
	for i := 0; i < len(fg.Pix); i += 4 {
		a := uint32(fg.Pix[i+3])
		out.Pix[i] = blend(fg.Pix[i], bg.R, a)
		out.Pix[i+1] = blend(fg.Pix[i+1], bg.G, a)
		out.Pix[i+2] = blend(fg.Pix[i+2], bg.B, a)
		out.Pix[i+3] = 0xff
	}
	return out
}

func blend(f, b uint8, a uint32) uint8 {
	return uint8((uint32(f)*a + uint32(b)*(255-a) + 127) / 255)
}
