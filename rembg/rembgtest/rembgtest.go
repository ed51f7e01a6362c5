// Package rembgtest 测试用的推理引擎与图片工具
package rembgtest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"time"

	"github.com/chaos-io/removebg/rembg"
)

// Engine 掩码固定为居中椭圆的假引擎，记录会话创建次数
type Engine struct {
	// SessionDelay 创建会话前的等待，用于制造并发首次使用
	SessionDelay time.Duration
	// SessionErr 非空时创建会话失败
	SessionErr error
	// PredictErr 非空时推理失败
	PredictErr error
	// PredictDelay 推理耗时
	PredictDelay time.Duration

	created atomic.Int32
}

func (e *Engine) NewSession(ctx context.Context, model rembg.Model) (rembg.Session, error) {
	e.created.Add(1)
	if e.SessionDelay > 0 {
		time.Sleep(e.SessionDelay)
	}
	if e.SessionErr != nil {
		return nil, e.SessionErr
	}
	return &Session{model: model, engine: e}, nil
}

// Created NewSession 被调用的次数
func (e *Engine) Created() int {
	return int(e.created.Load())
}

type Session struct {
	model  rembg.Model
	engine *Engine
}

func (s *Session) Model() rembg.Model {
	return s.model
}

func (s *Session) Predict(ctx context.Context, img *rembg.Image) (*image.Gray, error) {
	if s.engine.PredictDelay > 0 {
		select {
		case <-time.After(s.engine.PredictDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.engine.PredictErr != nil {
		return nil, s.engine.PredictErr
	}
	return EllipseMask(img.Width(), img.Height()), nil
}

// EllipseMask 内切于图像中间一半区域的椭圆，前景 255
func EllipseMask(w, h int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	cx, cy := float64(w)/2, float64(h)/2
	rx, ry := float64(w)/4, float64(h)/4
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			dy := (float64(y) + 0.5 - cy) / ry
			if dx*dx+dy*dy <= 1 {
				m.Pix[y*m.Stride+x] = 0xff
			}
		}
	}
	return m
}

// Photo 不透明的渐变测试图
func Photo(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / max(1, w-1)),
				G: uint8(y * 255 / max(1, h-1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// PNG 编码后的测试图
func PNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Photo(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
