package rembg

import (
	"encoding/hex"
	"fmt"
	"image/color"
	"strings"
)

// alpha matting 固定参数，经验值，不对外暴露
const (
	MattingForegroundThreshold = 270
	MattingBackgroundThreshold = 20
	MattingErodeSize           = 11
)

// Params 单次去背景调用的全部参数，按值传递
type Params struct {
	Model        Model
	AlphaMatting bool
	// PostProcess 掩码后处理（开运算 + 模糊 + 二值化）
	PostProcess bool
	// Background 非空时合成到纯色背景上，结果完全不透明
	Background *color.NRGBA
	// MaxDimension 规范化时的最长边，<= 0 表示不缩放
	MaxDimension int
}

// DefaultParams REST/UI 的默认参数
func DefaultParams() Params {
	return Params{
		Model:        DefaultModel,
		AlphaMatting: false,
		PostProcess:  true,
		MaxDimension: DefaultMaxDimension,
	}
}

// WithBackground 返回设置了背景色的副本，alpha 强制为 255
func (p Params) WithBackground(c color.Color) Params {
	if c == nil {
		p.Background = nil
		return p
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	n.A = 0xff
	p.Background = &n
	return p
}

// ParseHexColor 解析 "RRGGBB" / "#RRGGBB"，空字符串返回 nil
func ParseHexColor(s string) (*color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return nil, nil
	}
	if len(s) != 6 {
		return nil, fmt.Errorf("invalid color %q: want 6 hex digits", s)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid color %q: %w", s, err)
	}

	return &color.NRGBA{R: b[0], G: b[1], B: b[2], A: 0xff}, nil
}
