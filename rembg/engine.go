package rembg

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/removebg/metrics"
)

// Engine 推理引擎：加载模型权重并创建会话，可能很慢（首次需要下载权重）
//
//go:generate mockgen -destination=mocks/engine.go -package=mocks . Engine,Session
type Engine interface {
	NewSession(ctx context.Context, model Model) (Session, error)
}

// Session 已加载的模型句柄，创建代价高，复用代价低，需支持并发调用
type Session interface {
	Model() Model
	// Predict 返回与输入同尺寸的前景掩码（0 背景，255 前景）
	Predict(ctx context.Context, img *Image) (*image.Gray, error)
}

type options struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option Registry / Pipeline / Runner 共用的选项
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
