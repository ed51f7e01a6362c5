package rembg

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/chaos-io/removebg/rembg/refine"
)

var mattingOptions = refine.MattingOptions{
	ForegroundThreshold: MattingForegroundThreshold,
	BackgroundThreshold: MattingBackgroundThreshold,
	ErodeSize:           MattingErodeSize,
}

// Pipeline 单张图片去背景，REST / UI / Telegram 共用
type Pipeline struct {
	sessions SessionProvider
	opts     options
}

func NewPipeline(sessions SessionProvider, opts ...Option) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		opts:     buildOptions(opts),
	}
}

// RemoveBackground 校验模型 → 获取会话 → 推理 → 掩码处理 → 合成。
// 推理失败不重试；ctx 到期时返回 ErrInference。
func (p *Pipeline) RemoveBackground(ctx context.Context, img *Image, params Params) (*Result, error) {
	if !params.Model.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, params.Model)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}

	start := time.Now()
	sess, err := p.sessions.GetOrCreate(ctx, params.Model)
	if err != nil {
		p.opts.metrics.ObserveRemoval(params.Model.String(), err, time.Since(start))
		return nil, err
	}

	res, err := removeWith(ctx, sess, img, params)
	cost := time.Since(start)
	p.opts.metrics.ObserveRemoval(params.Model.String(), err, cost)
	if err != nil {
		p.opts.logger.Warn("background removal failed",
			zap.String("model", params.Model.String()), zap.Error(err))
		return nil, err
	}

	p.opts.logger.Debug("background removed",
		zap.String("model", params.Model.String()),
		zap.Int("width", img.Width()),
		zap.Int("height", img.Height()),
		zap.Bool("alpha_matting", params.AlphaMatting),
		zap.Bool("bgcolor", params.Background != nil),
		zap.Duration("cost", cost))
	return res, nil
}

// removeWith 使用已获取的会话处理一张图片，批处理直接复用
func removeWith(ctx context.Context, sess Session, img *Image, params Params) (*Result, error) {
	mask, err := predict(ctx, sess, img)
	if err != nil {
		return nil, wrap(ErrInference, err)
	}
	if mask == nil {
		return nil, fmt.Errorf("%w: engine returned no mask", ErrInference)
	}
	if mask.Rect.Dx() != img.Width() || mask.Rect.Dy() != img.Height() {
		return nil, fmt.Errorf("%w: mask size %dx%d does not match image %dx%d",
			ErrInference, mask.Rect.Dx(), mask.Rect.Dy(), img.Width(), img.Height())
	}

	if params.PostProcess {
		mask = refine.PostProcess(mask)
	}

	alpha := mask
	if params.AlphaMatting {
		alpha = refine.AlphaMatting(img, mask, mattingOptions)
	}

	out := cutout(img, alpha)
	if params.Background != nil {
		return &Result{Image: composite(out, *params.Background), Opaque: true}, nil
	}
	return &Result{Image: out}, nil
}

// predict 推理本身不可取消；ctx 到期时放弃等待
func predict(ctx context.Context, sess Session, img *Image) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		mask *image.Gray
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		mask, err := sess.Predict(ctx, img)
		ch <- result{mask: mask, err: err}
	}()

	select {
	case r := <-ch:
		return r.mask, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
