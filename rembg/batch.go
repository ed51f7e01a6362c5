package rembg

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Item 批处理的一个输入
type Item interface {
	// Ref 用于日志和失败归属的标识
	Ref() string
	// Load 读取并规范化
	Load(maxDim int) (*Image, error)
}

// FileItem 本地文件
type FileItem string

func (f FileItem) Ref() string {
	return string(f)
}

func (f FileItem) Load(maxDim int) (*Image, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return Normalize(data, maxDim)
}

// BytesItem 内存中的编码图片，例如上传的文件
type BytesItem struct {
	Name string
	Data []byte
}

func (b BytesItem) Ref() string {
	return b.Name
}

func (b BytesItem) Load(maxDim int) (*Image, error) {
	return Normalize(b.Data, maxDim)
}

// Sink 接收单个条目的结果（写文件、收集到画廊等），返回错误计为该条目失败
type Sink func(ctx context.Context, index int, item Item, res *Result) error

// Progress 每处理完一个条目回调一次，Err 非空表示该条目失败
type Progress struct {
	Index int
	Total int
	Item  Item
	Err   error
}

// Job 一批输入 + 一组参数
type Job struct {
	Items    []Item
	Params   Params
	Sink     Sink
	Progress func(Progress)
}

// Report 批处理结果
type Report struct {
	Total     int
	Succeeded int
	Failures  []ItemFailure
}

func (r *Report) Failed() int {
	return len(r.Failures)
}

// Runner 批量去背景：整批共用一个会话，按输入顺序串行处理，单个条目失败不中断
type Runner struct {
	sessions SessionProvider
	opts     options
}

func NewRunner(sessions SessionProvider, opts ...Option) *Runner {
	return &Runner{
		sessions: sessions,
		opts:     buildOptions(opts),
	}
}

// Run 只有模型无效或共享会话创建失败才返回错误并放弃整批；
// ctx 取消时在条目之间停止，返回已有的部分结果和 ctx.Err()。
func (r *Runner) Run(ctx context.Context, job Job) (*Report, error) {
	params := job.Params
	if !params.Model.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, params.Model)
	}

	sess, err := r.sessions.GetOrCreate(ctx, params.Model)
	if err != nil {
		return nil, err
	}

	total := len(job.Items)
	report := &Report{Total: total}
	r.opts.logger.Info("batch started",
		zap.Int("items", total), zap.String("model", params.Model.String()))

	for i, item := range job.Items {
		if err := ctx.Err(); err != nil {
			r.opts.logger.Warn("batch interrupted",
				zap.Int("processed", i), zap.Int("items", total), zap.Error(err))
			return report, err
		}

		err := r.runOne(ctx, sess, i, item, job)
		r.opts.metrics.ObserveBatchItem(err)
		if err != nil {
			report.Failures = append(report.Failures, ItemFailure{Index: i, Ref: item.Ref(), Err: err})
			r.opts.logger.Warn(fmt.Sprintf("[%d/%d] failed", i+1, total),
				zap.String("item", item.Ref()), zap.Error(err))
		} else {
			report.Succeeded++
			r.opts.logger.Info(fmt.Sprintf("[%d/%d] done", i+1, total), zap.String("item", item.Ref()))
		}

		if job.Progress != nil {
			job.Progress(Progress{Index: i, Total: total, Item: item, Err: err})
		}
	}

	r.opts.logger.Info("batch finished",
		zap.Int("succeeded", report.Succeeded), zap.Int("failed", report.Failed()))
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, sess Session, index int, item Item, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	img, err := item.Load(job.Params.MaxDimension)
	if err != nil {
		return err
	}

	res, err := removeWith(ctx, sess, img, job.Params)
	if err != nil {
		return err
	}

	if job.Sink != nil {
		if err := job.Sink(ctx, index, item, res); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}
