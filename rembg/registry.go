package rembg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SessionProvider 按模型获取会话，Pipeline 与 Runner 只依赖这个接口
type SessionProvider interface {
	GetOrCreate(ctx context.Context, model Model) (Session, error)
}

// Registry 每个模型最多一个会话，首次使用时创建，进程内一直缓存，不淘汰。
//
// 已缓存的查找不加锁；同一模型的并发首次创建经 singleflight 合并，
// 不同模型之间互不阻塞。
type Registry struct {
	engine Engine
	opts   options

	sessions sync.Map // Model -> Session
	group    singleflight.Group
	size     atomic.Int64
}

func NewRegistry(engine Engine, opts ...Option) *Registry {
	return &Registry{
		engine: engine,
		opts:   buildOptions(opts),
	}
}

// GetOrCreate 返回模型对应的会话。
// 创建失败不缓存，下次调用重新创建；调用方 ctx 取消只影响自己的等待，
// 创建过程本身继续，完成后照常缓存。
func (r *Registry) GetOrCreate(ctx context.Context, model Model) (Session, error) {
	if s, ok := r.sessions.Load(model); ok {
		return s.(Session), nil
	}

	ch := r.group.DoChan(string(model), func() (any, error) {
		// 上一轮 flight 可能刚刚完成
		if s, ok := r.sessions.Load(model); ok {
			return s, nil
		}
		return r.create(context.WithoutCancel(ctx), model)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, wrap(ErrSessionCreation, ctx.Err())
	}
}

func (r *Registry) create(ctx context.Context, model Model) (Session, error) {
	start := time.Now()
	r.opts.logger.Info("creating model session", zap.String("model", model.String()))

	sess, err := r.engine.NewSession(ctx, model)
	if err == nil && sess == nil {
		err = errors.New("engine returned nil session")
	}
	r.opts.metrics.ObserveSession(model.String(), err)
	if err != nil {
		r.opts.logger.Error("failed to create model session",
			zap.String("model", model.String()), zap.Error(err))
		return nil, wrap(ErrSessionCreation, fmt.Errorf("model %s: %w", model, err))
	}

	r.sessions.Store(model, sess)
	r.size.Add(1)

	r.opts.logger.Info("model session ready",
		zap.String("model", model.String()),
		zap.Duration("cost", time.Since(start)))
	return sess, nil
}

// Len 当前缓存的会话数
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Close 进程退出时释放实现了 io.Closer 的会话
func (r *Registry) Close() error {
	var errs []error
	r.sessions.Range(func(key, value any) bool {
		if c, ok := value.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session %v: %w", key, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}
