package rembg

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidImage 输入字节无法解码为图片
	ErrInvalidImage = errors.New("invalid image")
	// ErrUnsupportedModel 模型标识不在支持列表中
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrInference 推理失败或结果不可用
	ErrInference = errors.New("inference failure")
	// ErrSessionCreation 模型权重不可用或会话创建失败
	ErrSessionCreation = errors.New("session creation failure")
)

// IsClientError 调用方输入错误（无效图片、无效模型）
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrUnsupportedModel)
}

// ItemFailure 批处理中单个条目的失败，不影响其他条目
type ItemFailure struct {
	Index int
	Ref   string
	Err   error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("item %d (%s): %v", f.Index+1, f.Ref, f.Err)
}

func (f ItemFailure) Unwrap() error {
	return f.Err
}

func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
