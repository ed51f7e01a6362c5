package http

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/http.go -package=mocks . IClient
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 一次 HTTP 请求。
//
// Body: io.Reader / []byte 原样发送，其他类型按 JSON 序列化；
// Response: io.Writer 时响应体原样写入（用于下载大文件），其他非 nil 值按 JSON 解析。
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	// Timeout 大于 0 时覆盖客户端默认超时
	Timeout time.Duration
}
