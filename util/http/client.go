package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	// 错误响应体只保留前 1KB
	maxErrorBody = 1 << 10
)

// ErrIdleTimeout 响应体在 idleTimeout 内没有读到任何数据
var ErrIdleTimeout = errors.New("response body idle timeout")

type HTTPClient struct {
	client *http.Client
	// idleTimeout 大于 0 时，读取响应体停顿超过该时长即中止请求
	idleTimeout time.Duration
}

func NewHTTPClient() IClient {
	return &HTTPClient{
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// NewDownloadClient 下载模型权重这类大文件：不设整体超时，
// 等待响应头超过 headerTimeout 或读取停顿超过 idleTimeout 时失败
func NewDownloadClient(headerTimeout, idleTimeout time.Duration) IClient {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &HTTPClient{
		client:      &http.Client{Transport: tr},
		idleTimeout: idleTimeout,
	}
}

func (c *HTTPClient) DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error {
	if requestParam == nil {
		return errors.New("request param is nil")
	}

	if requestParam.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestParam.Timeout)
		defer cancel()
	}

	var cancelIdle context.CancelCauseFunc
	if c.idleTimeout > 0 {
		ctx, cancelIdle = context.WithCancelCause(ctx)
		defer cancelIdle(nil)
	}

	body, contentType, err := encodeBody(requestParam.Body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, requestParam.Method, requestParam.RequestURI, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range requestParam.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var respBody io.Reader = resp.Body
	if cancelIdle != nil {
		ir := newIdleReader(resp.Body, c.idleTimeout, cancelIdle)
		defer ir.stop()
		respBody = ir
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(respBody, maxErrorBody))
		return fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	switch out := requestParam.Response.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, respBody)
		return nil
	case io.Writer:
		if _, err := io.Copy(out, respBody); err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		return nil
	default:
		data, err := io.ReadAll(respBody)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}
}

// encodeBody 返回请求体和默认的 Content-Type（Header 中的值优先）
func encodeBody(body interface{}) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), sniff(b), nil
	case io.Reader:
		br := bufio.NewReader(b)
		head, _ := br.Peek(512)
		return br, sniff(head), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func sniff(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(head))
	if err != nil {
		return ""
	}
	return mediaType
}

// idleReader 每次读到数据就重置计时，超时后取消请求使阻塞中的 Read 返回
type idleReader struct {
	r     io.Reader
	idle  time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newIdleReader(r io.Reader, idle time.Duration, cancel context.CancelCauseFunc) *idleReader {
	ir := &idleReader{r: r, idle: idle}
	ir.timer = time.AfterFunc(idle, func() {
		ir.fired.Store(true)
		cancel(ErrIdleTimeout)
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if ir.fired.Load() {
		return n, fmt.Errorf("%w after %s", ErrIdleTimeout, ir.idle)
	}
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}
