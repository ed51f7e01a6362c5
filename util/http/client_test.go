package http

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = color.GrayModel.Convert(c).(color.Gray).Y
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// waitOrDone 阻塞到客户端断开，最多 d
func waitOrDone(r *http.Request, d time.Duration) {
	select {
	case <-r.Context().Done():
	case <-time.After(d):
	}
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	c, ok := NewHTTPClient().(*HTTPClient)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, c.client.Timeout)
	assert.Zero(t, c.idleTimeout)
}

func TestNewDownloadClient(t *testing.T) {
	t.Parallel()

	c, ok := NewDownloadClient(5*time.Second, time.Minute).(*HTTPClient)
	require.True(t, ok)
	// 大文件下载不设整体超时
	assert.Zero(t, c.client.Timeout)
	assert.Equal(t, time.Minute, c.idleTimeout)

	tr, ok := c.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, tr.ResponseHeaderTimeout)
}

func TestHTTPClient_NilParam(t *testing.T) {
	t.Parallel()

	err := NewHTTPClient().DoHTTPRequest(context.Background(), nil)
	assert.EqualError(t, err, "request param is nil")
}

func TestHTTPClient_MultipartMaskUpload(t *testing.T) {
	t.Parallel()

	upload := pngBytes(t, 8, 4, color.White)
	mask := pngBytes(t, 8, 4, color.Gray{Y: 200})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mask", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "u2netp", r.FormValue("model"))

		f, fh, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "image.png", fh.Filename)
		got, _ := io.ReadAll(f)
		assert.Equal(t, upload, got)

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(mask)
	}))
	defer server.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("model", "u2netp"))
	part, err := writer.CreateFormFile("image", "image.png")
	require.NoError(t, err)
	_, err = part.Write(upload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	out := &bytes.Buffer{}
	err = NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		RequestURI: server.URL + "/mask",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   out,
	})
	require.NoError(t, err)

	decoded, err := png.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), decoded.Bounds())
	assert.Equal(t, color.Gray{Y: 200}, color.GrayModel.Convert(decoded.At(3, 2)))
}

func TestHTTPClient_DownloadToWriter(t *testing.T) {
	t.Parallel()

	weights := bytes.Repeat([]byte("onnx"), 64<<10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(weights)
	}))
	defer server.Close()

	t.Run("完整写入", func(t *testing.T) {
		out := &bytes.Buffer{}
		err := NewDownloadClient(time.Second, time.Second).DoHTTPRequest(context.Background(), &RequestParam{
			RequestURI: server.URL + "/u2netp.onnx",
			Method:     http.MethodGet,
			Response:   out,
		})
		require.NoError(t, err)
		assert.Equal(t, len(weights), out.Len())
		assert.True(t, bytes.Equal(weights, out.Bytes()))
	})

	t.Run("写入失败", func(t *testing.T) {
		err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
			RequestURI: server.URL,
			Method:     http.MethodGet,
			Response:   failingWriter{},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read response body")
		assert.Contains(t, err.Error(), "disk full")
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestHTTPClient_JSONResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","models":["u2netp","isnet-general-use"]}`))
	}))
	defer server.Close()

	var health struct {
		Status string   `json:"status"`
		Models []string `json:"models"`
	}
	err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		RequestURI: server.URL + "/health",
		Method:     http.MethodGet,
		Response:   &health,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"u2netp", "isnet-general-use"}, health.Models)

	// 空响应体不报错
	err = NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		RequestURI: server.URL + "/empty",
		Method:     http.MethodGet,
		Response:   &health,
	})
	assert.NoError(t, err)
}

func TestHTTPClient_ErrorBodyIsCapped(t *testing.T) {
	t.Parallel()

	for _, status := range []int{
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusRequestEntityTooLarge,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
	} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				_, _ = w.Write([]byte("  " + strings.Repeat("x", 4*maxErrorBody) + "TAIL"))
			}))
			defer server.Close()

			err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
				RequestURI: server.URL,
				Method:     http.MethodGet,
				Response:   &bytes.Buffer{},
			})
			require.Error(t, err)

			msg := err.Error()
			assert.True(t, strings.HasPrefix(msg, "HTTP request failed with status "+strconv.Itoa(status)+": x"), msg)
			assert.NotContains(t, msg, "TAIL")
			// 前导空白被去掉，剩下的正好是 1KB 减去空白
			assert.Equal(t, maxErrorBody-2, strings.Count(msg, "x"))
		})
	}
}

func TestHTTPClient_ContentTypeSniffing(t *testing.T) {
	t.Parallel()

	jpegHead := append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 32)...)

	tests := []struct {
		name   string
		body   interface{}
		header map[string]string
		want   string
	}{
		{"无请求体", nil, nil, ""},
		{"png 字节", pngBytes(t, 2, 2, color.Black), nil, "image/png"},
		{"jpeg reader", bytes.NewReader(jpegHead), nil, "image/jpeg"},
		{"纯文本", []byte("hello"), nil, "text/plain"},
		{"结构体按 JSON", map[string]string{"model": "u2netp"}, nil, "application/json"},
		{"Header 优先", pngBytes(t, 1, 1, color.White), map[string]string{"Content-Type": "application/octet-stream"}, "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			type received struct {
				contentType string
				body        []byte
			}
			ch := make(chan received, 1)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				ch <- received{contentType: r.Header.Get("Content-Type"), body: body}
			}))
			defer server.Close()

			err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
				RequestURI: server.URL,
				Method:     http.MethodPost,
				Header:     tt.header,
				Body:       tt.body,
			})
			require.NoError(t, err)
			got := <-ch
			assert.Equal(t, tt.want, got.contentType)

			// 嗅探不能吞掉 reader 开头的数据
			if r, ok := tt.body.(*bytes.Reader); ok {
				assert.Equal(t, int(r.Size()), len(got.body))
			}
		})
	}
}

func TestHTTPClient_TimeoutOverride(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitOrDone(r, 2*time.Second)
	}))
	defer server.Close()

	start := time.Now()
	err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		RequestURI: server.URL,
		Method:     http.MethodGet,
		Timeout:    50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitOrDone(r, 2*time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := NewHTTPClient().DoHTTPRequest(ctx, &RequestParam{
		RequestURI: server.URL,
		Method:     http.MethodGet,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDownloadClient_Timeouts(t *testing.T) {
	t.Parallel()

	t.Run("响应头超时", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			waitOrDone(r, 2*time.Second)
		}))
		defer server.Close()

		err := NewDownloadClient(50*time.Millisecond, time.Second).DoHTTPRequest(context.Background(), &RequestParam{
			RequestURI: server.URL,
			Method:     http.MethodGet,
			Response:   io.Discard,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout awaiting response headers")
	})

	t.Run("读取停顿", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1048576")
			_, _ = w.Write([]byte("partial"))
			w.(http.Flusher).Flush()
			waitOrDone(r, 2*time.Second)
		}))
		defer server.Close()

		out := &bytes.Buffer{}
		start := time.Now()
		err := NewDownloadClient(time.Second, 100*time.Millisecond).DoHTTPRequest(context.Background(), &RequestParam{
			RequestURI: server.URL,
			Method:     http.MethodGet,
			Response:   out,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIdleTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, "partial", out.String())
	})

	t.Run("持续传输不触发停顿超时", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for i := 0; i < 6; i++ {
				_, _ = w.Write([]byte("chunk"))
				w.(http.Flusher).Flush()
				time.Sleep(40 * time.Millisecond)
			}
		}))
		defer server.Close()

		out := &bytes.Buffer{}
		err := NewDownloadClient(time.Second, 150*time.Millisecond).DoHTTPRequest(context.Background(), &RequestParam{
			RequestURI: server.URL,
			Method:     http.MethodGet,
			Response:   out,
		})
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("chunk", 6), out.String())
	})
}
