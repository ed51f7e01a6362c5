package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/rembg"
)

var (
	errBadRequest = errors.New("bad request")
	errTooLarge   = errors.New("upload too large")
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// statusOf 调用方输入错误 4xx，其余 5xx
func statusOf(err error) int {
	switch {
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest), rembg.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, message string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(message, zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		s.logger.Info(message, zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

func (s *Server) apiInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"api":     "removebg",
		"version": Version,
		"models":  rembg.ModelNames(),
		"endpoints": gin.H{
			"POST /api/remove": "multipart form: file (required), model, alpha_matting, bgcolor; returns PNG",
			"GET /api/health":  "service status",
			"GET /metrics":     "prometheus metrics",
		},
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// remove 上传一张图片，返回去背景后的 PNG
func (s *Server) remove(c *gin.Context) {
	data, _, err := readUpload(c, "file", s.cfg.Upload.MaxSize)
	if err != nil {
		s.fail(c, "invalid upload", err)
		return
	}

	params, err := s.formParams(c)
	if err != nil {
		s.fail(c, "invalid parameters", err)
		return
	}

	key := CacheKey(data, params)
	if cached, err := s.cache.Get(c.Request.Context(), key); err != nil {
		s.logger.Warn("failed to get cache", zap.Error(err))
	} else if cached != nil {
		s.metrics.ObserveCache(true)
		c.Header("X-Cache", "HIT")
		writePNG(c, cached)
		return
	}
	s.metrics.ObserveCache(false)

	img, err := rembg.Normalize(data, params.MaxDimension)
	if err != nil {
		s.fail(c, "invalid image", err)
		return
	}

	ctx, cancel := s.processingContext(c)
	defer cancel()

	res, err := s.pipeline.RemoveBackground(ctx, img, params)
	if err != nil {
		s.fail(c, "background removal failed", err)
		return
	}

	png, err := res.PNG()
	if err != nil {
		s.fail(c, "encode result failed", err)
		return
	}

	if err := s.cache.Set(c.Request.Context(), key, png); err != nil {
		s.logger.Warn("failed to set cache", zap.Error(err))
	}

	c.Header("X-Cache", "MISS")
	writePNG(c, png)
}

func writePNG(c *gin.Context, png []byte) {
	c.Header("Content-Disposition", "attachment; filename=removed_bg.png")
	c.Data(http.StatusOK, "image/png", png)
}

// formParams 读取 model / alpha_matting / bgcolor，服务端固定做掩码后处理并限制最长边
func (s *Server) formParams(c *gin.Context) (rembg.Params, error) {
	params := rembg.DefaultParams()
	params.MaxDimension = s.cfg.Processing.MaxSize

	name := c.PostForm("model")
	if name == "" {
		// 兼容旧字段名
		name = c.PostForm("modelo")
	}
	if name == "" {
		name = s.cfg.Processing.DefaultModel
	}
	model, err := rembg.ParseModel(name)
	if err != nil {
		return params, err
	}
	params.Model = model

	params.AlphaMatting, err = formBool(c.PostForm("alpha_matting"))
	if err != nil {
		return params, fmt.Errorf("%w: alpha_matting: %w", errBadRequest, err)
	}

	bg, err := rembg.ParseHexColor(c.PostForm("bgcolor"))
	if err != nil {
		return params, fmt.Errorf("%w: bgcolor: %w", errBadRequest, err)
	}
	if bg != nil {
		params = params.WithBackground(*bg)
	}
	return params, nil
}

// formBool 空值为 false，兼容 HTML 复选框的 "on"
func formBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return false, nil
	case "on":
		return true, nil
	}
	return strconv.ParseBool(v)
}

// readUpload 读取单个上传文件
func readUpload(c *gin.Context, field string, limit int64) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, "", formError(err)
	}
	data, err := readFileHeader(fh, limit)
	if err != nil {
		return nil, "", err
	}
	return data, fh.Filename, nil
}

func readFileHeader(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if limit > 0 && fh.Size > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", errTooLarge, fh.Filename, fh.Size, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

// formError 区分请求体超限与缺少文件
func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes", errTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: %w", errBadRequest, err)
}
