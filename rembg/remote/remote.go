// Package remote 把推理交给远端掩码服务：上传图片，取回同尺寸的灰度掩码
package remote

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"mime/multipart"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/rembg"
	nhttp "github.com/chaos-io/removebg/util/http"
)

const (
	healthPath = "/health"
	maskPath   = "/mask"
)

type Engine struct {
	baseURL string
	cli     nhttp.IClient
	logger  *zap.Logger
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithHTTPClient(cli nhttp.IClient) Option {
	return func(e *Engine) {
		if cli != nil {
			e.cli = cli
		}
	}
}

func NewEngine(baseURL string, opts ...Option) *Engine {
	e := &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		cli:     nhttp.NewHTTPClient(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type healthResp struct {
	Status string   `json:"status"`
	Models []string `json:"models"`
}

// NewSession 检查远端可用且支持该模型
func (e *Engine) NewSession(ctx context.Context, model rembg.Model) (rembg.Session, error) {
	if !model.Valid() {
		return nil, fmt.Errorf("%w: %q", rembg.ErrUnsupportedModel, model)
	}

	resp := &healthResp{}
	err := e.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: e.baseURL + healthPath,
		Method:     "GET",
		Response:   resp,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("remote health: %w", err)
	}

	if len(resp.Models) > 0 && !contains(resp.Models, model.String()) {
		return nil, fmt.Errorf("remote does not serve model %s", model)
	}

	e.logger.Info("remote session ready", zap.String("model", model.String()), zap.String("url", e.baseURL))
	return &session{model: model, engine: e}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type session struct {
	model  rembg.Model
	engine *Engine
}

func (s *session) Model() rembg.Model {
	return s.model
}

/*
	curl -X POST "$BASE_URL/mask" \
	  -F "image=@my_image.png" \
	  -F "model=u2netp"

返回 PNG 灰度掩码
*/
func (s *session) Predict(ctx context.Context, img *rembg.Image) (*image.Gray, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	// image 文件字段
	part, err := writer.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img.Raster()); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	// 其他字段
	_ = writer.WriteField("model", s.model.String())
	_ = writer.Close()

	out := &bytes.Buffer{}
	reqParam := &nhttp.RequestParam{
		RequestURI: s.engine.baseURL + maskPath,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   out,
	}
	if err := s.engine.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	decoded, _, err := image.Decode(out)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	return toGray(decoded, img.Width(), img.Height()), nil
}

// toGray 统一成原图尺寸的灰度图，远端返回的尺寸不一致时缩放
func toGray(m image.Image, w, h int) *image.Gray {
	b := m.Bounds()
	if b.Dx() != w || b.Dy() != h {
		m = resize.Resize(uint(w), uint(h), m, resize.Lanczos3)
		b = m.Bounds()
	}
	if g, ok := m.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(g, g.Rect, m, b.Min, draw.Src)
	return g
}
