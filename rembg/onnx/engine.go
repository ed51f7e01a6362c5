// Package onnx 基于 ONNX Runtime 的本地推理引擎，首次使用模型时下载权重
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	onnxrt "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/util"
	nhttp "github.com/chaos-io/removebg/util/http"
)

const (
	downloadHeaderTimeout = 30 * time.Second
	downloadIdleTimeout   = time.Minute
)

type Config struct {
	// ModelDir 权重缓存目录
	ModelDir string
	// BaseURL 权重下载地址前缀，为空时只使用本地已有的权重
	BaseURL string
	// LibraryPath onnxruntime 动态库，为空时在常见位置查找
	LibraryPath string
	// NumThreads 单个会话的 intra-op 线程数，0 表示由 ORT 决定
	NumThreads int
}

type Engine struct {
	cfg    Config
	client nhttp.IClient
	logger *zap.Logger
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHTTPClient 替换下载权重用的客户端
func WithHTTPClient(client nhttp.IClient) Option {
	return func(e *Engine) {
		if client != nil {
			e.client = client
		}
	}
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg: cfg,
		// 权重文件可达数百 MB，不设整体超时，只限制停顿
		client: nhttp.NewDownloadClient(downloadHeaderTimeout, downloadIdleTimeout),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) NewSession(ctx context.Context, model rembg.Model) (rembg.Session, error) {
	prof, err := profileFor(model)
	if err != nil {
		return nil, err
	}

	path, err := e.ensureWeights(ctx, prof)
	if err != nil {
		return nil, err
	}

	if err := initEnvironment(e.cfg.LibraryPath); err != nil {
		return nil, err
	}

	defer util.Trace("load " + model.String())()

	inputs, outputs, err := onnxrt.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}

	opts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session opts: %w", err)
	}
	defer func() {
		_ = opts.Destroy()
	}()
	if e.cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(e.cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}

	// u2net 系列有多个输出，只取第一个
	sess, err := onnxrt.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	e.logger.Info("onnx session created",
		zap.String("model", model.String()),
		zap.String("path", path),
		zap.String("input", inputs[0].Name),
		zap.String("output", outputs[0].Name))

	return &session{model: model, prof: prof, session: sess}, nil
}

// ensureWeights 本地没有权重时下载到 ModelDir，先写临时文件再重命名
func (e *Engine) ensureWeights(ctx context.Context, prof modelProfile) (string, error) {
	path := filepath.Join(e.cfg.ModelDir, prof.File)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat weights: %w", err)
	}

	if e.cfg.BaseURL == "" {
		return "", fmt.Errorf("weights %s not found and downloads are disabled", path)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/" + prof.File
	e.logger.Info("downloading model weights", zap.String("url", url), zap.String("path", path))
	start := time.Now()

	err := util.WriteFileAtomic(path, func(w io.Writer) error {
		return e.client.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: url,
			Method:     "GET",
			Response:   w,
		})
	})
	if err != nil {
		return "", fmt.Errorf("download weights: %w", err)
	}

	e.logger.Info("model weights downloaded", zap.String("path", path), zap.Duration("cost", time.Since(start)))
	return path, nil
}

// Close 释放 ORT 环境，所有会话关闭后调用
func (e *Engine) Close() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !onnxrt.IsInitialized() {
		return nil
	}
	return onnxrt.DestroyEnvironment()
}

type session struct {
	model   rembg.Model
	prof    modelProfile
	session *onnxrt.DynamicAdvancedSession
}

func (s *session) Model() rembg.Model {
	return s.model
}

// Predict ORT 的 Run 支持并发调用，这里不加锁
func (s *session) Predict(ctx context.Context, img *rembg.Image) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := int64(s.prof.Size)
	input, err := onnxrt.NewTensor(onnxrt.NewShape(1, 3, size, size), preprocess(img, s.prof))
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	defer func() {
		_ = input.Destroy()
	}()

	outputs := []onnxrt.Value{nil}
	if err := s.session.Run([]onnxrt.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				_ = o.Destroy()
			}
		}
	}()

	t, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	w, h, ok := outputSize(t.GetShape())
	if !ok || len(t.GetData()) < w*h {
		return nil, fmt.Errorf("unexpected output shape %v", t.GetShape())
	}

	mask := toMask(t.GetData(), w, h, s.prof.Sigmoid)
	return fitMask(mask, img.Width(), img.Height()), nil
}

func (s *session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

var envMu sync.Mutex

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if onnxrt.IsInitialized() {
		return nil
	}

	path, err := findLibrary(libPath)
	if err != nil {
		return fmt.Errorf("onnx lib path: %w", err)
	}
	onnxrt.SetSharedLibraryPath(path)

	if err := onnxrt.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx: %w", err)
	}
	return nil
}

func libraryName() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "windows":
		return "onnxruntime.dll", nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// findLibrary 显式配置优先，其次 ONNXRUNTIME_LIB 环境变量和常见安装位置
func findLibrary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", err
		}
		return configured, nil
	}

	name, err := libraryName()
	if err != nil {
		return "", err
	}

	candidates := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		filepath.Join("/usr/local/lib", name),
		filepath.Join("/usr/lib", name),
		filepath.Join("/opt/onnxruntime/lib", name),
		filepath.Join("/opt/homebrew/lib", name),
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found, set engine.library_path", name)
}
