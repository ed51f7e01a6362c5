// Package server REST 接口与网页界面，共用同一个去背景流水线
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/config"
	"github.com/chaos-io/removebg/metrics"
	"github.com/chaos-io/removebg/rembg"
)

var Version = "dev"

const (
	// multipart 头部等额外开销
	formOverhead = 1 << 20
	// 网页批量处理一次最多的图片数
	maxBatchFiles = 20
)

//go:embed templates/*.html
var templatesFS embed.FS

type Deps struct {
	Pipeline  *rembg.Pipeline
	Runner    *rembg.Runner
	Cache     ResultCache
	Downloads *DownloadStore
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

type Server struct {
	cfg       *config.Config
	pipeline  *rembg.Pipeline
	runner    *rembg.Runner
	cache     ResultCache
	downloads *DownloadStore
	metrics   *metrics.Collector
	logger    *zap.Logger

	engine *gin.Engine
}

func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Pipeline == nil || deps.Runner == nil || deps.Downloads == nil {
		return nil, errors.New("server: pipeline, runner and downloads are required")
	}
	if deps.Cache == nil {
		deps.Cache = NopCache{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		pipeline:  deps.Pipeline,
		runner:    deps.Runner,
		cache:     deps.Cache,
		downloads: deps.Downloads,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}

	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger(s.logger))
	r.Use(CORS(cfg.CORS.AllowOrigins))
	r.SetHTMLTemplate(tmpl)

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// API路由
	single := limitBody(cfg.Upload.MaxSize + formOverhead)
	api := r.Group("/api")
	{
		api.GET("", s.apiInfo)
		api.GET("/health", s.health)
		api.POST("/remove", single, s.remove)
	}

	// 网页
	r.GET("/", s.uiIndex)
	ui := r.Group("/ui")
	{
		ui.POST("/remove", single, s.uiRemove)
		ui.POST("/batch", limitBody(maxBatchFiles*cfg.Upload.MaxSize+formOverhead), s.uiBatch)
		ui.GET("/download/:id", s.uiDownload)
	}

	s.engine = r
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 阻塞直到 ctx 结束，然后优雅退出
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// processingContext 单次处理的超时
func (s *Server) processingContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Server.RequestTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.cfg.Server.RequestTimeout)
}
