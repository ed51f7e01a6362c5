package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chaos-io/removebg/config"
	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/rembg/onnx"
	"github.com/chaos-io/removebg/rembg/remote"
)

type engineFactory func(cfg *config.Config, logger *zap.Logger) (rembg.Engine, error)

// buildEngine 按 engine.kind 选择本地 ONNX 推理或远端掩码服务
func buildEngine(cfg *config.Config, logger *zap.Logger) (rembg.Engine, error) {
	switch cfg.Engine.Kind {
	case config.EngineONNX:
		return onnx.NewEngine(onnx.Config{
			ModelDir:    cfg.Engine.ModelDir,
			BaseURL:     cfg.Engine.ModelBaseURL,
			LibraryPath: cfg.Engine.LibraryPath,
			NumThreads:  cfg.Engine.NumThreads,
		}, onnx.WithLogger(logger)), nil
	case config.EngineRemote:
		return remote.NewEngine(cfg.Engine.RemoteURL, remote.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
	}
}
