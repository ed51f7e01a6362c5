package cmd

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/removebg/config"
	"github.com/chaos-io/removebg/metrics"
	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/server"
	"github.com/chaos-io/removebg/telegram"
	"github.com/chaos-io/removebg/util"
)

func (a *app) newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API, the web UI and, when a token is configured, the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if !root.verbose {
				if err := util.InitLogger(cfg.Server.Mode); err != nil {
					return err
				}
			}
			return a.serve(cmd.Context(), cfg)
		},
	}
}

// serve 阻塞直到 ctx 结束或任一服务出错
func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	gin.SetMode(cfg.Server.Mode)
	logger := util.Logger
	m := metrics.New()

	engine, err := a.newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine)

	registry := rembg.NewRegistry(engine, rembg.WithLogger(logger), rembg.WithMetrics(m))
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("failed to close sessions", zap.Error(err))
		}
	}()

	cache, closeCache := newResultCache(ctx, &cfg.Redis, logger)
	defer closeCache()

	downloads, err := server.NewDownloadStore(cfg.UI.DownloadDir, cfg.UI.DownloadTTL, logger)
	if err != nil {
		return err
	}
	if err := downloads.StartSweeper(cfg.UI.CleanupSchedule); err != nil {
		return err
	}
	defer downloads.Stop()

	pipeline := rembg.NewPipeline(registry, rembg.WithLogger(logger), rembg.WithMetrics(m))
	srv, err := server.New(cfg, server.Deps{
		Pipeline:  pipeline,
		Runner:    rembg.NewRunner(registry, rembg.WithLogger(logger), rembg.WithMetrics(m)),
		Cache:     cache,
		Downloads: downloads,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(telegram.Config{
			Token:        cfg.Telegram.Token,
			DefaultModel: rembg.Model(cfg.Processing.DefaultModel),
			MaxFileSize:  cfg.Upload.MaxSize,
			MaxDimension: cfg.Processing.MaxSize,
			Timeout:      cfg.Server.RequestTimeout,
		}, pipeline, logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if bot != nil {
		g.Go(func() error {
			return bot.Run(gctx)
		})
	}
	return g.Wait()
}

// newResultCache redis 不可用时退回到不缓存
func newResultCache(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (server.ResultCache, func()) {
	if cfg.Addr == "" {
		return server.NopCache{}, func() {}
	}

	cache := server.NewRedisCache(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, result cache disabled", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = cache.Close()
		return server.NopCache{}, func() {}
	}

	logger.Info("result cache enabled", zap.String("addr", cfg.Addr), zap.Duration("ttl", cfg.TTL))
	return cache, func() {
		_ = cache.Close()
	}
}
