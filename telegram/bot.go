// Package telegram 通过 Telegram 机器人提供去背景服务
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/util"
	nhttp "github.com/chaos-io/removebg/util/http"
)

const (
	msgStart = `Hi! Send me a photo and I will remove its background.

Send it as a file (document) to keep the full resolution.

Commands:
/model <id> - choose the model
/alpha on|off - alpha matting for softer edges
/bg <RRGGBB|none> - solid background colour
/models - list models
/help - this message`

	msgSendPhoto       = "Send me a photo or an image file."
	msgUnknownCommand  = "Unknown command. Use /help."
	msgProcessing      = "Processing..."
	msgNotImage        = "This file is not an image I can read."
	msgProcessingError = "Could not process the image: %v"
	msgTooLarge        = "The file is too large (limit %d MB)."

	resultFileName = "removed_bg.png"
	// 同时处理的消息数
	maxConcurrent = 4
)

// botAPI tgbotapi.BotAPI 中用到的部分
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Config struct {
	Token        string
	DefaultModel rembg.Model
	// MaxFileSize 下载文件的字节上限
	MaxFileSize  int64
	MaxDimension int
	Timeout      time.Duration
}

type Bot struct {
	api      botAPI
	pipeline *rembg.Pipeline
	client   nhttp.IClient
	settings *settingsStore
	cfg      Config
	logger   *zap.Logger
}

func NewBot(cfg Config, pipeline *rembg.Pipeline, logger *zap.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("telegram bot authorized", zap.String("account", api.Self.UserName))

	return newBot(api, cfg, pipeline, nhttp.NewHTTPClient(), logger), nil
}

func newBot(api botAPI, cfg Config, pipeline *rembg.Pipeline, client nhttp.IClient, logger *zap.Logger) *Bot {
	if !cfg.DefaultModel.Valid() {
		cfg.DefaultModel = rembg.DefaultModel
	}
	return &Bot{
		api:      api,
		pipeline: pipeline,
		client:   client,
		settings: newSettingsStore(chatSettings{Model: cfg.DefaultModel}),
		cfg:      cfg,
		logger:   logger,
	}
}

// Run 处理消息直到 ctx 结束
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	g := &errgroup.Group{}
	g.SetLimit(maxConcurrent)
	defer func() {
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			msg := update.Message
			g.Go(func() error {
				b.handleMessage(ctx, msg)
				return nil
			})
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}

	if fileID, size, ok := imageFile(msg); ok {
		b.handleImage(ctx, msg.Chat.ID, fileID, size)
		return
	}
	if msg.Document != nil {
		b.sendMessage(msg.Chat.ID, msgNotImage)
		return
	}

	b.sendMessage(msg.Chat.ID, msgSendPhoto)
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.settings.reset(chatID)
		b.sendMessage(chatID, msgStart)
	case "help":
		b.sendMessage(chatID, msgStart)
	case "models":
		b.sendMessage(chatID, modelList(b.settings.get(chatID).Model))
	case "model":
		b.sendMessage(chatID, b.setModel(chatID, args))
	case "alpha":
		b.sendMessage(chatID, b.setAlpha(chatID, args))
	case "bg":
		b.sendMessage(chatID, b.setBackground(chatID, args))
	default:
		b.sendMessage(chatID, msgUnknownCommand)
	}
}

func (b *Bot) setModel(chatID int64, arg string) string {
	if arg == "" {
		return fmt.Sprintf("Current model: %s\n\n%s", b.settings.get(chatID).Model, modelList(b.settings.get(chatID).Model))
	}
	model, err := rembg.ParseModel(arg)
	if err != nil {
		return err.Error()
	}
	b.settings.update(chatID, func(cs *chatSettings) {
		cs.Model = model
	})
	return "Model set to " + model.String()
}

func (b *Bot) setAlpha(chatID int64, arg string) string {
	var on bool
	switch strings.ToLower(arg) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		state := "off"
		if b.settings.get(chatID).AlphaMatting {
			state = "on"
		}
		return "Alpha matting is " + state + ". Use /alpha on or /alpha off."
	}
	b.settings.update(chatID, func(cs *chatSettings) {
		cs.AlphaMatting = on
	})
	if on {
		return "Alpha matting enabled."
	}
	return "Alpha matting disabled."
}

func (b *Bot) setBackground(chatID int64, arg string) string {
	if arg == "" || strings.EqualFold(arg, "none") {
		b.settings.update(chatID, func(cs *chatSettings) {
			cs.Background = nil
		})
		return "Background set to transparent."
	}
	bg, err := rembg.ParseHexColor(arg)
	if err != nil {
		return err.Error()
	}
	b.settings.update(chatID, func(cs *chatSettings) {
		cs.Background = bg
	})
	return fmt.Sprintf("Background set to #%02X%02X%02X.", bg.R, bg.G, bg.B)
}

func (b *Bot) handleImage(ctx context.Context, chatID int64, fileID string, size int) {
	if b.cfg.MaxFileSize > 0 && int64(size) > b.cfg.MaxFileSize {
		b.sendMessage(chatID, fmt.Sprintf(msgTooLarge, b.cfg.MaxFileSize>>20))
		return
	}

	b.sendMessage(chatID, msgProcessing)

	png, err := b.process(ctx, chatID, fileID)
	if err != nil {
		b.logger.Warn("telegram removal failed", zap.Int64("chat", chatID), zap.Error(err))
		b.sendMessage(chatID, fmt.Sprintf(msgProcessingError, err))
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: resultFileName, Bytes: png})
	if _, err := b.api.Send(doc); err != nil {
		b.logger.Error("failed to send document", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (b *Bot) process(ctx context.Context, chatID int64, fileID string) ([]byte, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	data, err := util.DownloadFile(ctx, b.client, url, b.cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}

	params := b.settings.get(chatID).params(b.cfg.MaxDimension)
	img, err := rembg.Normalize(data, params.MaxDimension)
	if err != nil {
		return nil, err
	}
	res, err := b.pipeline.RemoveBackground(ctx, img, params)
	if err != nil {
		return nil, err
	}
	return res.PNG()
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("failed to send message", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// imageFile 照片取最大尺寸；文件按 MIME 或扩展名判断是否为图片
func imageFile(msg *tgbotapi.Message) (fileID string, size int, ok bool) {
	if len(msg.Photo) > 0 {
		p := msg.Photo[len(msg.Photo)-1]
		return p.FileID, p.FileSize, true
	}
	if d := msg.Document; d != nil {
		if strings.HasPrefix(d.MimeType, "image/") || rembg.IsSupportedFile(d.FileName) {
			return d.FileID, int(d.FileSize), true
		}
	}
	return "", 0, false
}

func modelList(current rembg.Model) string {
	var sb strings.Builder
	sb.WriteString("Available models:\n")
	for _, m := range rembg.Models() {
		mark := "  "
		if m.Model == current {
			mark = "* "
		}
		fmt.Fprintf(&sb, "%s%s - %s\n", mark, m.Model, m.Description)
	}
	return sb.String()
}
