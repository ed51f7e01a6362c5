package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chaos-io/removebg/rembg"
)

const envPrefix = "REMOVEBG"

// DefaultModelBaseURL rembg 发布的权重文件
const DefaultModelBaseURL = "https://github.com/danielgatis/rembg/releases/download/v0.0.0/"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Redis      RedisConfig      `mapstructure:"redis"`
	UI         UIConfig         `mapstructure:"ui"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// RequestTimeout 单次去背景的处理上限，超时按推理失败处理
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// Addr 兼容 "8000" 与 ":8000" 两种写法
func (s ServerConfig) Addr() string {
	if strings.Contains(s.Port, ":") {
		return s.Port
	}
	return ":" + s.Port
}

type UploadConfig struct {
	MaxSize int64 `mapstructure:"max_size"`
}

type ProcessingConfig struct {
	DefaultModel string `mapstructure:"default_model"`
	MaxSize      int    `mapstructure:"max_size"`
}

type EngineConfig struct {
	// Kind onnx 本地推理，remote 远端掩码服务
	Kind         string `mapstructure:"kind"`
	ModelDir     string `mapstructure:"model_dir"`
	ModelBaseURL string `mapstructure:"model_base_url"`
	LibraryPath  string `mapstructure:"library_path"`
	NumThreads   int    `mapstructure:"num_threads"`
	RemoteURL    string `mapstructure:"remote_url"`
}

type RedisConfig struct {
	// Addr 为空时不启用结果缓存
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UIConfig struct {
	DownloadDir     string        `mapstructure:"download_dir"`
	DownloadTTL     time.Duration `mapstructure:"download_ttl"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

const (
	EngineONNX   = "onnx"
	EngineRemote = "remote"
)

// Load 读取 .env 与可选的 YAML 配置文件，环境变量覆盖文件中的值。
// configPath 为空或文件不存在时只使用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unknown server.mode %q (use debug, release or test)", c.Server.Mode)
	}
	if _, err := rembg.ParseModel(c.Processing.DefaultModel); err != nil {
		return fmt.Errorf("processing.default_model: %w", err)
	}

	switch c.Engine.Kind {
	case EngineONNX:
	case EngineRemote:
		if c.Engine.RemoteURL == "" {
			return errors.New("engine.remote_url is required when engine.kind is remote")
		}
	default:
		return fmt.Errorf("unknown engine.kind %q (use %s or %s)", c.Engine.Kind, EngineONNX, EngineRemote)
	}
	if c.Upload.MaxSize <= 0 {
		return errors.New("upload.max_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout", 120*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)

	v.SetDefault("upload.max_size", 20*1024*1024)

	v.SetDefault("processing.default_model", "u2netp")
	v.SetDefault("processing.max_size", 1024)

	v.SetDefault("engine.kind", EngineONNX)
	v.SetDefault("engine.model_dir", defaultModelDir())
	v.SetDefault("engine.model_base_url", DefaultModelBaseURL)
	v.SetDefault("engine.library_path", "")
	v.SetDefault("engine.num_threads", 0)
	v.SetDefault("engine.remote_url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("ui.download_dir", filepath.Join(os.TempDir(), "removebg"))
	v.SetDefault("ui.download_ttl", time.Hour)
	v.SetDefault("ui.cleanup_schedule", "@every 10m")

	v.SetDefault("cors.allow_origins", []string{"*"})

	v.SetDefault("telegram.token", "")
}

// bindEnv REMOVEBG_SERVER_PORT 形式的变量，以及兼容的 PORT / U2NET_HOME / TELEGRAM_TOKEN
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("engine.model_dir", envPrefix+"_ENGINE_MODEL_DIR", "U2NET_HOME")
	_ = v.BindEnv("telegram.token", envPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_TOKEN")
}

// defaultModelDir 与 rembg 一致：~/.u2net
func defaultModelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".u2net"
	}
	return filepath.Join(home, ".u2net")
}
