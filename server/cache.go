package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaos-io/removebg/config"
	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/util"
)

const cachePrefix = "removebg:"

// ResultCache 缓存 REST 接口的 PNG 结果，同一张图片同一组参数直接返回
type ResultCache interface {
	// Get 未命中时返回 nil, nil
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, png []byte) error
}

// CacheKey md5(上传内容) + 影响输出的全部参数
func CacheKey(data []byte, params rembg.Params) string {
	bg := "none"
	if params.Background != nil {
		bg = fmt.Sprintf("%02x%02x%02x", params.Background.R, params.Background.G, params.Background.B)
	}
	return strings.Join([]string{
		util.BytesMD5(data),
		params.Model.String(),
		fmt.Sprintf("am=%t", params.AlphaMatting),
		fmt.Sprintf("pp=%t", params.PostProcess),
		"bg=" + bg,
		fmt.Sprintf("max=%d", params.MaxDimension),
	}, ":")
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(cfg *config.RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, cachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // 缓存未命中
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisCache) Set(ctx context.Context, key string, png []byte) error {
	return s.client.Set(ctx, cachePrefix+key, png, s.ttl).Err()
}

func (s *RedisCache) Close() error {
	return s.client.Close()
}

// NopCache 未配置 redis 时使用
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (NopCache) Set(context.Context, string, []byte) error {
	return nil
}
