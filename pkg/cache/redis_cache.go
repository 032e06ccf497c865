// Package cache 键值缓存抽象
// 生产环境使用Redis，未启用Redis时退化为进程内缓存
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// CacheManager 缓存管理接口
type CacheManager interface {
	// Get 读取并反序列化，不存在时返回false
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	// Set ttl<=0表示不过期
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys 按通配符模式列出键(不含全局前缀)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// RedisCache 基于go-redis的缓存实现
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

// NewRedisCache 创建Redis缓存并检查连通性
func NewRedisCache(cfg *types.RedisConfig, logger *logrus.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败 (%s:%d): %w", cfg.Host, cfg.Port, err)
	}

	logger.Infof("✅ Redis连接成功: %s:%d db=%d", cfg.Host, cfg.Port, cfg.DB)
	return &RedisCache{client: client, prefix: cfg.PrefixKey, logger: logger}, nil
}

func (c *RedisCache) key(key string) string {
	return c.prefix + key
}

// Get 读取JSON值
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("读取缓存失败 %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("解析缓存失败 %s: %w", key, err)
	}
	return true, nil
}

// Set 写入JSON值
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存失败 %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败 %s: %w", key, err)
	}
	return nil
}

// Delete 删除键
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Keys 用SCAN遍历匹配的键，避免KEYS阻塞
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.key(pattern), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(c.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("遍历缓存键失败: %w", err)
	}
	return keys, nil
}

// Close 关闭连接池
func (c *RedisCache) Close() error {
	return c.client.Close()
}
