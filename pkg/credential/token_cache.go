// Package credential 供应商短期令牌缓存
// 缓存令牌及其过期时间，按顺序尝试多个签发端点，
// 所有端点都失败时降级为长期静态凭证(如API Key)
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL 默认缓存时间，比令牌约24小时的实际有效期短
	DefaultCacheTTL = 23 * time.Hour

	// refreshBuffer 已知令牌有效期时提前刷新的余量
	refreshBuffer = 5 * time.Minute
)

// ErrNoCredential 所有端点失败且没有静态凭证可降级
var ErrNoCredential = errors.New("no credential available")

// Source 令牌来源
type Source string

const (
	SourceCache  Source = "cache"  // 命中缓存
	SourceRemote Source = "remote" // 远程端点签发
	SourceStatic Source = "static" // 降级为静态凭证
)

// IssuedToken 签发端点返回的令牌
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time // 零值表示端点未告知有效期
}

// FetchFunc 从单个端点获取令牌
type FetchFunc func(ctx context.Context, endpoint string) (*IssuedToken, error)

// AcquireObserver 令牌获取结果回调(用于指标)
type AcquireObserver func(source Source, endpoint string, err error)

// Options 令牌缓存配置
type Options struct {
	Name             string        // 所属供应商，仅用于日志
	Endpoints        []string      // 按顺序尝试的签发端点
	Fetch            FetchFunc     // 端点调用
	StaticCredential string        // 全部端点失败时的降级凭证
	TTL              time.Duration // 缓存时间，默认23小时
	FetchTimeout     time.Duration // 单个端点超时
	Observer         AcquireObserver
	Logger           *logrus.Logger
}

// TokenCache 单个供应商独占的令牌缓存
// 并发调用GetToken时只会触发一次远程获取
type TokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	opts    Options
	group   singleflight.Group
	nowFunc func() time.Time
}

// NewTokenCache 创建令牌缓存
func NewTokenCache(opts Options) (*TokenCache, error) {
	if opts.Fetch == nil && len(opts.Endpoints) > 0 {
		return nil, fmt.Errorf("令牌缓存[%s]配置了端点但没有获取函数", opts.Name)
	}
	if len(opts.Endpoints) == 0 && opts.StaticCredential == "" {
		return nil, fmt.Errorf("令牌缓存[%s]既没有签发端点也没有静态凭证", opts.Name)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &TokenCache{
		opts:    opts,
		nowFunc: time.Now,
	}, nil
}

// SetNowFunc 替换时间源(测试用)
func (c *TokenCache) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	c.nowFunc = fn
	c.mu.Unlock()
}

// GetToken 获取令牌
// 缓存有效且未强制刷新时直接返回，不产生网络请求
func (c *TokenCache) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if token, ok := c.cached(); ok {
			c.observe(SourceCache, "", nil)
			return token, nil
		}
	}

	// 强制刷新使用独立的key，不会合并到可能读取旧缓存的普通获取上
	key := "acquire"
	if forceRefresh {
		key = "acquire:force"
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// 等待期间其他调用方可能已经完成刷新
		if !forceRefresh {
			if token, ok := c.cached(); ok {
				return token, nil
			}
		}
		return c.acquire(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate 清除缓存的令牌
// 下游收到未授权响应时调用，下一次GetToken会重新获取
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()

	c.opts.Logger.Infof("[%s] 令牌已失效，下次调用将重新获取", c.opts.Name)
}

// ExpiresAt 当前缓存令牌的过期时间
func (c *TokenCache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == "" || !c.nowFunc().Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

// acquire 按顺序尝试所有端点，首个成功即返回
func (c *TokenCache) acquire(ctx context.Context) (string, error) {
	var lastErr error

	for _, endpoint := range c.opts.Endpoints {
		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		issued, err := c.opts.Fetch(fetchCtx, endpoint)
		cancel()

		if err == nil && (issued == nil || issued.Value == "") {
			err = fmt.Errorf("端点 %s 未返回令牌", endpoint)
		}
		if err != nil {
			c.opts.Logger.Warnf("[%s] 令牌端点失败: %s - %v", c.opts.Name, endpoint, err)
			c.observe(SourceRemote, endpoint, err)
			lastErr = err
			continue
		}

		expiresAt := c.store(issued)
		c.observe(SourceRemote, endpoint, nil)
		c.opts.Logger.Infof("[%s] 令牌获取成功: endpoint=%s, 缓存至=%s",
			c.opts.Name, endpoint, expiresAt.Format(time.RFC3339))
		return issued.Value, nil
	}

	// 降级：静态凭证不写入缓存，下次调用仍会优先尝试远程端点
	if c.opts.StaticCredential != "" {
		if lastErr != nil {
			c.opts.Logger.Warnf("[%s] 所有令牌端点均失败，降级使用静态凭证: %v", c.opts.Name, lastErr)
		}
		c.observe(SourceStatic, "", nil)
		return c.opts.StaticCredential, nil
	}

	if lastErr == nil {
		return "", ErrNoCredential
	}
	return "", fmt.Errorf("%w: %v", ErrNoCredential, lastErr)
}

// store 写入缓存，过期时间取配置TTL与令牌实际有效期(减去刷新余量)中较早者
func (c *TokenCache) store(issued *IssuedToken) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	expiresAt := now.Add(c.opts.TTL)
	if !issued.ExpiresAt.IsZero() {
		if early := issued.ExpiresAt.Add(-refreshBuffer); early.Before(expiresAt) {
			expiresAt = early
		}
	}

	c.token = issued.Value
	c.expiresAt = expiresAt
	return expiresAt
}

func (c *TokenCache) observe(source Source, endpoint string, err error) {
	if c.opts.Observer != nil {
		c.opts.Observer(source, endpoint, err)
	}
}
