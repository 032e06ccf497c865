package cache

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache 进程内缓存
// 与RedisCache语义一致(JSON序列化、TTL、通配符匹配)，用于未配置Redis的部署和测试
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
	}
}

// SetNowFunc 替换时间源(测试用)
func (c *MemoryCache) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	c.nowFunc = fn
	c.mu.Unlock()
}

func (c *MemoryCache) alive(entry memoryEntry) bool {
	return entry.expiresAt.IsZero() || c.nowFunc().Before(entry.expiresAt)
}

// Get 读取JSON值
func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	alive := ok && c.alive(entry)
	c.mu.RUnlock()

	if !alive {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set 写入JSON值
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = c.nowFunc().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// Delete 删除键
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Keys 列出匹配的未过期键，按字典序返回
func (c *MemoryCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for key, entry := range c.entries {
		if !c.alive(entry) {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close 无需释放资源
func (c *MemoryCache) Close() error {
	return nil
}
