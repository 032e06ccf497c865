package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"ramp-aggregator/provider-router/internal/types"
	"ramp-aggregator/provider-router/pkg/cache"

	"github.com/sirupsen/logrus"
)

const (
	defaultSnapshotTTL   = 24 * time.Hour
	snapshotQueueSize    = 128
	snapshotWriteTimeout = 3 * time.Second
)

// HealthStore 健康状态快照存储
// 每次状态变更异步写入缓存，启动时读取快照恢复健康表
type HealthStore struct {
	cache  cache.CacheManager
	ttl    time.Duration
	queue  chan types.ProviderHealth
	logger *logrus.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewHealthStore 创建快照存储并启动写入协程
func NewHealthStore(cacheManager cache.CacheManager, ttl time.Duration, logger *logrus.Logger) *HealthStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &HealthStore{
		cache:  cacheManager,
		ttl:    ttl,
		queue:  make(chan types.ProviderHealth, snapshotQueueSize),
		logger: logger,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// OnHealthEvent 健康监听回调，只负责入队
func (s *HealthStore) OnHealthEvent(event HealthEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.queue <- event.Current:
	default:
		s.logger.Warnf("[%s] 健康快照队列已满，跳过本次写入", event.Current.ProviderID)
	}
}

func (s *HealthStore) loop() {
	defer s.wg.Done()

	for record := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
		err := s.cache.Set(ctx, types.CacheKeyHealth+record.ProviderID, record, s.ttl)
		cancel()
		if err != nil {
			s.logger.Warnf("[%s] 写入健康快照失败: %v", record.ProviderID, err)
		}
	}
}

// Load 读取全部健康快照
// 单条记录读取失败时跳过，不影响其他记录
func (s *HealthStore) Load(ctx context.Context) ([]types.ProviderHealth, error) {
	keys, err := s.cache.Keys(ctx, types.CacheKeyHealth+"*")
	if err != nil {
		return nil, err
	}

	records := make([]types.ProviderHealth, 0, len(keys))
	for _, key := range keys {
		var record types.ProviderHealth
		found, err := s.cache.Get(ctx, key, &record)
		if err != nil {
			s.logger.Warnf("读取健康快照 %s 失败: %v", key, err)
			continue
		}
		if !found {
			continue
		}
		if record.ProviderID == "" {
			record.ProviderID = strings.TrimPrefix(key, types.CacheKeyHealth)
		}
		records = append(records, record)
	}
	return records, nil
}

// Restore 读取快照并写入健康监控器
func (s *HealthStore) Restore(ctx context.Context, monitor *HealthMonitor) error {
	records, err := s.Load(ctx)
	if err != nil {
		return err
	}
	monitor.Seed(records)
	return nil
}

// Close 写完队列中剩余的快照后退出
func (s *HealthStore) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
	})
}
