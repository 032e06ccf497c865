// Package services 供应商编排核心服务
// 健康监控、并发报价聚合、故障转移执行
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ramp-aggregator/provider-router/internal/adapters"
	"ramp-aggregator/provider-router/internal/metrics"
	"ramp-aggregator/provider-router/internal/types"

	"github.com/sirupsen/logrus"
)

// 健康检查默认值
const (
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultFailureThreshold    = 3
	DefaultProbeTimeout        = 10 * time.Second
)

// 健康状态变更来源
const (
	HealthSourceProbe  = "probe"  // 定期巡检
	HealthSourceLive   = "live"   // 真实请求结果
	HealthSourceManual = "manual" // 人工干预
	HealthSourceSeed   = "seed"   // 启动时从快照恢复
)

// probeKinds 选择探测报价时的操作类型优先级
var probeKinds = []types.OperationKind{types.OperationOnRamp, types.OperationOffRamp, types.OperationSwap}

// HealthEvent 健康状态变更事件
type HealthEvent struct {
	Previous *types.ProviderHealth // 变更前的记录，nil表示首次记录
	Current  types.ProviderHealth  // 变更后的记录
	Source   string                // 变更来源
}

// Transitioned 健康标志是否发生翻转(首次记录即不健康也算)
func (e HealthEvent) Transitioned() bool {
	if e.Previous == nil {
		return !e.Current.IsHealthy
	}
	return e.Previous.IsHealthy != e.Current.IsHealthy
}

// HealthListener 健康状态变更回调
// 在锁外同步调用，实现方不应阻塞
type HealthListener func(event HealthEvent)

// HealthMonitor 供应商健康监控
// 健康表只能通过RecordFailure/RecordSuccess/MarkHealthy/MarkUnhealthy/Seed修改，
// 其他组件只读。没有记录的供应商默认视为健康
type HealthMonitor struct {
	mu      sync.RWMutex
	records map[string]*types.ProviderHealth

	registry         *Registry
	threshold        int
	interval         time.Duration
	recoveryInterval time.Duration
	probeTimeout     time.Duration
	exempt           map[string]bool
	probes           map[types.OperationKind]*types.QuoteRequest

	listenersMu sync.RWMutex
	listeners   []HealthListener

	metrics *metrics.RouterMetrics
	logger  *logrus.Logger
	nowFunc func() time.Time

	lifecycleMu sync.Mutex
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// NewHealthMonitor 创建健康监控器
func NewHealthMonitor(registry *Registry, cfg types.OrchestrationConfig, m *metrics.RouterMetrics, logger *logrus.Logger) *HealthMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	probeTimeout := cfg.ProviderCallTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	exempt := make(map[string]bool, len(cfg.HealthCheckExempt))
	for _, id := range cfg.HealthCheckExempt {
		exempt[id] = true
	}

	return &HealthMonitor{
		records:          make(map[string]*types.ProviderHealth),
		registry:         registry,
		threshold:        threshold,
		interval:         interval,
		recoveryInterval: cfg.RecoveryCheckInterval,
		probeTimeout:     probeTimeout,
		exempt:           exempt,
		probes:           cfg.ProbeRequests,
		metrics:          m,
		logger:           logger,
		nowFunc:          time.Now,
	}
}

// SetNowFunc 替换时间源(测试用)
func (h *HealthMonitor) SetNowFunc(fn func() time.Time) {
	h.mu.Lock()
	h.nowFunc = fn
	h.mu.Unlock()
}

// Threshold 连续失败阈值
func (h *HealthMonitor) Threshold() int {
	return h.threshold
}

// AddListener 注册健康状态变更回调
func (h *HealthMonitor) AddListener(listener HealthListener) {
	h.listenersMu.Lock()
	h.listeners = append(h.listeners, listener)
	h.listenersMu.Unlock()
}

// ========================================
// 状态变更入口
// ========================================

// RecordFailure 记录一次失败(探测或真实请求)
// 连续失败达到阈值时标记为不健康
func (h *HealthMonitor) RecordFailure(providerID string, err error) {
	h.recordFailure(providerID, err, HealthSourceLive)
}

func (h *HealthMonitor) recordFailure(providerID string, err error, source string) {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}

	event := h.update(providerID, source, func(rec *types.ProviderHealth) {
		rec.ConsecutiveFailures++
		rec.LastError = message
		if rec.ConsecutiveFailures >= h.threshold {
			rec.IsHealthy = false
		}
	})

	if event.Transitioned() {
		h.logger.Warnf("[%s] ⚠️ 连续失败 %d 次，标记为不健康: %s",
			providerID, event.Current.ConsecutiveFailures, message)
	} else {
		h.logger.Debugf("[%s] 失败 (%d/%d): %s",
			providerID, event.Current.ConsecutiveFailures, h.threshold, message)
	}
}

// RecordSuccess 记录一次成功，重置失败计数并恢复健康
func (h *HealthMonitor) RecordSuccess(providerID string) {
	h.recordSuccess(providerID, HealthSourceLive)
}

func (h *HealthMonitor) recordSuccess(providerID, source string) {
	event := h.update(providerID, source, resetHealthy)
	if event.Transitioned() {
		h.logger.Infof("[%s] ✅ 已恢复健康", providerID)
	}
}

// MarkUnhealthy 人工标记为不健康
// 失败计数直接设为阈值，保持状态自洽
func (h *HealthMonitor) MarkUnhealthy(providerID, reason string) {
	h.update(providerID, HealthSourceManual, func(rec *types.ProviderHealth) {
		rec.IsHealthy = false
		rec.ConsecutiveFailures = h.threshold
		rec.LastError = reason
	})
	h.logger.Warnf("[%s] 🔧 人工标记为不健康: %s", providerID, reason)
}

// MarkHealthy 人工标记为健康
func (h *HealthMonitor) MarkHealthy(providerID string) {
	h.update(providerID, HealthSourceManual, resetHealthy)
	h.logger.Infof("[%s] 🔧 人工标记为健康", providerID)
}

// Seed 用持久化快照初始化健康表
// 不满足不变式的记录会被修正(失败计数达到阈值即不健康)
func (h *HealthMonitor) Seed(records []types.ProviderHealth) {
	for _, record := range records {
		if record.ProviderID == "" {
			continue
		}
		seeded := record
		h.update(record.ProviderID, HealthSourceSeed, func(rec *types.ProviderHealth) {
			*rec = seeded
			if rec.ConsecutiveFailures >= h.threshold {
				rec.IsHealthy = false
			}
		})
	}
	if len(records) > 0 {
		h.logger.Infof("📥 已恢复 %d 条健康状态快照", len(records))
	}
}

func resetHealthy(rec *types.ProviderHealth) {
	rec.IsHealthy = true
	rec.ConsecutiveFailures = 0
	rec.LastError = ""
}

// update 在写锁内修改记录，锁外通知监听者
func (h *HealthMonitor) update(providerID, source string, mutate func(rec *types.ProviderHealth)) HealthEvent {
	h.mu.Lock()
	var previous *types.ProviderHealth
	rec, ok := h.records[providerID]
	if ok {
		snapshot := *rec
		previous = &snapshot
	} else {
		rec = &types.ProviderHealth{ProviderID: providerID, IsHealthy: true}
		h.records[providerID] = rec
	}

	rec.LastCheckedAt = h.nowFunc()
	mutate(rec)
	rec.ProviderID = providerID

	event := HealthEvent{Previous: previous, Current: *rec, Source: source}
	h.mu.Unlock()

	h.metrics.RecordHealth(event.Current)
	h.notify(event)
	return event
}

func (h *HealthMonitor) notify(event HealthEvent) {
	h.listenersMu.RLock()
	listeners := make([]HealthListener, len(h.listeners))
	copy(listeners, h.listeners)
	h.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// ========================================
// 只读访问
// ========================================

// IsHealthy 供应商是否健康，没有记录时默认健康
func (h *HealthMonitor) IsHealthy(providerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[providerID]
	if !ok {
		return true
	}
	return rec.IsHealthy
}

// Status 获取单个供应商的健康记录副本
func (h *HealthMonitor) Status(providerID string) (types.ProviderHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[providerID]
	if !ok {
		return types.ProviderHealth{}, false
	}
	return *rec, true
}

// AllStatuses 所有健康记录副本
// 已注册供应商按注册顺序在前，其余(如快照中已下线的供应商)按ID排序
func (h *HealthMonitor) AllStatuses() []types.ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	statuses := make([]types.ProviderHealth, 0, len(h.records))
	seen := make(map[string]bool, len(h.records))

	if h.registry != nil {
		for _, provider := range h.registry.List() {
			if rec, ok := h.records[provider.GetID()]; ok {
				statuses = append(statuses, *rec)
				seen[provider.GetID()] = true
			}
		}
	}

	var rest []types.ProviderHealth
	for id, rec := range h.records {
		if !seen[id] {
			rest = append(rest, *rec)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ProviderID < rest[j].ProviderID })

	return append(statuses, rest...)
}

// ========================================
// 探测与巡检
// ========================================

// Probe 用一次代表性报价探测供应商
// 探测错误只转换为健康状态，不向调用方返回
func (h *HealthMonitor) Probe(ctx context.Context, provider adapters.Provider) {
	req := h.probeRequestFor(provider)
	if req == nil {
		h.logger.Debugf("[%s] 没有可用的探测报价参数，跳过", provider.GetID())
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	start := time.Now()
	_, err := provider.GetQuote(probeCtx, req)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	h.metrics.RecordProviderCall(provider.GetID(), "probe", time.Since(start), err)

	if err != nil {
		// 巡检被停止时的中止不计入失败
		if ctx.Err() != nil {
			h.logger.Debugf("[%s] 探测被取消: %v", provider.GetID(), ctx.Err())
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Debugf("[%s] 探测超时 (%v)", provider.GetID(), h.probeTimeout)
		}
		h.recordFailure(provider.GetID(), err, HealthSourceProbe)
		return
	}

	h.recordSuccess(provider.GetID(), HealthSourceProbe)
	h.logger.Debugf("[%s] 健康检查通过", provider.GetID())
}

// Sweep 按注册顺序逐个探测所有供应商
// 串行执行以限制巡检本身带来的负载；豁免的供应商直接跳过
func (h *HealthMonitor) Sweep(ctx context.Context) {
	h.metrics.RecordSweep()

	for _, provider := range h.registry.List() {
		if ctx.Err() != nil {
			return
		}

		id := provider.GetID()
		if h.exempt[id] {
			continue
		}
		if h.inCooldown(id) {
			h.logger.Debugf("[%s] 处于恢复冷却期，本轮跳过", id)
			continue
		}

		h.Probe(ctx, provider)
	}
}

// inCooldown 不健康供应商距上次检查未满恢复间隔
func (h *HealthMonitor) inCooldown(providerID string) bool {
	if h.recoveryInterval <= 0 {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[providerID]
	if !ok || rec.IsHealthy {
		return false
	}
	return h.nowFunc().Sub(rec.LastCheckedAt) < h.recoveryInterval
}

// probeRequestFor 选择供应商支持的第一个操作类型对应的探测参数
func (h *HealthMonitor) probeRequestFor(provider adapters.Provider) *types.QuoteRequest {
	for _, kind := range probeKinds {
		if !provider.SupportsOperation(kind) {
			continue
		}
		template, ok := h.probes[kind]
		if !ok || template == nil {
			continue
		}
		req := *template
		req.Kind = kind
		req.RequestID = "health-check"
		return &req
	}
	return nil
}

// ========================================
// 生命周期
// ========================================

// Start 启动定期巡检: 立即执行一次，之后按固定间隔执行
// 重复调用无效
func (h *HealthMonitor) Start(ctx context.Context) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.stopChan != nil {
		return
	}
	h.stopChan = make(chan struct{})
	h.doneChan = make(chan struct{})

	h.logger.Infof("🩺 健康巡检已启动: interval=%v, threshold=%d, exempt=%d",
		h.interval, h.threshold, len(h.exempt))

	go h.run(ctx, h.stopChan, h.doneChan)
}

func (h *HealthMonitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-sweepCtx.Done():
		}
	}()

	h.Sweep(sweepCtx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep(sweepCtx)
		case <-sweepCtx.Done():
			return
		}
	}
}

// Stop 停止定期巡检并等待当前巡检退出
func (h *HealthMonitor) Stop() {
	h.lifecycleMu.Lock()
	stop, done := h.stopChan, h.doneChan
	h.stopChan, h.doneChan = nil, nil
	h.lifecycleMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	h.logger.Info("🛑 健康巡检已停止")
}
