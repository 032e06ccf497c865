package services

import (
	"context"

	"ramp-aggregator/provider-router/internal/adapters"
	"ramp-aggregator/provider-router/internal/metrics"
	"ramp-aggregator/provider-router/internal/types"

	"github.com/sirupsen/logrus"
)

// ProviderManager 供应商编排门面
// 组合注册表、健康监控、报价聚合和故障转移，对外提供统一入口
type ProviderManager struct {
	registry   *Registry
	health     *HealthMonitor
	aggregator *QuoteAggregator
	executor   *FailoverExecutor
	logger     *logrus.Logger
}

// NewProviderManager 创建供应商管理器
func NewProviderManager(cfg types.OrchestrationConfig, m *metrics.RouterMetrics, logger *logrus.Logger) *ProviderManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	registry := NewRegistry()
	health := NewHealthMonitor(registry, cfg, m, logger)
	aggregator := NewQuoteAggregator(registry, health, cfg.ProviderCallTimeout, m, logger)
	executor := NewFailoverExecutor(aggregator, health, cfg, m, logger)

	return &ProviderManager{
		registry:   registry,
		health:     health,
		aggregator: aggregator,
		executor:   executor,
		logger:     logger,
	}
}

// Health 健康监控器(用于注册监听者和恢复快照)
func (m *ProviderManager) Health() *HealthMonitor {
	return m.health
}

// Executor 故障转移执行器，配合ExecuteWithFailover使用自定义操作
func (m *ProviderManager) Executor() *FailoverExecutor {
	return m.executor
}

// ========================================
// 注册与查询
// ========================================

// RegisterProvider 注册供应商，注册顺序决定报价相同时的优先级
func (m *ProviderManager) RegisterProvider(provider adapters.Provider) {
	if replaced := m.registry.Register(provider); replaced {
		m.logger.Warnf("[%s] 供应商已存在，替换为新实例", provider.GetID())
		return
	}
	m.logger.Infof("✅ 注册供应商: %s (%s)", provider.GetID(), provider.GetName())
}

// GetProvider 按ID获取供应商
func (m *ProviderManager) GetProvider(id string) (adapters.Provider, bool) {
	return m.registry.Get(id)
}

// ListProviders 按注册顺序列出供应商
func (m *ProviderManager) ListProviders() []adapters.Provider {
	return m.registry.List()
}

// GetOnRampProviders 支持法币入金的供应商
func (m *ProviderManager) GetOnRampProviders(onlyHealthy bool) []adapters.Provider {
	return m.aggregator.Candidates(types.OperationOnRamp, onlyHealthy, nil)
}

// GetOffRampProviders 支持法币出金的供应商
func (m *ProviderManager) GetOffRampProviders(onlyHealthy bool) []adapters.Provider {
	return m.aggregator.Candidates(types.OperationOffRamp, onlyHealthy, nil)
}

// ========================================
// 报价与执行
// ========================================

// GetQuotesForDisplay 获取所有供应商报价用于并排展示
func (m *ProviderManager) GetQuotesForDisplay(ctx context.Context, req *types.QuoteRequest, hideUnhealthy bool) []DisplayQuote {
	return m.aggregator.GetAllQuotes(ctx, req, hideUnhealthy)
}

// SelectBestProvider 选择最优供应商
// 没有候选时返回false而不是错误，由调用方决定如何处理
func (m *ProviderManager) SelectBestProvider(ctx context.Context, req *types.QuoteRequest, onlyHealthy bool, exclude []string) (adapters.Provider, *types.Quote, bool) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	best, ok := m.aggregator.SelectBestProvider(ctx, req, onlyHealthy, excluded)
	if !ok {
		return nil, nil, false
	}
	return best.Provider, best.Quote, true
}

// ExecuteOperation 以故障转移方式执行供应商的Execute
func (m *ProviderManager) ExecuteOperation(ctx context.Context, req *types.ExecuteRequest, maxRetries int) (*FailoverResult[*types.OperationResult], error) {
	if !req.Kind.Valid() {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "不支持的操作类型: %s", req.Kind)
	}

	return ExecuteWithFailover(ctx, m.executor, req.QuoteRequest(), maxRetries,
		func(ctx context.Context, provider adapters.Provider) (*types.OperationResult, error) {
			result, err := provider.Execute(ctx, req.Kind, req)
			if err != nil {
				return nil, err
			}
			if result == nil {
				return nil, types.NewRouterError(types.ErrCodeProviderError, "供应商 %s 返回空执行结果", provider.GetID())
			}
			if result.ProviderID == "" {
				result.ProviderID = provider.GetID()
			}
			return result, nil
		})
}

// CreateSession 在指定供应商上创建托管会话
// 会话错误不计入健康状态: 降级路径已经吸收了可恢复的失败
func (m *ProviderManager) CreateSession(ctx context.Context, providerID string, req *types.SessionRequest) (*types.SessionResult, error) {
	provider, ok := m.registry.Get(providerID)
	if !ok {
		return nil, types.NewRouterError(types.ErrCodeProviderNotFound, "供应商不存在: %s", providerID)
	}

	issuer, ok := m.registry.SessionIssuer(providerID)
	if !ok || !provider.SupportsOperation(req.Kind) {
		routerErr := types.NewRouterError(types.ErrCodeUnsupportedOperation,
			"供应商 %s 不支持 %s 会话", providerID, req.Kind)
		routerErr.Provider = providerID
		return nil, routerErr
	}

	session, err := issuer.CreateSession(ctx, req)
	if err != nil {
		routerErr := types.NewRouterError(types.ErrCodeProviderError, "创建会话失败: %v", err)
		routerErr.Provider = providerID
		routerErr.Cause = err
		return nil, routerErr
	}
	return session, nil
}

// ========================================
// 状态与人工干预
// ========================================

// GetStatusSummary 供应商状态汇总
// 只统计已注册的供应商，没有健康记录的按健康计
func (m *ProviderManager) GetStatusSummary() *types.StatusSummary {
	providers := m.registry.List()
	summary := &types.StatusSummary{
		Total:     len(providers),
		Providers: make([]types.ProviderStatus, 0, len(providers)),
	}

	for _, provider := range providers {
		status := types.ProviderStatus{
			ID:        provider.GetID(),
			Name:      provider.GetName(),
			IsHealthy: true,
		}
		if rec, ok := m.health.Status(provider.GetID()); ok {
			checkedAt := rec.LastCheckedAt
			status.IsHealthy = rec.IsHealthy
			status.LastCheckedAt = &checkedAt
			status.ConsecutiveFailures = rec.ConsecutiveFailures
			status.LastError = rec.LastError
		}

		if status.IsHealthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
		summary.Providers = append(summary.Providers, status)
	}
	return summary
}

// MarkProviderUnhealthy 人工标记供应商不健康
func (m *ProviderManager) MarkProviderUnhealthy(id, reason string) error {
	if _, ok := m.registry.Get(id); !ok {
		return types.NewRouterError(types.ErrCodeProviderNotFound, "供应商不存在: %s", id)
	}
	m.health.MarkUnhealthy(id, reason)
	return nil
}

// MarkProviderHealthy 人工标记供应商健康
func (m *ProviderManager) MarkProviderHealthy(id string) error {
	if _, ok := m.registry.Get(id); !ok {
		return types.NewRouterError(types.ErrCodeProviderNotFound, "供应商不存在: %s", id)
	}
	m.health.MarkHealthy(id)
	return nil
}

// ========================================
// 生命周期
// ========================================

// Start 启动定期健康巡检
func (m *ProviderManager) Start(ctx context.Context) {
	m.health.Start(ctx)
}

// Stop 停止健康巡检
func (m *ProviderManager) Stop() {
	m.health.Stop()
}

// Sweep 立即执行一轮巡检
func (m *ProviderManager) Sweep(ctx context.Context) {
	m.health.Sweep(ctx)
}
