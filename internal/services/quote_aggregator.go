package services

import (
	"context"
	"sync"
	"time"

	"ramp-aggregator/provider-router/internal/adapters"
	"ramp-aggregator/provider-router/internal/metrics"
	"ramp-aggregator/provider-router/internal/types"

	"github.com/sirupsen/logrus"
)

// ProviderQuote 供应商及其报价
type ProviderQuote struct {
	Provider adapters.Provider
	Quote    *types.Quote
}

// DisplayQuote 用于并排展示的报价，附带当前健康标志
type DisplayQuote struct {
	ProviderID   string       `json:"provider_id"`
	ProviderName string       `json:"provider_name"`
	Quote        *types.Quote `json:"quote"`
	IsHealthy    bool         `json:"is_healthy"`
}

// QuoteAggregator 并发报价聚合器
type QuoteAggregator struct {
	registry    *Registry
	health      *HealthMonitor
	callTimeout time.Duration
	metrics     *metrics.RouterMetrics
	logger      *logrus.Logger
}

// NewQuoteAggregator 创建报价聚合器
func NewQuoteAggregator(registry *Registry, health *HealthMonitor, callTimeout time.Duration, m *metrics.RouterMetrics, logger *logrus.Logger) *QuoteAggregator {
	if callTimeout <= 0 {
		callTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QuoteAggregator{
		registry:    registry,
		health:      health,
		callTimeout: callTimeout,
		metrics:     m,
		logger:      logger,
	}
}

// Candidates 按能力、健康状态和排除列表筛选供应商，保持注册顺序
func (a *QuoteAggregator) Candidates(kind types.OperationKind, onlyHealthy bool, exclude map[string]bool) []adapters.Provider {
	var candidates []adapters.Provider
	for _, provider := range a.registry.List() {
		id := provider.GetID()
		if !provider.SupportsOperation(kind) {
			continue
		}
		if exclude[id] {
			continue
		}
		if onlyHealthy && !a.health.IsHealthy(id) {
			continue
		}
		candidates = append(candidates, provider)
	}
	return candidates
}

// ========================================
// 并发聚合实现
// ========================================

// FetchAll 并发向所有候选供应商询价
// 等待全部返回后按候选顺序输出成功的报价；每个调用有独立超时，
// 失败(包括单次调用超时)记入健康状态，ctx本身结束导致的中止不计入。全部失败时返回空
func (a *QuoteAggregator) FetchAll(ctx context.Context, candidates []adapters.Provider, req *types.QuoteRequest) []ProviderQuote {
	if len(candidates) == 0 {
		return nil
	}

	results := make([]*types.Quote, len(candidates))
	var wg sync.WaitGroup

	a.logger.Debugf("[%s] 🚀 并发询价 %d 个供应商", req.RequestID, len(candidates))

	for i, provider := range candidates {
		wg.Add(1)
		go func(index int, p adapters.Provider) {
			defer wg.Done()
			results[index] = a.fetchOne(ctx, p, req)
		}(i, provider)
	}
	wg.Wait()

	quotes := make([]ProviderQuote, 0, len(candidates))
	for i, quote := range results {
		if quote != nil {
			quotes = append(quotes, ProviderQuote{Provider: candidates[i], Quote: quote})
		}
	}
	return quotes
}

// fetchOne 单个供应商询价，失败返回nil
func (a *QuoteAggregator) fetchOne(ctx context.Context, provider adapters.Provider, req *types.QuoteRequest) *types.Quote {
	id := provider.GetID()
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	start := time.Now()
	quote, err := a.callQuote(callCtx, provider, req)
	duration := time.Since(start)
	a.metrics.RecordProviderCall(id, "quote", duration, err)

	if err != nil {
		// 只有单次调用超时计入失败，调用方自身的取消不计入
		if ctx.Err() != nil {
			a.logger.Debugf("[%s] %s 报价因请求取消而中止: %v", req.RequestID, id, ctx.Err())
			return nil
		}
		a.logger.Warnf("[%s] ❌ %s 报价失败: %v, 耗时=%v", req.RequestID, id, err, duration)
		a.health.RecordFailure(id, err)
		return nil
	}

	a.logger.Debugf("[%s] ✅ %s: 预计到账=%s, 耗时=%v", req.RequestID, id, quote.EstimatedAmount, duration)
	return quote
}

// callQuote 调用供应商报价
// 供应商忽略ctx时，超时后直接返回超时错误，不等待其结束
func (a *QuoteAggregator) callQuote(ctx context.Context, provider adapters.Provider, req *types.QuoteRequest) (*types.Quote, error) {
	type outcome struct {
		quote *types.Quote
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		quote, err := provider.GetQuote(ctx, req)
		if err == nil && quote == nil {
			err = types.NewRouterError(types.ErrCodeProviderError, "供应商 %s 返回空报价", provider.GetID())
		}
		done <- outcome{quote: quote, err: err}
	}()

	select {
	case result := <-done:
		return result.quote, result.err
	case <-ctx.Done():
		routerErr := types.NewRouterError(types.ErrCodeProviderTimeout, "供应商 %s 报价超时", provider.GetID())
		routerErr.Provider = provider.GetID()
		routerErr.Cause = ctx.Err()
		return nil, routerErr
	}
}

// ========================================
// 最优选择算法
// ========================================

// SelectBest 选择预计到账金额最大的报价
// 使用严格大于比较，金额相同时保留先出现的报价
func SelectBest(quotes []ProviderQuote) (ProviderQuote, bool) {
	if len(quotes) == 0 {
		return ProviderQuote{}, false
	}

	best := quotes[0]
	for _, current := range quotes[1:] {
		if current.Quote.EstimatedAmount.GreaterThan(best.Quote.EstimatedAmount) {
			best = current
		}
	}
	return best, true
}

// SelectBestProvider 询价并返回最优供应商及其报价
// 没有候选或所有报价失败时返回false，由调用方决定是否视为错误
func (a *QuoteAggregator) SelectBestProvider(ctx context.Context, req *types.QuoteRequest, onlyHealthy bool, exclude map[string]bool) (ProviderQuote, bool) {
	candidates := a.Candidates(req.Kind, onlyHealthy, exclude)
	if len(candidates) == 0 {
		a.logger.Warnf("[%s] 没有可用的 %s 供应商 (onlyHealthy=%t, excluded=%d)",
			req.RequestID, req.Kind, onlyHealthy, len(exclude))
		return ProviderQuote{}, false
	}

	quotes := a.FetchAll(ctx, candidates, req)
	best, ok := SelectBest(quotes)
	if !ok {
		a.logger.Warnf("[%s] %d 个 %s 供应商均未返回有效报价", req.RequestID, len(candidates), req.Kind)
		return ProviderQuote{}, false
	}

	a.logger.Infof("[%s] 🏆 最优供应商: %s (rate=%s, estimated=%s)",
		req.RequestID, best.Provider.GetID(), best.Quote.Rate, best.Quote.EstimatedAmount)
	return best, true
}

// GetAllQuotes 获取所有供应商报价用于展示
// 默认包含不健康的供应商并标注健康标志，hideUnhealthy为true时在询价前过滤
func (a *QuoteAggregator) GetAllQuotes(ctx context.Context, req *types.QuoteRequest, hideUnhealthy bool) []DisplayQuote {
	candidates := a.Candidates(req.Kind, hideUnhealthy, nil)
	quotes := a.FetchAll(ctx, candidates, req)

	display := make([]DisplayQuote, 0, len(quotes))
	for _, pq := range quotes {
		display = append(display, DisplayQuote{
			ProviderID:   pq.Provider.GetID(),
			ProviderName: pq.Provider.GetName(),
			Quote:        pq.Quote,
			IsHealthy:    a.health.IsHealthy(pq.Provider.GetID()),
		})
	}
	return display
}
