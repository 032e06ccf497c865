package services

import (
	"context"
	"time"

	"ramp-aggregator/provider-router/internal/adapters"
	"ramp-aggregator/provider-router/internal/metrics"
	"ramp-aggregator/provider-router/internal/types"

	"github.com/sirupsen/logrus"
)

// DefaultMaxFailoverRetries 故障转移默认最多尝试的供应商数
const DefaultMaxFailoverRetries = 2

// DefaultExecuteTimeout 单次执行默认超时
const DefaultExecuteTimeout = 30 * time.Second

// Operation 在选定供应商上执行的调用方操作
type Operation[T any] func(ctx context.Context, provider adapters.Provider) (T, error)

// FailoverResult 故障转移执行结果
type FailoverResult[T any] struct {
	Result   T
	Provider adapters.Provider
	Attempts int
	Quote    *types.Quote // 选中该供应商时的报价
}

// FailoverExecutor 故障转移执行器
// 每次调用独立维护排除列表，跨调用只共享健康监控的累计计数
type FailoverExecutor struct {
	aggregator     *QuoteAggregator
	health         *HealthMonitor
	maxRetries     int
	executeTimeout time.Duration
	metrics        *metrics.RouterMetrics
	logger         *logrus.Logger
}

// NewFailoverExecutor 创建故障转移执行器
func NewFailoverExecutor(aggregator *QuoteAggregator, health *HealthMonitor, cfg types.OrchestrationConfig, m *metrics.RouterMetrics, logger *logrus.Logger) *FailoverExecutor {
	maxRetries := cfg.MaxFailoverRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxFailoverRetries
	}
	executeTimeout := cfg.ExecuteTimeout
	if executeTimeout <= 0 {
		executeTimeout = DefaultExecuteTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FailoverExecutor{
		aggregator:     aggregator,
		health:         health,
		maxRetries:     maxRetries,
		executeTimeout: executeTimeout,
		metrics:        m,
		logger:         logger,
	}
}

// MaxRetries 默认尝试次数
func (e *FailoverExecutor) MaxRetries() int {
	return e.maxRetries
}

// ========================================
// 故障转移主流程
// ========================================

// ExecuteWithFailover 在当前最优供应商上执行操作，失败后切换到次优供应商
// 流程: 选择 → 执行 → (成功 | 失败→排除→重新选择)
// maxRetries<=0时使用执行器的默认值。执行按顺序进行，同一时刻只会调用一个供应商
func ExecuteWithFailover[T any](ctx context.Context, e *FailoverExecutor, req *types.QuoteRequest, maxRetries int, op Operation[T]) (*FailoverResult[T], error) {
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}

	excluded := make(map[string]bool)
	var lastErr error
	var lastProvider string
	attempts := 0

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}

		selected, ok := e.aggregator.SelectBestProvider(ctx, req, true, excluded)
		if !ok {
			e.logger.Warnf("[%s] 第 %d 次选择没有可用供应商 (已排除 %d 个)", req.RequestID, attempt, len(excluded))
			break
		}

		provider := selected.Provider
		id := provider.GetID()
		attempts++

		e.logger.Infof("[%s] 🔄 第 %d/%d 次尝试: %s", req.RequestID, attempt, maxRetries, id)

		result, err := runOperation(ctx, e.executeTimeout, provider, op)
		if err == nil {
			e.health.RecordSuccess(id)
			e.metrics.RecordFailover(req.Kind, attempts, nil)
			e.logger.Infof("[%s] ✅ %s 执行成功 (尝试 %d 次)", req.RequestID, id, attempts)
			return &FailoverResult[T]{
				Result:   result,
				Provider: provider,
				Attempts: attempts,
				Quote:    selected.Quote,
			}, nil
		}

		lastErr = err
		lastProvider = id

		// 调用方自身取消时不排除供应商，也不记入健康状态
		if ctx.Err() != nil {
			e.logger.Warnf("[%s] %s 执行因请求取消而中止: %v", req.RequestID, id, err)
			break
		}

		e.logger.Warnf("[%s] ❌ %s 执行失败: %v", req.RequestID, id, err)
		e.health.RecordFailure(id, err)
		excluded[id] = true
	}

	if ctx.Err() != nil {
		cancelled := e.cancelledError(req, attempts, lastProvider, ctx.Err())
		e.metrics.RecordFailover(req.Kind, attempts, cancelled)
		return nil, cancelled
	}

	failure := e.failureError(req, attempts, lastProvider, lastErr)
	e.metrics.RecordFailover(req.Kind, attempts, failure)
	return nil, failure
}

// runOperation 带超时执行一次操作
// 操作在超时后仍返回成功时以结果为准，避免重复执行已生效的操作
func runOperation[T any](ctx context.Context, timeout time.Duration, provider adapters.Provider, op Operation[T]) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return op(opCtx, provider)
}

// failureError 生成终止错误
// 没有记录到任何执行错误时表示没有候选供应商，否则为耗尽并携带最后一个错误
func (e *FailoverExecutor) failureError(req *types.QuoteRequest, attempts int, lastProvider string, lastErr error) *types.RouterError {
	if lastErr == nil {
		routerErr := types.NewRouterError(types.ErrCodeNoProvidersAvailable,
			"当前没有可用的 %s 供应商", req.Kind)
		routerErr.Details = map[string]interface{}{"kind": req.Kind}
		return routerErr
	}

	routerErr := types.NewRouterError(types.ErrCodeProvidersExhausted,
		"尝试 %d 个供应商后执行失败: %v", attempts, lastErr)
	routerErr.Provider = lastProvider
	routerErr.Cause = lastErr
	routerErr.Details = map[string]interface{}{
		"kind":          req.Kind,
		"attempts":      attempts,
		"last_provider": lastProvider,
		"last_error":    lastErr.Error(),
	}
	e.logger.Errorf("[%s] 💥 故障转移耗尽: %v", req.RequestID, routerErr)
	return routerErr
}

// cancelledError 调用方取消或超时导致的终止错误，不表示供应商已耗尽
func (e *FailoverExecutor) cancelledError(req *types.QuoteRequest, attempts int, lastProvider string, cause error) *types.RouterError {
	routerErr := types.NewRouterError(types.ErrCodeRequestCancelled,
		"请求在尝试 %d 个供应商后被取消: %v", attempts, cause)
	routerErr.Provider = lastProvider
	routerErr.Cause = cause
	routerErr.Details = map[string]interface{}{
		"kind":     req.Kind,
		"attempts": attempts,
	}
	e.logger.Warnf("[%s] 🛑 故障转移被取消: %v", req.RequestID, routerErr)
	return routerErr
}
