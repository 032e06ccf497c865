// Package metrics 编排服务的Prometheus指标
// 所有Record方法对nil接收者安全，未启用监控时可以直接传nil
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ramp-aggregator/provider-router/internal/types"
)

const namespace = "provider_router"

// RouterMetrics 编排层指标
type RouterMetrics struct {
	// 供应商调用
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// 健康状态
	ProviderHealthy             *prometheus.GaugeVec
	ProviderConsecutiveFailures *prometheus.GaugeVec
	HealthSweepsTotal           prometheus.Counter

	// 故障转移
	FailoverTotal    *prometheus.CounterVec
	FailoverAttempts *prometheus.HistogramVec

	// 凭证与会话
	TokenAcquisitionsTotal *prometheus.CounterVec
	SessionFallbackTotal   *prometheus.CounterVec
}

// NewRouterMetrics 在指定Registerer上注册所有指标
// 传nil时使用默认Registerer
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RouterMetrics{
		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "供应商调用次数(按操作和结果)",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "供应商调用耗时",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms, 100ms, 200ms...
			},
			[]string{"provider", "operation"},
		),
		ProviderHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_healthy",
				Help:      "供应商当前是否健康(1健康, 0不健康)",
			},
			[]string{"provider"},
		),
		ProviderConsecutiveFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_consecutive_failures",
				Help:      "供应商连续失败次数",
			},
			[]string{"provider"},
		),
		HealthSweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_sweeps_total",
				Help:      "健康巡检执行次数",
			},
		),
		FailoverTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_total",
				Help:      "故障转移执行结果",
			},
			[]string{"kind", "outcome"},
		),
		FailoverAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "failover_attempts",
				Help:      "单次故障转移尝试的供应商数量",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"kind"},
		),
		TokenAcquisitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_acquisitions_total",
				Help:      "令牌获取次数(按来源和结果)",
			},
			[]string{"provider", "source", "outcome"},
		),
		SessionFallbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_fallback_total",
				Help:      "会话创建降级为本地URL的次数",
			},
			[]string{"provider", "reason"},
		),
	}
}

// RecordProviderCall 记录一次供应商调用
func (m *RouterMetrics) RecordProviderCall(provider, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(provider, operation, outcomeOf(err)).Inc()
	m.ProviderCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordHealth 同步健康状态到仪表
func (m *RouterMetrics) RecordHealth(health types.ProviderHealth) {
	if m == nil {
		return
	}
	healthy := 0.0
	if health.IsHealthy {
		healthy = 1
	}
	m.ProviderHealthy.WithLabelValues(health.ProviderID).Set(healthy)
	m.ProviderConsecutiveFailures.WithLabelValues(health.ProviderID).Set(float64(health.ConsecutiveFailures))
}

// RecordSweep 记录一次巡检
func (m *RouterMetrics) RecordSweep() {
	if m == nil {
		return
	}
	m.HealthSweepsTotal.Inc()
}

// RecordFailover 记录一次故障转移结果
func (m *RouterMetrics) RecordFailover(kind types.OperationKind, attempts int, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	var routerErr *types.RouterError
	if errors.As(err, &routerErr) {
		outcome = routerErr.Code
	} else if err != nil {
		outcome = "error"
	}
	m.FailoverTotal.WithLabelValues(string(kind), outcome).Inc()
	m.FailoverAttempts.WithLabelValues(string(kind)).Observe(float64(attempts))
}

// RecordTokenAcquisition 记录令牌获取
func (m *RouterMetrics) RecordTokenAcquisition(provider, source string, err error) {
	if m == nil {
		return
	}
	m.TokenAcquisitionsTotal.WithLabelValues(provider, source, outcomeOf(err)).Inc()
}

// RecordSessionFallback 记录会话降级
func (m *RouterMetrics) RecordSessionFallback(provider, reason string) {
	if m == nil {
		return
	}
	m.SessionFallbackTotal.WithLabelValues(provider, reason).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
