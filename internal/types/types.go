// Package types 定义供应商编排服务中使用的所有数据类型
// 包含报价、执行、健康状态、配置和统一API响应格式
// 所有金额统一使用decimal.Decimal，避免浮点误差
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ========================================
// 核心业务类型定义
// ========================================

// OperationKind 操作类型
// 决定哪些供应商有资格参与报价和执行
type OperationKind string

const (
	OperationOnRamp  OperationKind = "onramp"  // 法币 -> 数字货币
	OperationOffRamp OperationKind = "offramp" // 数字货币 -> 法币
	OperationSwap    OperationKind = "swap"    // 链上兑换(DEX)
)

// Valid 检查操作类型是否受支持
func (k OperationKind) Valid() bool {
	switch k {
	case OperationOnRamp, OperationOffRamp, OperationSwap:
		return true
	}
	return false
}

// QuoteRequest 报价请求
// 编排层发给每个供应商的标准化报价参数
type QuoteRequest struct {
	RequestID    string            `json:"request_id"`      // 请求ID
	Kind         OperationKind     `json:"kind"`            // 操作类型
	Amount       decimal.Decimal   `json:"amount"`          // 输入金额
	FromCurrency string            `json:"from_currency"`   // 源币种(法币代码或代币地址)
	ToCurrency   string            `json:"to_currency"`     // 目标币种
	Flags        map[string]string `json:"flags,omitempty"` // 操作相关的附加参数(如网络、链ID)
}

// Quote 单个供应商的报价
// 每次聚合都重新生成，不做持久化，过期后必须重新请求
type Quote struct {
	ProviderID      string          `json:"provider_id"`      // 供应商ID
	Rate            decimal.Decimal `json:"rate"`             // 汇率
	Fee             decimal.Decimal `json:"fee"`              // 手续费
	EstimatedAmount decimal.Decimal `json:"estimated_amount"` // 预计到账金额(排序依据，已包含费率和手续费)
	ExpiresAt       time.Time       `json:"expires_at"`       // 报价过期时间
}

// Expired 报价是否已过期
func (q *Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// ExecuteRequest 执行请求
// 由调用方提供，在故障转移过程中原样传给每个候选供应商
type ExecuteRequest struct {
	RequestID     string            `json:"request_id"`
	Kind          OperationKind     `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	FromCurrency  string            `json:"from_currency"`
	ToCurrency    string            `json:"to_currency"`
	WalletAddress string            `json:"wallet_address,omitempty"` // 收款/出款钱包地址
	OrderID       string            `json:"order_id,omitempty"`       // 业务订单号
	Email         string            `json:"email,omitempty"`
	BankAccount   string            `json:"bank_account,omitempty"` // Off-ramp收款银行账户
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// QuoteRequest 从执行请求派生出用于选择供应商的报价请求
func (r *ExecuteRequest) QuoteRequest() *QuoteRequest {
	return &QuoteRequest{
		RequestID:    r.RequestID,
		Kind:         r.Kind,
		Amount:       r.Amount,
		FromCurrency: r.FromCurrency,
		ToCurrency:   r.ToCurrency,
		Flags:        r.Metadata,
	}
}

// OperationResult 执行结果
type OperationResult struct {
	ProviderID    string          `json:"provider_id"`
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"` // pending, completed
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Payload       interface{}     `json:"payload,omitempty"` // 供应商特有数据(如待签名交易)
}

// 执行状态
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// SessionRequest 供应商会话(托管组件)创建参数
type SessionRequest struct {
	Kind          OperationKind   `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	Network       string          `json:"network,omitempty"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Email         string          `json:"email,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
}

// SessionResult 会话创建结果
// Degraded为true时WidgetURL由本地拼装，部分参数无法在服务端锁定
type SessionResult struct {
	ProviderID     string `json:"provider_id"`
	SessionID      string `json:"session_id,omitempty"`
	WidgetURL      string `json:"widget_url"`
	Degraded       bool   `json:"degraded"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// ========================================
// 健康状态类型
// ========================================

// ProviderHealth 供应商健康记录
// 不变式: ConsecutiveFailures >= 阈值 时 IsHealthy 必为 false
type ProviderHealth struct {
	ProviderID          string    `json:"provider_id"`
	IsHealthy           bool      `json:"is_healthy"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// ProviderStatus 状态汇总中的单个供应商条目
type ProviderStatus struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	IsHealthy           bool       `json:"is_healthy"`
	LastCheckedAt       *time.Time `json:"last_checked_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// StatusSummary 供应商状态汇总(运维看板使用)
type StatusSummary struct {
	Total     int              `json:"total"`
	Healthy   int              `json:"healthy"`
	Unhealthy int              `json:"unhealthy"`
	Providers []ProviderStatus `json:"providers"`
}

// ========================================
// 错误类型定义
// ========================================

// RouterError 编排服务错误
type RouterError struct {
	Code      string                 `json:"code"`               // 错误代码
	Message   string                 `json:"message"`            // 错误消息
	Details   map[string]interface{} `json:"details,omitempty"`  // 错误详情
	Provider  string                 `json:"provider,omitempty"` // 相关供应商
	Timestamp time.Time              `json:"timestamp"`          // 错误时间
	Cause     error                  `json:"-"`                  // 底层错误
}

func (e *RouterError) Error() string {
	return e.Message
}

// Unwrap 暴露底层供应商错误，支持errors.Is/errors.As
func (e *RouterError) Unwrap() error {
	return e.Cause
}

// NewRouterError 创建带时间戳的编排错误
func NewRouterError(code, format string, args ...interface{}) *RouterError {
	return &RouterError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// 预定义错误代码
const (
	ErrCodeInvalidRequest        = "INVALID_REQUEST"        // 无效请求
	ErrCodeProviderTimeout       = "PROVIDER_TIMEOUT"       // 供应商超时
	ErrCodeProviderError         = "PROVIDER_ERROR"         // 供应商错误
	ErrCodeNoValidQuotes         = "NO_VALID_QUOTES"        // 无有效报价
	ErrCodeNoProvidersAvailable  = "NO_PROVIDERS_AVAILABLE" // 当前没有可用供应商
	ErrCodeProvidersExhausted    = "PROVIDERS_EXHAUSTED"    // 所有候选供应商均失败
	ErrCodeProviderNotFound      = "PROVIDER_NOT_FOUND"     // 供应商不存在
	ErrCodeUnauthorized          = "UNAUTHORIZED"           // 未授权
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"    // 频率限制
	ErrCodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE" // 无法获取任何可用凭证
	ErrCodeUnsupportedOperation  = "UNSUPPORTED_OPERATION"  // 供应商不支持该操作
	ErrCodeRequestCancelled      = "REQUEST_CANCELLED"      // 调用方取消或超时
	ErrCodeInternalError         = "INTERNAL_ERROR"         // 内部错误
)

// ========================================
// 配置类型
// ========================================

// Config 编排服务配置
type Config struct {
	Server        ServerConfig        `json:"server"`
	Orchestration OrchestrationConfig `json:"orchestration"`
	Providers     []ProviderConfig    `json:"providers"`
	Mock          MockConfig          `json:"mock"`
	Transak       TransakConfig       `json:"transak"`
	Redis         RedisConfig         `json:"redis"`
	Kafka         KafkaConfig         `json:"kafka"`
	Security      SecurityConfig      `json:"security"`
	Monitoring    MonitoringConfig    `json:"monitoring"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port        int    `json:"port"`
	Environment string `json:"environment"`
	LogLevel    string `json:"log_level"`
	Debug       bool   `json:"debug"`
}

// OrchestrationConfig 健康检查与故障转移配置
type OrchestrationConfig struct {
	HealthCheckInterval   time.Duration                   `json:"health_check_interval"`   // 定期巡检间隔
	FailureThreshold      int                             `json:"failure_threshold"`       // 连续失败阈值
	RecoveryCheckInterval time.Duration                   `json:"recovery_check_interval"` // 不健康供应商的重新探测冷却期，0表示每轮都探测
	MaxFailoverRetries    int                             `json:"max_failover_retries"`    // 故障转移最多尝试次数
	ProviderCallTimeout   time.Duration                   `json:"provider_call_timeout"`   // 单次报价/探测超时
	ExecuteTimeout        time.Duration                   `json:"execute_timeout"`         // 单次执行超时
	HealthCheckExempt     []string                        `json:"health_check_exempt"`     // 跳过定期探测的供应商
	ProbeRequests         map[OperationKind]*QuoteRequest `json:"probe_requests"`          // 各操作类型的代表性探测报价
}

// ProviderConfig 通用HTTP供应商配置
// 可以来自环境变量，也可以来自数据库
type ProviderConfig struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"` // http_rail, oneinch
	BaseURL         string          `json:"base_url"`
	APIKey          string          `json:"api_key"`
	Timeout         time.Duration   `json:"timeout"`
	Priority        int             `json:"priority"`
	IsActive        bool            `json:"is_active"`
	Operations      []OperationKind `json:"operations"`
	ChainID         uint            `json:"chain_id,omitempty"`
	QuoteTTL        time.Duration   `json:"quote_ttl"`
	DefaultFeeRatio decimal.Decimal `json:"default_fee_ratio"`
}

// Supports 配置中是否声明了该操作
func (c *ProviderConfig) Supports(kind OperationKind) bool {
	for _, op := range c.Operations {
		if op == kind {
			return true
		}
	}
	return false
}

// MockConfig 参考供应商配置
type MockConfig struct {
	Enabled  bool                       `json:"enabled"`
	FeeRatio decimal.Decimal            `json:"fee_ratio"` // 手续费比例
	Rates    map[string]decimal.Decimal `json:"rates"`     // 固定汇率，键为 FROM/TO
	QuoteTTL time.Duration              `json:"quote_ttl"`
}

// TransakConfig Transak供应商配置
type TransakConfig struct {
	Enabled              bool          `json:"enabled"`
	Environment          string        `json:"environment"` // STAGING, PRODUCTION
	APIKey               string        `json:"api_key"`
	APISecret            string        `json:"api_secret"`
	BaseURL              string        `json:"base_url"`
	TokenEndpoints       []string      `json:"token_endpoints"` // 按顺序尝试的令牌签发端点
	SessionURL           string        `json:"session_url"`
	WidgetURL            string        `json:"widget_url"`
	ReferrerDomain       string        `json:"referrer_domain"`
	WebhookURL           string        `json:"webhook_url"`
	TokenCacheTTL        time.Duration `json:"token_cache_ttl"`
	SessionFallbackCodes []int         `json:"session_fallback_codes"`
	Timeout              time.Duration `json:"timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled     bool          `json:"enabled"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	PoolSize    int           `json:"pool_size"`
	PrefixKey   string        `json:"prefix_key"`
	SnapshotTTL time.Duration `json:"snapshot_ttl"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled     bool     `json:"enabled"`
	Brokers     []string `json:"brokers"`
	HealthTopic string   `json:"health_topic"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	AdminJWTSecret string          `json:"-"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	MetricsEnabled  bool   `json:"metrics_enabled"`
	MetricsPath     string `json:"metrics_path"`
	HealthCheckPath string `json:"health_check_path"`
}

// ========================================
// HTTP响应类型
// ========================================

// APIResponse 统一API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      interface{} `json:"meta,omitempty"`
	Timestamp int64       `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

// APIError API错误信息
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ========================================
// 常量定义
// ========================================

// 内置供应商ID
const (
	ProviderMock    = "mock"    // 参考供应商(永远在线，用于测试)
	ProviderTransak = "transak" // Transak
	ProviderOneInch = "1inch"   // 1inch DEX
)

// 供应商类型
const (
	ProviderTypeHTTPRail = "http_rail"
	ProviderTypeOneInch  = "oneinch"
)

// 缓存键前缀
const (
	CacheKeyHealth = "health:" // 健康状态快照前缀
)

// 运行环境
const (
	EnvProduction = "production"
)

// 请求头
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderAuthorization = "Authorization"
)
