// Package config 供应商编排服务配置管理
// 提供配置加载、验证、环境变量处理等功能
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Transak 默认端点
const (
	transakProductionAPI    = "https://api.transak.com"
	transakStagingAPI       = "https://api-stg.transak.com"
	transakGatewayAPI       = "https://api-gateway.transak.com"
	transakProductionWidget = "https://global.transak.com"
	transakStagingWidget    = "https://global-stg.transak.com"
	transakRefreshTokenPath = "/partners/api/v2/refresh-token"
	transakSessionPath      = "/auth/public/v2/session"
)

// 默认swap探测: BSC上 1 BNB -> USDT
const (
	nativeToken = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
	bscUSDT     = "0x55d398326f99059fF775485246999027B3197955"
)

// Load 加载编排服务配置
// 从.env文件和环境变量加载配置，设置默认值并验证
func Load() (*types.Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Info("未找到.env文件，使用环境变量配置")
	}

	config := FromEnv()
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return config, nil
}

// FromEnv 仅从环境变量构建配置，不做验证
func FromEnv() *types.Config {
	return &types.Config{
		Server: types.ServerConfig{
			Port:        getEnvAsInt("PORT", 0), // 必填
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			Debug:       getEnvAsBool("DEBUG", false),
		},
		Orchestration: loadOrchestration(),
		Providers:     loadProviderConfigs(),
		Mock:          loadMockConfig(),
		Transak:       loadTransakConfig(),
		Redis: types.RedisConfig{
			Enabled:     getEnvAsBool("REDIS_ENABLED", false),
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnvAsInt("REDIS_PORT", 6379),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 10),
			PrefixKey:   getEnv("REDIS_PREFIX", "provider_router:"),
			SnapshotTTL: getEnvAsDuration("HEALTH_SNAPSHOT_TTL", 24*time.Hour),
		},
		Kafka: types.KafkaConfig{
			Enabled:     getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:     getEnvAsSlice("KAFKA_BROKERS", nil),
			HealthTopic: getEnv("KAFKA_HEALTH_TOPIC", "provider.health"),
		},
		Security: types.SecurityConfig{
			AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			RateLimit: types.RateLimitConfig{
				Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
				RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
				Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
			},
		},
		Monitoring: types.MonitoringConfig{
			MetricsEnabled:  getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:     getEnv("METRICS_PATH", "/metrics"),
			HealthCheckPath: getEnv("HEALTH_CHECK_PATH", "/health"),
		},
	}
}

// loadOrchestration 健康检查与故障转移参数
func loadOrchestration() types.OrchestrationConfig {
	return types.OrchestrationConfig{
		HealthCheckInterval:   getEnvAsDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
		FailureThreshold:      getEnvAsInt("FAILURE_THRESHOLD", 3),
		RecoveryCheckInterval: getEnvAsDuration("RECOVERY_CHECK_INTERVAL", 0),
		MaxFailoverRetries:    getEnvAsInt("MAX_FAILOVER_RETRIES", 2),
		ProviderCallTimeout:   getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 10*time.Second),
		ExecuteTimeout:        getEnvAsDuration("PROVIDER_EXECUTE_TIMEOUT", 30*time.Second),
		HealthCheckExempt:     getEnvAsSlice("HEALTH_CHECK_EXEMPT", []string{types.ProviderMock}),
		ProbeRequests: map[types.OperationKind]*types.QuoteRequest{
			types.OperationOnRamp:  loadProbe("PROBE_ONRAMP", "100", "USD", "USDT"),
			types.OperationOffRamp: loadProbe("PROBE_OFFRAMP", "100", "USDT", "USD"),
			types.OperationSwap:    loadProbe("PROBE_SWAP", "1000000000000000000", nativeToken, bscUSDT),
		},
	}
}

// loadProbe 读取 {prefix}_AMOUNT/_FROM/_TO 构造探测报价
func loadProbe(prefix, amount, from, to string) *types.QuoteRequest {
	value := getEnvAsDecimal(prefix+"_AMOUNT", decimal.RequireFromString(amount))
	return &types.QuoteRequest{
		Amount:       value,
		FromCurrency: getEnv(prefix+"_FROM", from),
		ToCurrency:   getEnv(prefix+"_TO", to),
	}
}

// loadMockConfig 参考供应商配置
// MOCK_RATES 格式: USD/USDT=1,EUR/USDT=1.08
func loadMockConfig() types.MockConfig {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range getEnvAsSlice("MOCK_RATES", []string{"USD/USDT=1", "USDT/USD=1"}) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			logrus.Warnf("忽略无效的MOCK_RATES条目: %s", pair)
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			logrus.Warnf("忽略无效的MOCK_RATES汇率 %s: %v", pair, err)
			continue
		}
		rates[strings.ToUpper(strings.TrimSpace(parts[0]))] = rate
	}

	return types.MockConfig{
		Enabled:  getEnvAsBool("MOCK_ENABLED", true),
		FeeRatio: getEnvAsDecimal("MOCK_FEE_RATIO", decimal.RequireFromString("0.01")),
		Rates:    rates,
		QuoteTTL: getEnvAsDuration("MOCK_QUOTE_TTL", 5*time.Minute),
	}
}

// loadTransakConfig Transak配置，端点默认值按环境选择
func loadTransakConfig() types.TransakConfig {
	environment := strings.ToUpper(getEnv("TRANSAK_ENVIRONMENT", "STAGING"))

	baseURL, widgetURL := transakStagingAPI, transakStagingWidget
	defaultEndpoints := []string{transakStagingAPI + transakRefreshTokenPath}
	if environment == "PRODUCTION" {
		baseURL, widgetURL = transakProductionAPI, transakProductionWidget
		defaultEndpoints = []string{
			transakProductionAPI + transakRefreshTokenPath,
			transakGatewayAPI + transakRefreshTokenPath,
		}
	}
	baseURL = strings.TrimRight(getEnv("TRANSAK_BASE_URL", baseURL), "/")

	return types.TransakConfig{
		Enabled:              getEnvAsBool("TRANSAK_ENABLED", false),
		Environment:          environment,
		APIKey:               getEnv("TRANSAK_API_KEY", ""),
		APISecret:            getEnv("TRANSAK_API_SECRET", ""),
		BaseURL:              baseURL,
		TokenEndpoints:       getEnvAsSlice("TRANSAK_TOKEN_ENDPOINTS", defaultEndpoints),
		SessionURL:           getEnv("TRANSAK_SESSION_URL", transakProductionAPI+transakSessionPath),
		WidgetURL:            getEnv("TRANSAK_WIDGET_URL", widgetURL),
		ReferrerDomain:       getEnv("TRANSAK_REFERRER_DOMAIN", "localhost"),
		WebhookURL:           getEnv("TRANSAK_WEBHOOK_URL", ""),
		TokenCacheTTL:        getEnvAsDuration("TOKEN_CACHE_TTL", 23*time.Hour),
		SessionFallbackCodes: getEnvAsIntSlice("TRANSAK_SESSION_FALLBACK_CODES", []int{401, 403, 429}),
		Timeout:              getEnvAsDuration("TRANSAK_TIMEOUT", 10*time.Second),
	}
}

// loadProviderConfigs 加载通用HTTP通道和1inch配置
// RAIL_PROVIDERS 列出通道ID，每个通道读取 {ID}_API_URL/_API_KEY/_NAME/_OPERATIONS 等
func loadProviderConfigs() []types.ProviderConfig {
	var providers []types.ProviderConfig

	for i, id := range getEnvAsSlice("RAIL_PROVIDERS", nil) {
		id = strings.ToLower(id)
		prefix := envPrefix(id)
		providers = append(providers, types.ProviderConfig{
			ID:              id,
			Name:            getEnv(prefix+"_NAME", strings.ToUpper(id)),
			Type:            types.ProviderTypeHTTPRail,
			BaseURL:         getEnv(prefix+"_API_URL", ""),
			APIKey:          getEnv(prefix+"_API_KEY", ""),
			Timeout:         getEnvAsDuration(prefix+"_TIMEOUT", 10*time.Second),
			Priority:        getEnvAsInt(prefix+"_PRIORITY", i+1),
			IsActive:        getEnvAsBool(prefix+"_ENABLED", true),
			Operations:      parseOperations(getEnvAsSlice(prefix+"_OPERATIONS", []string{"onramp", "offramp"})),
			QuoteTTL:        getEnvAsDuration(prefix+"_QUOTE_TTL", 5*time.Minute),
			DefaultFeeRatio: getEnvAsDecimal(prefix+"_FEE_RATIO", decimal.Zero),
		})
	}

	providers = append(providers, types.ProviderConfig{
		ID:              types.ProviderOneInch,
		Name:            "1inch",
		Type:            types.ProviderTypeOneInch,
		BaseURL:         getEnv("ONEINCH_API_URL", "https://api.1inch.dev/swap/v5.2"),
		APIKey:          getEnv("ONEINCH_API_KEY", ""),
		Timeout:         getEnvAsDuration("ONEINCH_TIMEOUT", 5*time.Second),
		Priority:        len(providers) + 1,
		IsActive:        getEnvAsBool("ONEINCH_ENABLED", false),
		Operations:      []types.OperationKind{types.OperationSwap},
		ChainID:         uint(getEnvAsInt("ONEINCH_CHAIN_ID", 56)),
		QuoteTTL:        getEnvAsDuration("ONEINCH_QUOTE_TTL", 30*time.Second),
		DefaultFeeRatio: getEnvAsDecimal("ONEINCH_FEE_RATIO", decimal.Zero),
	})

	return providers
}

// envPrefix 供应商ID对应的环境变量前缀
func envPrefix(id string) string {
	if id == types.ProviderOneInch {
		return "ONEINCH"
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

func parseOperations(values []string) []types.OperationKind {
	operations := make([]types.OperationKind, 0, len(values))
	for _, value := range values {
		operations = append(operations, types.OperationKind(strings.ToLower(value)))
	}
	return operations
}

// validateConfig 验证配置的有效性
func validateConfig(cfg *types.Config) error {
	if cfg.Server.Port == 0 {
		return fmt.Errorf("PORT环境变量是必填项")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", cfg.Server.Port)
	}

	orch := cfg.Orchestration
	if orch.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD必须大于0")
	}
	if orch.MaxFailoverRetries < 1 {
		return fmt.Errorf("MAX_FAILOVER_RETRIES必须大于0")
	}
	if orch.HealthCheckInterval <= 0 || orch.ProviderCallTimeout <= 0 || orch.ExecuteTimeout <= 0 {
		return fmt.Errorf("健康检查间隔和供应商超时必须为正数")
	}
	if orch.RecoveryCheckInterval < 0 {
		return fmt.Errorf("RECOVERY_CHECK_INTERVAL不能为负数")
	}

	activeProviders := 0
	if cfg.Mock.Enabled {
		activeProviders++
	}
	if cfg.Transak.Enabled {
		if cfg.Transak.APIKey == "" {
			return fmt.Errorf("启用Transak时TRANSAK_API_KEY是必填项")
		}
		activeProviders++
	}
	for _, provider := range cfg.Providers {
		if !provider.IsActive {
			continue
		}
		if err := validateProvider(provider); err != nil {
			return err
		}
		activeProviders++
	}
	if activeProviders == 0 {
		return fmt.Errorf("至少需要一个启用的供应商")
	}

	if cfg.Redis.Enabled && (cfg.Redis.Host == "" || cfg.Redis.Port == 0) {
		return fmt.Errorf("启用Redis时REDIS_HOST和REDIS_PORT是必填项")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.HealthTopic == "") {
		return fmt.Errorf("启用Kafka时KAFKA_BROKERS和KAFKA_HEALTH_TOPIC是必填项")
	}
	if cfg.Server.Environment == types.EnvProduction && cfg.Security.AdminJWTSecret == "" {
		return fmt.Errorf("生产环境必须配置ADMIN_JWT_SECRET")
	}
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS必须大于0")
	}

	return nil
}

// validateProvider 单个HTTP供应商配置检查
func validateProvider(provider types.ProviderConfig) error {
	if provider.BaseURL == "" {
		return fmt.Errorf("供应商 %s 缺少API地址 (%s_API_URL)", provider.ID, envPrefix(provider.ID))
	}
	if len(provider.Operations) == 0 {
		return fmt.Errorf("供应商 %s 没有声明支持的操作", provider.ID)
	}
	for _, op := range provider.Operations {
		if !op.Valid() {
			return fmt.Errorf("供应商 %s 声明了未知操作: %s", provider.ID, op)
		}
	}
	if provider.Type == types.ProviderTypeOneInch && provider.ChainID == 0 {
		return fmt.Errorf("供应商 %s 缺少链ID", provider.ID)
	}
	return nil
}

// ========================================
// 环境变量辅助函数
// ========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		logrus.Warnf("无法解析环境变量 %s 为整数，使用默认值 %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		logrus.Warnf("无法解析环境变量 %s 为布尔值，使用默认值 %t", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("无法解析环境变量 %s 为时间间隔，使用默认值 %v", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		logrus.Warnf("无法解析环境变量 %s 为浮点数，使用默认值 %f", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if dec, err := decimal.NewFromString(value); err == nil {
			return dec
		}
		logrus.Warnf("无法解析环境变量 %s 为金额，使用默认值 %s", key, defaultValue)
	}
	return defaultValue
}

// getEnvAsSlice 逗号分隔列表，去除空白和空项
func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvAsIntSlice(key string, defaultValue []int) []int {
	items := getEnvAsSlice(key, nil)
	if items == nil {
		return defaultValue
	}

	values := make([]int, 0, len(items))
	for _, item := range items {
		intVal, err := strconv.Atoi(item)
		if err != nil {
			logrus.Warnf("无法解析环境变量 %s 的条目 %q 为整数，使用默认值 %v", key, item, defaultValue)
			return defaultValue
		}
		values = append(values, intVal)
	}
	return values
}

// LoadConfigWithDatabase 加载配置并用数据库中的供应商定义覆盖通用HTTP供应商
// 数据库控制启用状态，环境变量提供敏感信息；数据库不可用时使用环境变量配置
func LoadConfigWithDatabase() (*types.Config, error) {
	config, err := Load()
	if err != nil {
		return nil, fmt.Errorf("加载基础配置失败: %w", err)
	}

	if getEnv("DB_HOST", "") == "" {
		logrus.Info("未配置DB_HOST，使用环境变量供应商配置")
		return config, nil
	}

	dbURL := fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		getEnv("DB_USER", "admin"),
		getEnv("DB_PASSWORD", "password"),
		getEnv("DB_HOST", "localhost"),
		getEnvAsInt("DB_PORT", 5432),
		getEnv("DB_NAME", "ramp_aggregator"),
		getEnv("DB_SSL_MODE", "disable"),
	)

	configManager, err := NewProviderConfigManager(dbURL, logrus.StandardLogger())
	if err != nil {
		logrus.Warnf("创建供应商配置管理器失败: %v，使用环境变量配置", err)
		return config, nil
	}
	defer configManager.Close()

	providers, err := configManager.LoadActiveProviders()
	if err != nil {
		logrus.Warnf("从数据库加载供应商配置失败: %v，使用环境变量配置", err)
		return config, nil
	}

	for _, provider := range providers {
		if !provider.IsActive {
			continue
		}
		if err := validateProvider(provider); err != nil {
			logrus.Warnf("数据库供应商配置无效: %v，使用环境变量配置", err)
			return config, nil
		}
	}

	config.Providers = providers
	logrus.Infof("🎉 成功使用数据库供应商配置，共 %d 个活跃供应商", len(providers))
	return config, nil
}
