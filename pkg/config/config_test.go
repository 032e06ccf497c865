package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp-aggregator/provider-router/internal/types"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("PORT", "8080")

	cfg := FromEnv()
	require.NoError(t, validateConfig(cfg))

	orch := cfg.Orchestration
	assert.Equal(t, 60*time.Second, orch.HealthCheckInterval)
	assert.Equal(t, 3, orch.FailureThreshold)
	assert.Zero(t, orch.RecoveryCheckInterval)
	assert.Equal(t, 2, orch.MaxFailoverRetries)
	assert.Equal(t, 10*time.Second, orch.ProviderCallTimeout)
	assert.Equal(t, []string{types.ProviderMock}, orch.HealthCheckExempt)

	onRamp := orch.ProbeRequests[types.OperationOnRamp]
	require.NotNil(t, onRamp)
	assert.True(t, onRamp.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "USD", onRamp.FromCurrency)

	assert.True(t, cfg.Mock.Enabled)
	assert.True(t, cfg.Mock.Rates["USD/USDT"].Equal(decimal.NewFromInt(1)))

	assert.Equal(t, 23*time.Hour, cfg.Transak.TokenCacheTTL)
	assert.Equal(t, []int{401, 403, 429}, cfg.Transak.SessionFallbackCodes)
	assert.Equal(t, "https://global-stg.transak.com", cfg.Transak.WidgetURL)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, types.ProviderOneInch, cfg.Providers[0].ID)
	assert.False(t, cfg.Providers[0].IsActive)
}

func TestFromEnv_TransakProductionEndpoints(t *testing.T) {
	t.Setenv("TRANSAK_ENVIRONMENT", "production")

	cfg := FromEnv()
	assert.Equal(t, "PRODUCTION", cfg.Transak.Environment)
	assert.Equal(t, "https://api.transak.com", cfg.Transak.BaseURL)
	assert.Equal(t, []string{
		"https://api.transak.com/partners/api/v2/refresh-token",
		"https://api-gateway.transak.com/partners/api/v2/refresh-token",
	}, cfg.Transak.TokenEndpoints)
	assert.Equal(t, "https://global.transak.com", cfg.Transak.WidgetURL)
}

func TestFromEnv_RailProviders(t *testing.T) {
	t.Setenv("RAIL_PROVIDERS", "osl, e-pay")
	t.Setenv("OSL_API_URL", "https://osl.example")
	t.Setenv("OSL_OPERATIONS", "onramp")
	t.Setenv("OSL_FEE_RATIO", "0.015")
	t.Setenv("E_PAY_API_URL", "https://epay.example")
	t.Setenv("E_PAY_NAME", "EPAY")
	t.Setenv("E_PAY_ENABLED", "false")

	cfg := FromEnv()
	require.Len(t, cfg.Providers, 3)

	osl := cfg.Providers[0]
	assert.Equal(t, "osl", osl.ID)
	assert.Equal(t, types.ProviderTypeHTTPRail, osl.Type)
	assert.Equal(t, []types.OperationKind{types.OperationOnRamp}, osl.Operations)
	assert.True(t, osl.DefaultFeeRatio.Equal(decimal.RequireFromString("0.015")))
	assert.Equal(t, 1, osl.Priority)

	epay := cfg.Providers[1]
	assert.Equal(t, "e-pay", epay.ID)
	assert.Equal(t, "EPAY", epay.Name)
	assert.False(t, epay.IsActive)
	assert.Equal(t, []types.OperationKind{types.OperationOnRamp, types.OperationOffRamp}, epay.Operations)

	assert.Equal(t, types.ProviderOneInch, cfg.Providers[2].ID)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"缺少端口", map[string]string{}, "PORT"},
		{"阈值无效", map[string]string{"PORT": "8080", "FAILURE_THRESHOLD": "0"}, "FAILURE_THRESHOLD"},
		{"没有供应商", map[string]string{"PORT": "8080", "MOCK_ENABLED": "false"}, "至少需要一个"},
		{"Transak缺少Key", map[string]string{"PORT": "8080", "TRANSAK_ENABLED": "true"}, "TRANSAK_API_KEY"},
		{"通道缺少地址", map[string]string{"PORT": "8080", "RAIL_PROVIDERS": "osl"}, "OSL_API_URL"},
		{"未知操作", map[string]string{"PORT": "8080", "RAIL_PROVIDERS": "osl", "OSL_API_URL": "https://osl", "OSL_OPERATIONS": "bridge"}, "未知操作"},
		{"Kafka缺少broker", map[string]string{"PORT": "8080", "KAFKA_ENABLED": "true"}, "KAFKA_BROKERS"},
		{"生产环境缺少JWT", map[string]string{"PORT": "8080", "APP_ENV": "production"}, "ADMIN_JWT_SECRET"},
		{"有效配置", map[string]string{"PORT": "8080", "ONEINCH_ENABLED": "true"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			err := validateConfig(FromEnv())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvHelpersFallBackOnParseErrors(t *testing.T) {
	t.Setenv("BAD_INT", "abc")
	t.Setenv("BAD_DURATION", "soon")
	t.Setenv("CODES", "401, nope")
	t.Setenv("LIST", " a, ,b ")

	assert.Equal(t, 7, getEnvAsInt("BAD_INT", 7))
	assert.Equal(t, time.Second, getEnvAsDuration("BAD_DURATION", time.Second))
	assert.Equal(t, []int{500}, getEnvAsIntSlice("CODES", []int{500}))
	assert.Equal(t, []string{"a", "b"}, getEnvAsSlice("LIST", nil))
	assert.Equal(t, "ONEINCH", envPrefix("1inch"))
}

func TestMergeProvider(t *testing.T) {
	row := DatabaseProvider{
		Code:      "osl",
		Name:      "OSL Pay",
		APIURL:    "https://osl.example",
		APIKey:    "db-key",
		IsActive:  true,
		Priority:  2,
		TimeoutMS: 4000,
		FeeRatio:  "0.02",
		QuoteTTLS: 120,
	}
	ops := []types.OperationKind{types.OperationOnRamp}

	merged := mergeProvider(row, ops, EnvironmentConfig{APIKey: "env-key", Enabled: true})
	assert.Equal(t, "osl", merged.ID)
	assert.Equal(t, types.ProviderTypeHTTPRail, merged.Type)
	assert.Equal(t, "env-key", merged.APIKey)
	assert.Equal(t, 4*time.Second, merged.Timeout)
	assert.Equal(t, 2*time.Minute, merged.QuoteTTL)
	assert.True(t, merged.DefaultFeeRatio.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, merged.IsActive)

	disabled := mergeProvider(row, ops, EnvironmentConfig{TimeoutMS: 1500, Enabled: false})
	assert.Equal(t, "db-key", disabled.APIKey)
	assert.Equal(t, 1500*time.Millisecond, disabled.Timeout)
	assert.False(t, disabled.IsActive, "环境变量可以关闭数据库中启用的供应商")

	ops[0] = types.OperationSwap
	assert.Equal(t, types.OperationOnRamp, merged.Operations[0])
}
