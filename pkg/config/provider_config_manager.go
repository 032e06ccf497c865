package config

import (
	"fmt"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ProviderConfigManager 供应商配置管理器
// 数据库保存供应商基本信息和启用状态，敏感信息来自环境变量
type ProviderConfigManager struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// DatabaseProvider 数据库供应商模型
type DatabaseProvider struct {
	ID        uint   `gorm:"primaryKey"`
	Code      string `gorm:"column:code"` // 供应商ID，如 osl、epay
	Name      string `gorm:"column:name"`
	Type      string `gorm:"column:type"` // http_rail, oneinch
	APIURL    string `gorm:"column:api_url"`
	APIKey    string `gorm:"column:api_key"`   // 通常为空，从环境变量读取
	IsActive  bool   `gorm:"column:is_active"` // 控制供应商是否启用
	Priority  int    `gorm:"column:priority"`
	TimeoutMS int    `gorm:"column:timeout_ms"`
	ChainID   uint   `gorm:"column:chain_id"`
	FeeRatio  string `gorm:"column:fee_ratio"` // 十进制字符串，避免浮点误差
	QuoteTTLS int    `gorm:"column:quote_ttl_seconds"`
}

func (DatabaseProvider) TableName() string { return "ramp_providers" }

// DatabaseProviderOperation 供应商支持的操作
type DatabaseProviderOperation struct {
	ID         uint   `gorm:"primaryKey"`
	ProviderID uint   `gorm:"column:provider_id"`
	Operation  string `gorm:"column:operation"`
	IsActive   bool   `gorm:"column:is_active"`
}

func (DatabaseProviderOperation) TableName() string { return "provider_operations" }

// EnvironmentConfig 环境变量中的供应商覆盖项
type EnvironmentConfig struct {
	APIKey    string
	TimeoutMS int
	Enabled   bool
}

// NewProviderConfigManager 创建供应商配置管理器
func NewProviderConfigManager(dbURL string, log *logrus.Logger) (*ProviderConfigManager, error) {
	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	return &ProviderConfigManager{db: db, logger: log}, nil
}

// LoadActiveProviders 加载启用的供应商配置，按优先级排序
// 没有声明任何操作的供应商会被跳过
func (mgr *ProviderConfigManager) LoadActiveProviders() ([]types.ProviderConfig, error) {
	mgr.logger.Info("🔄 从数据库加载供应商配置...")

	var rows []DatabaseProvider
	if err := mgr.db.Where("is_active = ?", true).Order("priority ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询活跃供应商失败: %w", err)
	}

	mgr.logger.Infof("📋 数据库中找到 %d 个活跃供应商", len(rows))

	var providers []types.ProviderConfig
	for _, row := range rows {
		operations, err := mgr.loadOperations(row.ID)
		if err != nil {
			mgr.logger.Warnf("⚠️ 跳过供应商 %s: %v", row.Code, err)
			continue
		}
		if len(operations) == 0 {
			mgr.logger.Warnf("⚠️ 跳过供应商 %s: 没有配置支持的操作", row.Code)
			continue
		}

		provider := mergeProvider(row, operations, loadEnvironmentConfig(row.Code))
		providers = append(providers, provider)
		mgr.logger.Infof("✅ 供应商配置完成: %s", formatProviderSummary(provider))
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("没有找到可用的活跃供应商")
	}
	return providers, nil
}

// loadOperations 查询供应商启用的操作类型
func (mgr *ProviderConfigManager) loadOperations(providerID uint) ([]types.OperationKind, error) {
	var rows []DatabaseProviderOperation
	if err := mgr.db.Where("provider_id = ? AND is_active = ?", providerID, true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询供应商操作失败: %w", err)
	}

	operations := make([]types.OperationKind, 0, len(rows))
	for _, row := range rows {
		operations = append(operations, types.OperationKind(row.Operation))
	}
	return operations, nil
}

// loadEnvironmentConfig 从环境变量加载供应商覆盖项
func loadEnvironmentConfig(code string) EnvironmentConfig {
	prefix := envPrefix(code)
	return EnvironmentConfig{
		APIKey:    getEnv(prefix+"_API_KEY", ""),
		TimeoutMS: getEnvAsInt(prefix+"_TIMEOUT_MS", 0),
		Enabled:   getEnvAsBool(prefix+"_ENABLED", true),
	}
}

// mergeProvider 合并数据库记录和环境变量
// API Key和超时优先使用环境变量，启用状态需要两边同时开启
func mergeProvider(row DatabaseProvider, operations []types.OperationKind, env EnvironmentConfig) types.ProviderConfig {
	providerType := row.Type
	if providerType == "" {
		providerType = types.ProviderTypeHTTPRail
	}

	apiKey := row.APIKey
	if env.APIKey != "" {
		apiKey = env.APIKey
	}

	timeout := time.Duration(row.TimeoutMS) * time.Millisecond
	if env.TimeoutMS > 0 {
		timeout = time.Duration(env.TimeoutMS) * time.Millisecond
	}

	feeRatio := decimal.Zero
	if row.FeeRatio != "" {
		if parsed, err := decimal.NewFromString(row.FeeRatio); err == nil {
			feeRatio = parsed
		} else {
			logrus.Warnf("供应商 %s 的fee_ratio无效: %s", row.Code, row.FeeRatio)
		}
	}

	return types.ProviderConfig{
		ID:              row.Code,
		Name:            row.Name,
		Type:            providerType,
		BaseURL:         row.APIURL,
		APIKey:          apiKey,
		Timeout:         timeout,
		Priority:        row.Priority,
		IsActive:        row.IsActive && env.Enabled,
		Operations:      append([]types.OperationKind{}, operations...),
		ChainID:         row.ChainID,
		QuoteTTL:        time.Duration(row.QuoteTTLS) * time.Second,
		DefaultFeeRatio: feeRatio,
	}
}

// formatProviderSummary 格式化供应商配置摘要
func formatProviderSummary(provider types.ProviderConfig) string {
	apiKeyStatus := "未配置"
	if provider.APIKey != "" {
		apiKeyStatus = "已配置"
	}

	return fmt.Sprintf("%s(%s) | 类型: %s | URL: %s | API Key: %s | 操作: %v | 启用: %t",
		provider.Name, provider.ID, provider.Type, provider.BaseURL, apiKeyStatus,
		provider.Operations, provider.IsActive)
}

// Close 关闭数据库连接
func (mgr *ProviderConfigManager) Close() error {
	if sqlDB, err := mgr.db.DB(); err == nil {
		return sqlDB.Close()
	}
	return nil
}
