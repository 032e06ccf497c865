// Package adapters 供应商适配器接口定义
// 定义所有供应商必须实现的能力接口
package adapters

import (
	"context"

	"ramp-aggregator/provider-router/internal/types"
)

// Provider 供应商能力接口
// 编排层只通过该接口访问供应商，不对具体类型做判断
type Provider interface {
	// 基础信息
	GetID() string                                   // 供应商ID(注册表键)
	GetName() string                                 // 显示名称
	SupportsOperation(kind types.OperationKind) bool // 是否支持该操作

	// 核心功能
	// GetQuote 获取报价
	GetQuote(ctx context.Context, req *types.QuoteRequest) (*types.Quote, error)
	// Execute 执行操作，失败时由编排层决定是否转移到其他供应商
	Execute(ctx context.Context, kind types.OperationKind, req *types.ExecuteRequest) (*types.OperationResult, error)
}

// SessionIssuer 可签发托管会话的供应商(可选能力)
type SessionIssuer interface {
	CreateSession(ctx context.Context, req *types.SessionRequest) (*types.SessionResult, error)
}

// StatsReporter 暴露运行时请求统计的供应商(可选能力)
type StatsReporter interface {
	GetStats() AdapterStats
}
