// Package adapters 1inch DEX适配器实现
// 链上兑换(swap)通道，报价走 /{chainId}/quote，执行时通过 /{chainId}/swap 构造待签名交易
package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// defaultSlippage 执行时未指定滑点使用的百分比
const defaultSlippage = "1"

// OneInchAdapter 1inch聚合器适配器
type OneInchAdapter struct {
	*BaseAdapter
	config   types.ProviderConfig
	quoteTTL time.Duration
	newID    func() string
	nowFunc  func() time.Time
}

// ========================================
// 1inch API响应结构定义
// ========================================

// OneInchQuoteResponse 1inch报价API响应
type OneInchQuoteResponse struct {
	ToTokenAmount   string `json:"toTokenAmount"`   // 输出数量（最小单位字符串）
	FromTokenAmount string `json:"fromTokenAmount"` // 输入数量
	EstimatedGas    int64  `json:"estimatedGas"`    // Gas估算
}

// OneInchSwapResponse 1inch兑换API响应
type OneInchSwapResponse struct {
	ToTokenAmount string        `json:"toTokenAmount"`
	Tx            OneInchSwapTx `json:"tx"`
}

// OneInchSwapTx 待用户签名的交易
type OneInchSwapTx struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	Gas      int64  `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

// NewOneInchAdapter 创建1inch适配器实例
func NewOneInchAdapter(config types.ProviderConfig, logger *logrus.Logger) (*OneInchAdapter, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("1inch BaseURL未配置")
	}
	if config.ChainID == 0 {
		return nil, fmt.Errorf("1inch链ID未配置")
	}
	if config.ID == "" {
		config.ID = types.ProviderOneInch
	}
	if config.Name == "" {
		config.Name = "1inch"
	}

	idGenerator, err := nanoid.Standard(15)
	if err != nil {
		return nil, fmt.Errorf("初始化交易ID生成器失败: %w", err)
	}

	quoteTTL := config.QuoteTTL
	if quoteTTL <= 0 {
		quoteTTL = 30 * time.Second // 链上价格变化快
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &OneInchAdapter{
		BaseAdapter: NewBaseAdapter(config.ID, config.Name,
			[]types.OperationKind{types.OperationSwap}, config.Timeout, logger),
		config:   config,
		quoteTTL: quoteTTL,
		newID:    idGenerator,
		nowFunc:  time.Now,
	}, nil
}

// ========================================
// 核心接口实现
// ========================================

// GetQuote 获取1inch报价
// 金额为代币最小单位，预计到账即toTokenAmount
func (a *OneInchAdapter) GetQuote(ctx context.Context, req *types.QuoteRequest) (*types.Quote, error) {
	if !a.SupportsOperation(req.Kind) {
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", a.id, req.Kind)
	}

	params := a.baseParams(req.FromCurrency, req.ToCurrency, req.Amount)
	apiURL := fmt.Sprintf("%s/%d/quote?%s", a.config.BaseURL, a.config.ChainID, params.Encode())

	var resp OneInchQuoteResponse
	if err := a.doJSON(ctx, http.MethodGet, apiURL, nil, a.headers(), &resp); err != nil {
		return nil, fmt.Errorf("1inch报价失败: %w", err)
	}

	amountOut, err := standardizeAmount(resp.ToTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("解析输出数量失败: %w", err)
	}
	if !amountOut.IsPositive() {
		return nil, fmt.Errorf("1inch未返回有效报价")
	}

	a.logger.Debugf("[%s] 报价获取成功: amountOut=%s, gas=%d", a.id, amountOut, resp.EstimatedGas)

	return &types.Quote{
		ProviderID:      a.id,
		Rate:            amountOut.Div(req.Amount),
		Fee:             req.Amount.Mul(a.config.DefaultFeeRatio),
		EstimatedAmount: amountOut,
		ExpiresAt:       a.nowFunc().Add(a.quoteTTL),
	}, nil
}

// Execute 构造兑换交易
// 1inch不托管资金，返回待用户钱包签名的交易，状态为pending
func (a *OneInchAdapter) Execute(ctx context.Context, kind types.OperationKind, req *types.ExecuteRequest) (*types.OperationResult, error) {
	if !a.SupportsOperation(kind) {
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", a.id, kind)
	}
	if req.WalletAddress == "" {
		return nil, fmt.Errorf("[%s] 兑换需要钱包地址", a.id)
	}

	params := a.baseParams(req.FromCurrency, req.ToCurrency, req.Amount)
	params.Set("fromAddress", req.WalletAddress)
	slippage := req.Metadata["slippage"]
	if slippage == "" {
		slippage = defaultSlippage
	}
	params.Set("slippage", slippage)

	apiURL := fmt.Sprintf("%s/%d/swap?%s", a.config.BaseURL, a.config.ChainID, params.Encode())

	var resp OneInchSwapResponse
	if err := a.doJSON(ctx, http.MethodGet, apiURL, nil, a.headers(), &resp); err != nil {
		return nil, fmt.Errorf("1inch兑换失败: %w", err)
	}
	if resp.Tx.Data == "" {
		return nil, fmt.Errorf("1inch未返回交易数据")
	}

	amountOut, err := standardizeAmount(resp.ToTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("解析输出数量失败: %w", err)
	}

	transactionID := req.OrderID
	if transactionID == "" {
		transactionID = "1inch_" + a.newID()
	}

	return &types.OperationResult{
		ProviderID:    a.id,
		TransactionID: transactionID,
		Status:        types.StatusPending,
		Amount:        amountOut,
		Currency:      req.ToCurrency,
		Payload:       resp.Tx,
	}, nil
}

// ========================================
// 辅助方法
// ========================================

func (a *OneInchAdapter) baseParams(from, to string, amount decimal.Decimal) url.Values {
	params := url.Values{}
	params.Set("fromTokenAddress", from)
	params.Set("toTokenAddress", to)
	params.Set("amount", amount.String())
	return params
}

func (a *OneInchAdapter) headers() map[string]string {
	if a.config.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.config.APIKey}
}
