package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	"github.com/sirupsen/logrus"
)

// HTTPRailAdapter 通用JSON支付通道适配器
// 约定接口: GET {base}/quote 询价, POST {base}/orders 下单
// 供应商定义来自环境变量或数据库，不需要为每个通道编写代码
type HTTPRailAdapter struct {
	*BaseAdapter
	config   types.ProviderConfig
	quoteTTL time.Duration
	nowFunc  func() time.Time
}

type railQuoteResponse struct {
	Rate            json.Number `json:"rate"`
	Fee             json.Number `json:"fee"`
	EstimatedAmount json.Number `json:"estimated_amount"`
	ExpiresAt       *time.Time  `json:"expires_at"`
}

type railOrderRequest struct {
	RequestID     string            `json:"request_id,omitempty"`
	Kind          string            `json:"kind"`
	Amount        string            `json:"amount"`
	FromCurrency  string            `json:"from_currency"`
	ToCurrency    string            `json:"to_currency"`
	WalletAddress string            `json:"wallet_address,omitempty"`
	BankAccount   string            `json:"bank_account,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Email         string            `json:"email,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type railOrderResponse struct {
	TransactionID string      `json:"transaction_id"`
	Status        string      `json:"status"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	CheckoutURL   string      `json:"checkout_url,omitempty"`
}

// NewHTTPRailAdapter 创建通用通道适配器
func NewHTTPRailAdapter(config types.ProviderConfig, logger *logrus.Logger) (*HTTPRailAdapter, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("通道ID不能为空")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("[%s] 通道BaseURL不能为空", config.ID)
	}
	if len(config.Operations) == 0 {
		return nil, fmt.Errorf("[%s] 通道至少需要支持一种操作", config.ID)
	}

	name := config.Name
	if name == "" {
		name = config.ID
	}
	quoteTTL := config.QuoteTTL
	if quoteTTL <= 0 {
		quoteTTL = 5 * time.Minute
	}

	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPRailAdapter{
		BaseAdapter: NewBaseAdapter(config.ID, name, config.Operations, config.Timeout, logger),
		config:      config,
		quoteTTL:    quoteTTL,
		nowFunc:     time.Now,
	}, nil
}

// GetQuote 向通道询价
// 通道未返回手续费时按配置的默认费率估算
func (r *HTTPRailAdapter) GetQuote(ctx context.Context, req *types.QuoteRequest) (*types.Quote, error) {
	if !r.SupportsOperation(req.Kind) {
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", r.id, req.Kind)
	}

	params := url.Values{}
	params.Set("kind", string(req.Kind))
	params.Set("amount", req.Amount.String())
	params.Set("from", req.FromCurrency)
	params.Set("to", req.ToCurrency)
	for key, value := range req.Flags {
		params.Set(key, value)
	}

	var resp railQuoteResponse
	if err := r.doJSON(ctx, http.MethodGet, r.config.BaseURL+"/quote?"+params.Encode(), nil, r.headers(), &resp); err != nil {
		return nil, fmt.Errorf("[%s] 报价失败: %w", r.id, err)
	}

	estimated, err := firstAmount(resp.EstimatedAmount)
	if err != nil {
		return nil, fmt.Errorf("[%s] 预计金额解析失败: %w", r.id, err)
	}
	if !estimated.IsPositive() {
		return nil, fmt.Errorf("[%s] 未返回有效报价", r.id)
	}

	rate, err := firstAmount(resp.Rate)
	if err != nil {
		return nil, fmt.Errorf("[%s] 汇率解析失败: %w", r.id, err)
	}
	if rate.IsZero() && req.Amount.IsPositive() {
		rate = estimated.Div(req.Amount)
	}

	fee, err := firstAmount(resp.Fee)
	if err != nil {
		return nil, fmt.Errorf("[%s] 手续费解析失败: %w", r.id, err)
	}
	if resp.Fee == "" {
		fee = req.Amount.Mul(r.config.DefaultFeeRatio)
	}

	expiresAt := r.nowFunc().Add(r.quoteTTL)
	if resp.ExpiresAt != nil && !resp.ExpiresAt.IsZero() {
		expiresAt = *resp.ExpiresAt
	}

	return &types.Quote{
		ProviderID:      r.id,
		Rate:            rate,
		Fee:             fee,
		EstimatedAmount: estimated,
		ExpiresAt:       expiresAt,
	}, nil
}

// Execute 在通道下单
func (r *HTTPRailAdapter) Execute(ctx context.Context, kind types.OperationKind, req *types.ExecuteRequest) (*types.OperationResult, error) {
	if !r.SupportsOperation(kind) {
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", r.id, kind)
	}

	order := railOrderRequest{
		RequestID:     req.RequestID,
		Kind:          string(kind),
		Amount:        req.Amount.String(),
		FromCurrency:  req.FromCurrency,
		ToCurrency:    req.ToCurrency,
		WalletAddress: req.WalletAddress,
		BankAccount:   req.BankAccount,
		OrderID:       req.OrderID,
		Email:         req.Email,
		Metadata:      req.Metadata,
	}

	var resp railOrderResponse
	if err := r.doJSON(ctx, http.MethodPost, r.config.BaseURL+"/orders", order, r.headers(), &resp); err != nil {
		return nil, fmt.Errorf("[%s] 下单失败: %w", r.id, err)
	}
	if resp.TransactionID == "" {
		return nil, fmt.Errorf("[%s] 下单响应缺少transaction_id", r.id)
	}

	amount, err := firstAmount(resp.Amount)
	if err != nil {
		return nil, fmt.Errorf("[%s] 金额解析失败: %w", r.id, err)
	}

	status := resp.Status
	if status == "" {
		status = types.StatusPending
	}
	currency := resp.Currency
	if currency == "" {
		currency = req.ToCurrency
	}

	result := &types.OperationResult{
		ProviderID:    r.id,
		TransactionID: resp.TransactionID,
		Status:        status,
		Amount:        amount,
		Currency:      currency,
	}
	if resp.CheckoutURL != "" {
		result.Payload = map[string]string{"checkout_url": resp.CheckoutURL}
	}

	r.logger.Infof("[%s] 订单已创建: %s, status=%s", r.id, resp.TransactionID, status)
	return result, nil
}

func (r *HTTPRailAdapter) headers() map[string]string {
	if r.config.APIKey == "" {
		return nil
	}
	return map[string]string{"X-API-Key": r.config.APIKey}
}
