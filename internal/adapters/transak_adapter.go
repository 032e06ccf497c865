package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ramp-aggregator/provider-router/internal/metrics"
	"ramp-aggregator/provider-router/internal/types"
	"ramp-aggregator/provider-router/pkg/credential"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// TransakAdapter Transak法币通道适配器
// 报价与Off-ramp下单走REST接口，On-ramp通过托管组件会话完成
// 访问令牌由TokenCache管理，会话接口不稳定时降级为本地拼装的组件URL
type TransakAdapter struct {
	*BaseAdapter
	cfg           types.TransakConfig
	tokens        *credential.TokenCache
	metrics       *metrics.RouterMetrics
	fallbackCodes map[int]bool
	quoteTTL      time.Duration
	newID         func() string
	nowFunc       func() time.Time
}

// transakPrice 价格接口返回的金额字段
// 不同版本的接口把结果放在顶层或response字段中
type transakPrice struct {
	CryptoAmount json.Number `json:"cryptoAmount"`
	FiatAmount   json.Number `json:"fiatAmount"`
	Amount       json.Number `json:"amount"`
	TotalFee     json.Number `json:"totalFee"`
	Fee          json.Number `json:"fee"`
}

type transakPriceResponse struct {
	transakPrice
	Response *transakPrice `json:"response"`
}

type transakTokenResponse struct {
	Data struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   int64  `json:"expiresAt"` // unix秒
	} `json:"data"`
}

type transakSessionData struct {
	SessionID    string `json:"sessionId"`
	SessionIDAlt string `json:"session_id"`
	WidgetURL    string `json:"widgetUrl"`
}

type transakSessionResponse struct {
	transakSessionData
	Data *transakSessionData `json:"data"`
}

type transakOrderResponse struct {
	OrderID            string      `json:"orderId"`
	ID                 string      `json:"id"`
	FiatAmount         json.Number `json:"fiatAmount"`
	ExpectedFiatAmount json.Number `json:"expectedFiatAmount"`
}

// NewTransakAdapter 创建Transak适配器
func NewTransakAdapter(cfg types.TransakConfig, m *metrics.RouterMetrics, logger *logrus.Logger) (*TransakAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Transak API Key未配置")
	}

	idGenerator, err := nanoid.Standard(15)
	if err != nil {
		return nil, fmt.Errorf("初始化订单ID生成器失败: %w", err)
	}

	codes := make(map[int]bool, len(cfg.SessionFallbackCodes))
	for _, code := range cfg.SessionFallbackCodes {
		codes[code] = true
	}

	adapter := &TransakAdapter{
		BaseAdapter: NewBaseAdapter(types.ProviderTransak, "Transak",
			[]types.OperationKind{types.OperationOnRamp, types.OperationOffRamp}, cfg.Timeout, logger),
		cfg:           cfg,
		metrics:       m,
		fallbackCodes: codes,
		quoteTTL:      5 * time.Minute,
		newID:         idGenerator,
		nowFunc:       time.Now,
	}

	// 没有API Secret时无法调用令牌接口，只能使用API Key
	var endpoints []string
	if cfg.APISecret != "" {
		endpoints = cfg.TokenEndpoints
	}

	tokens, err := credential.NewTokenCache(credential.Options{
		Name:             types.ProviderTransak,
		Endpoints:        endpoints,
		Fetch:            adapter.fetchAccessToken,
		StaticCredential: cfg.APIKey,
		TTL:              cfg.TokenCacheTTL,
		FetchTimeout:     cfg.Timeout,
		Logger:           adapter.logger,
		Observer: func(source credential.Source, endpoint string, err error) {
			m.RecordTokenAcquisition(types.ProviderTransak, string(source), err)
		},
	})
	if err != nil {
		return nil, err
	}
	adapter.tokens = tokens

	return adapter, nil
}

// Tokens 访问令牌缓存
func (t *TransakAdapter) Tokens() *credential.TokenCache {
	return t.tokens
}

// ========================================
// 报价
// ========================================

// GetQuote 获取Transak报价
// On-ramp按法币金额询价，Off-ramp按数字货币金额询价
func (t *TransakAdapter) GetQuote(ctx context.Context, req *types.QuoteRequest) (*types.Quote, error) {
	if !t.SupportsOperation(req.Kind) {
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", t.id, req.Kind)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("[%s] 金额必须大于0", t.id)
	}

	params := url.Values{}
	params.Set("partnerApiKey", t.cfg.APIKey)
	if req.Kind == types.OperationOffRamp {
		params.Set("isBuyOrSell", "SELL")
		params.Set("cryptoCurrency", req.FromCurrency)
		params.Set("fiatCurrency", req.ToCurrency)
		params.Set("cryptoAmount", req.Amount.String())
	} else {
		params.Set("isBuyOrSell", "BUY")
		params.Set("fiatCurrency", req.FromCurrency)
		params.Set("cryptoCurrency", req.ToCurrency)
		params.Set("fiatAmount", req.Amount.String())
	}
	if network := req.Flags["network"]; network != "" {
		params.Set("network", network)
	}

	endpoint := fmt.Sprintf("%s/api/v2/currencies/price?%s", t.cfg.BaseURL, params.Encode())
	headers := map[string]string{"apiKey": t.cfg.APIKey}

	var resp transakPriceResponse
	if err := t.doJSON(ctx, http.MethodGet, endpoint, nil, headers, &resp); err != nil {
		return nil, fmt.Errorf("Transak报价失败: %w", err)
	}

	price := resp.transakPrice
	if resp.Response != nil {
		price = *resp.Response
	}

	var estimated decimal.Decimal
	var err error
	if req.Kind == types.OperationOffRamp {
		estimated, err = firstAmount(price.FiatAmount, price.Amount)
	} else {
		estimated, err = firstAmount(price.CryptoAmount, price.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("Transak报价金额解析失败: %w", err)
	}
	if !estimated.IsPositive() {
		return nil, fmt.Errorf("Transak未返回有效报价")
	}

	fee, err := firstAmount(price.TotalFee, price.Fee)
	if err != nil {
		return nil, fmt.Errorf("Transak手续费解析失败: %w", err)
	}

	return &types.Quote{
		ProviderID:      t.id,
		Rate:            estimated.Div(req.Amount),
		Fee:             fee,
		EstimatedAmount: estimated,
		ExpiresAt:       t.nowFunc().Add(t.quoteTTL),
	}, nil
}

// ========================================
// 执行
// ========================================

// Execute 执行On-ramp或Off-ramp
func (t *TransakAdapter) Execute(ctx context.Context, kind types.OperationKind, req *types.ExecuteRequest) (*types.OperationResult, error) {
	switch kind {
	case types.OperationOnRamp:
		return t.executeOnRamp(ctx, req)
	case types.OperationOffRamp:
		return t.executeOffRamp(ctx, req)
	default:
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", t.id, kind)
	}
}

// executeOnRamp On-ramp由用户在托管组件中完成，这里只创建会话并返回待处理订单
func (t *TransakAdapter) executeOnRamp(ctx context.Context, req *types.ExecuteRequest) (*types.OperationResult, error) {
	orderID := req.OrderID
	if orderID == "" {
		orderID = "transak_on_" + t.newID()
	}

	session, err := t.CreateSession(ctx, &types.SessionRequest{
		Kind:          types.OperationOnRamp,
		Amount:        req.Amount,
		FromCurrency:  req.FromCurrency,
		ToCurrency:    req.ToCurrency,
		Network:       req.Metadata["network"],
		WalletAddress: req.WalletAddress,
		Email:         req.Email,
		OrderID:       orderID,
		RedirectURL:   req.Metadata["redirect_url"],
	})
	if err != nil {
		return nil, err
	}

	return &types.OperationResult{
		ProviderID:    t.id,
		TransactionID: orderID,
		Status:        types.StatusPending,
		Amount:        decimal.Zero, // 实际到账金额由回调更新
		Currency:      req.ToCurrency,
		Payload:       session,
	}, nil
}

// executeOffRamp 创建Off-ramp订单: 数字货币 -> 银行账户
func (t *TransakAdapter) executeOffRamp(ctx context.Context, req *types.ExecuteRequest) (*types.OperationResult, error) {
	orderID := req.OrderID
	if orderID == "" {
		orderID = "transak_off_" + t.newID()
	}

	body := map[string]string{
		"apiKey":         t.cfg.APIKey,
		"cryptoCurrency": req.FromCurrency,
		"fiatCurrency":   req.ToCurrency,
		"cryptoAmount":   req.Amount.String(),
		"walletAddress":  req.WalletAddress,
		"bankAccount":    req.BankAccount,
		"partnerOrderId": orderID,
	}
	if t.cfg.WebhookURL != "" {
		body["webhookURL"] = t.cfg.WebhookURL
	}
	if req.Email != "" {
		body["email"] = req.Email
	}

	var resp transakOrderResponse
	if err := t.authorizedCall(ctx, http.MethodPost, t.cfg.BaseURL+"/api/v2/offramp/order", body, &resp); err != nil {
		return nil, fmt.Errorf("Transak Off-ramp下单失败: %w", err)
	}

	transactionID := resp.OrderID
	if transactionID == "" {
		transactionID = resp.ID
	}
	if transactionID == "" {
		transactionID = orderID
	}

	fiatAmount, err := firstAmount(resp.FiatAmount, resp.ExpectedFiatAmount)
	if err != nil {
		fiatAmount = decimal.Zero
	}

	t.logger.Infof("[%s] Off-ramp订单已创建: %s, 预计到账 %s %s", t.id, transactionID, fiatAmount, req.ToCurrency)

	return &types.OperationResult{
		ProviderID:    t.id,
		TransactionID: transactionID,
		Status:        types.StatusPending,
		Amount:        fiatAmount,
		Currency:      req.ToCurrency,
	}, nil
}

// authorizedCall 携带访问令牌调用接口，收到401时清除缓存令牌
func (t *TransakAdapter) authorizedCall(ctx context.Context, method, endpoint string, payload, target interface{}) error {
	token, err := t.tokens.GetToken(ctx, false)
	if err != nil {
		return fmt.Errorf("获取访问令牌失败: %w", err)
	}

	headers := map[string]string{
		"apiKey":       t.cfg.APIKey,
		"access-token": token,
	}
	err = t.doJSON(ctx, method, endpoint, payload, headers, target)
	if StatusCodeOf(err) == http.StatusUnauthorized {
		t.tokens.Invalidate()
	}
	return err
}

// ========================================
// 会话
// ========================================

// CreateSession 创建托管组件会话
// 会话接口返回指定状态码、网络错误或无法获取令牌时，降级为本地拼装的组件URL
func (t *TransakAdapter) CreateSession(ctx context.Context, req *types.SessionRequest) (*types.SessionResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("[%s] 金额必须大于0", t.id)
	}

	params := t.widgetParams(req)

	token, err := t.tokens.GetToken(ctx, false)
	if err != nil {
		return t.fallbackSession(params, "credential", err), nil
	}

	headers := map[string]string{"access-token": token}
	payload := map[string]interface{}{"widgetParams": params}

	var resp transakSessionResponse
	err = t.doJSON(ctx, http.MethodPost, t.cfg.SessionURL, payload, headers, &resp)
	if err != nil {
		code := StatusCodeOf(err)
		if code == http.StatusUnauthorized {
			t.tokens.Invalidate()
		}
		if t.shouldFallback(code) {
			reason := "transport"
			if code > 0 {
				reason = strconv.Itoa(code)
			}
			return t.fallbackSession(params, reason, err), nil
		}
		return nil, fmt.Errorf("Transak会话创建失败: %w", err)
	}

	data := resp.transakSessionData
	if resp.Data != nil {
		data = *resp.Data
	}
	sessionID := data.SessionID
	if sessionID == "" {
		sessionID = data.SessionIDAlt
	}
	if sessionID == "" && data.WidgetURL == "" {
		return t.fallbackSession(params, "empty_response", errors.New("会话接口未返回sessionId")), nil
	}

	widgetURL := data.WidgetURL
	if widgetURL == "" {
		query := url.Values{}
		query.Set("apiKey", t.cfg.APIKey)
		query.Set("sessionId", sessionID)
		widgetURL = t.cfg.WidgetURL + "?" + query.Encode()
	}

	t.logger.Infof("[%s] 会话创建成功: sessionId=%s", t.id, sessionID)

	return &types.SessionResult{
		ProviderID: t.id,
		SessionID:  sessionID,
		WidgetURL:  widgetURL,
	}, nil
}

// shouldFallback 网络错误(code=0)、5xx和配置的状态码触发降级
func (t *TransakAdapter) shouldFallback(code int) bool {
	return code == 0 || code >= 500 || t.fallbackCodes[code]
}

// widgetParams 会话锁定的组件参数
func (t *TransakAdapter) widgetParams(req *types.SessionRequest) map[string]string {
	params := map[string]string{
		"referrerDomain": t.cfg.ReferrerDomain,
	}

	if req.Kind == types.OperationOffRamp {
		params["productsAvailed"] = "SELL"
		params["cryptoCurrencyCode"] = req.FromCurrency
		params["fiatCurrency"] = req.ToCurrency
		params["cryptoAmount"] = req.Amount.String()
	} else {
		params["productsAvailed"] = "BUY"
		params["fiatCurrency"] = req.FromCurrency
		params["cryptoCurrencyCode"] = req.ToCurrency
		params["fiatAmount"] = req.Amount.String()
	}

	optional := map[string]string{
		"network":        req.Network,
		"walletAddress":  req.WalletAddress,
		"email":          req.Email,
		"partnerOrderId": req.OrderID,
		"redirectURL":    req.RedirectURL,
	}
	for key, value := range optional {
		if value != "" {
			params[key] = value
		}
	}
	return params
}

// fallbackSession 本地拼装组件URL
// 参数按键排序编码，相同输入得到相同URL
func (t *TransakAdapter) fallbackSession(params map[string]string, reason string, cause error) *types.SessionResult {
	t.logger.Warnf("[%s] 会话接口不可用(%s)，降级为本地组件URL: %v", t.id, reason, cause)
	t.metrics.RecordSessionFallback(t.id, reason)

	query := url.Values{}
	query.Set("apiKey", t.cfg.APIKey)
	for key, value := range params {
		query.Set(key, value)
	}

	return &types.SessionResult{
		ProviderID:     t.id,
		WidgetURL:      t.cfg.WidgetURL + "?" + query.Encode(),
		Degraded:       true,
		FallbackReason: reason,
	}
}

// fetchAccessToken 调用单个令牌端点
func (t *TransakAdapter) fetchAccessToken(ctx context.Context, endpoint string) (*credential.IssuedToken, error) {
	headers := map[string]string{"api-secret": t.cfg.APISecret}
	payload := map[string]string{"apiKey": t.cfg.APIKey}

	var resp transakTokenResponse
	if err := t.doJSON(ctx, http.MethodPost, endpoint, payload, headers, &resp); err != nil {
		return nil, err
	}

	issued := &credential.IssuedToken{Value: resp.Data.AccessToken}
	if resp.Data.ExpiresAt > 0 {
		issued.ExpiresAt = time.Unix(resp.Data.ExpiresAt, 0)
	}
	return issued, nil
}

// firstAmount 返回第一个非空金额
func firstAmount(values ...json.Number) (decimal.Decimal, error) {
	for _, v := range values {
		if v == "" {
			continue
		}
		return standardizeAmount(v)
	}
	return decimal.Zero, nil
}
