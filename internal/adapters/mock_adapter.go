package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MockAdapter 参考供应商
// 使用固定汇率和手续费比例给出确定性报价，不访问网络，默认不参与健康巡检
type MockAdapter struct {
	*BaseAdapter
	feeRatio decimal.Decimal
	rates    map[string]decimal.Decimal
	quoteTTL time.Duration
	newID    func() string
	nowFunc  func() time.Time
}

// NewMockAdapter 创建参考供应商
func NewMockAdapter(cfg types.MockConfig, logger *logrus.Logger) (*MockAdapter, error) {
	idGenerator, err := nanoid.Standard(15)
	if err != nil {
		return nil, fmt.Errorf("初始化交易ID生成器失败: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(cfg.Rates))
	for pair, rate := range cfg.Rates {
		rates[strings.ToUpper(pair)] = rate
	}

	quoteTTL := cfg.QuoteTTL
	if quoteTTL <= 0 {
		quoteTTL = 5 * time.Minute
	}

	return &MockAdapter{
		BaseAdapter: NewBaseAdapter(types.ProviderMock, "Mock Provider",
			[]types.OperationKind{types.OperationOnRamp, types.OperationOffRamp}, 0, logger),
		feeRatio: cfg.FeeRatio,
		rates:    rates,
		quoteTTL: quoteTTL,
		newID:    idGenerator,
		nowFunc:  time.Now,
	}, nil
}

// GetQuote 计算确定性报价
// 预计到账 = (金额 - 金额*手续费比例) * 汇率，未配置的币对汇率为1
func (m *MockAdapter) GetQuote(ctx context.Context, req *types.QuoteRequest) (*types.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.SupportsOperation(req.Kind) {
		return nil, fmt.Errorf("[%s] 不支持的操作: %s", m.id, req.Kind)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("[%s] 金额必须大于0", m.id)
	}

	rate := m.rateFor(req.FromCurrency, req.ToCurrency)
	fee := req.Amount.Mul(m.feeRatio).Round(8)
	estimated := req.Amount.Sub(fee).Mul(rate).Round(8)

	return &types.Quote{
		ProviderID:      m.id,
		Rate:            rate,
		Fee:             fee,
		EstimatedAmount: estimated,
		ExpiresAt:       m.nowFunc().Add(m.quoteTTL),
	}, nil
}

// Execute 立即完成的模拟执行
func (m *MockAdapter) Execute(ctx context.Context, kind types.OperationKind, req *types.ExecuteRequest) (*types.OperationResult, error) {
	quoteReq := req.QuoteRequest()
	quoteReq.Kind = kind

	quote, err := m.GetQuote(ctx, quoteReq)
	if err != nil {
		return nil, err
	}

	m.logger.Infof("[%s] 模拟执行: kind=%s, amount=%s %s -> %s %s",
		m.id, kind, req.Amount, req.FromCurrency, quote.EstimatedAmount, req.ToCurrency)

	return &types.OperationResult{
		ProviderID:    m.id,
		TransactionID: "mock_" + m.newID(),
		Status:        types.StatusCompleted,
		Amount:        quote.EstimatedAmount,
		Currency:      req.ToCurrency,
	}, nil
}

func (m *MockAdapter) rateFor(from, to string) decimal.Decimal {
	if rate, ok := m.rates[strings.ToUpper(from+"/"+to)]; ok {
		return rate
	}
	return decimal.NewFromInt(1)
}
