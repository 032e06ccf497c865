package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ramp-aggregator/provider-router/internal/types"
)

// fakeProvider 可编排行为的供应商
type fakeProvider struct {
	id    string
	kinds []types.OperationKind

	mu         sync.Mutex
	estimated  decimal.Decimal
	quoteErr   error
	quoteDelay time.Duration
	ignoreCtx  chan struct{} // 非nil时报价阻塞直到通道关闭，忽略ctx
	executeErr error

	quoteCalls   int32
	executeCalls int32
}

func newFake(id string, estimated int64, kinds ...types.OperationKind) *fakeProvider {
	if len(kinds) == 0 {
		kinds = []types.OperationKind{types.OperationOnRamp, types.OperationOffRamp}
	}
	return &fakeProvider{id: id, kinds: kinds, estimated: decimal.NewFromInt(estimated)}
}

func (f *fakeProvider) GetID() string   { return f.id }
func (f *fakeProvider) GetName() string { return "Fake " + f.id }

func (f *fakeProvider) SupportsOperation(kind types.OperationKind) bool {
	for _, k := range f.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (f *fakeProvider) setQuoteErr(err error) {
	f.mu.Lock()
	f.quoteErr = err
	f.mu.Unlock()
}

func (f *fakeProvider) setExecuteErr(err error) {
	f.mu.Lock()
	f.executeErr = err
	f.mu.Unlock()
}

func (f *fakeProvider) GetQuote(ctx context.Context, req *types.QuoteRequest) (*types.Quote, error) {
	atomic.AddInt32(&f.quoteCalls, 1)

	f.mu.Lock()
	estimated, quoteErr, delay, block := f.estimated, f.quoteErr, f.quoteDelay, f.ignoreCtx
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if quoteErr != nil {
		return nil, quoteErr
	}
	return &types.Quote{
		ProviderID:      f.id,
		Rate:            decimal.NewFromInt(1),
		EstimatedAmount: estimated,
		ExpiresAt:       time.Now().Add(time.Minute),
	}, nil
}

func (f *fakeProvider) Execute(ctx context.Context, kind types.OperationKind, req *types.ExecuteRequest) (*types.OperationResult, error) {
	atomic.AddInt32(&f.executeCalls, 1)

	f.mu.Lock()
	executeErr := f.executeErr
	f.mu.Unlock()

	if executeErr != nil {
		return nil, executeErr
	}
	return &types.OperationResult{
		TransactionID: f.id + "-tx",
		Status:        types.StatusCompleted,
		Amount:        req.Amount,
		Currency:      req.ToCurrency,
	}, nil
}

func (f *fakeProvider) quotes() int32   { return atomic.LoadInt32(&f.quoteCalls) }
func (f *fakeProvider) executes() int32 { return atomic.LoadInt32(&f.executeCalls) }

// fakeSessionProvider 同时实现会话签发
type fakeSessionProvider struct {
	*fakeProvider
	sessionErr error
}

func (f *fakeSessionProvider) CreateSession(ctx context.Context, req *types.SessionRequest) (*types.SessionResult, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return &types.SessionResult{ProviderID: f.id, SessionID: "sess-" + f.id, WidgetURL: "https://widget.example/" + f.id}, nil
}

var errUpstream = errors.New("upstream unavailable")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOrchestration() types.OrchestrationConfig {
	probe := &types.QuoteRequest{Amount: decimal.NewFromInt(100), FromCurrency: "USD", ToCurrency: "USDT"}
	return types.OrchestrationConfig{
		HealthCheckInterval: time.Hour,
		FailureThreshold:    3,
		MaxFailoverRetries:  2,
		ProviderCallTimeout: 200 * time.Millisecond,
		ExecuteTimeout:      time.Second,
		HealthCheckExempt:   []string{types.ProviderMock},
		ProbeRequests: map[types.OperationKind]*types.QuoteRequest{
			types.OperationOnRamp:  probe,
			types.OperationOffRamp: probe,
		},
	}
}

func onRampRequest() *types.QuoteRequest {
	return &types.QuoteRequest{
		RequestID:    "req-1",
		Kind:         types.OperationOnRamp,
		Amount:       decimal.NewFromInt(100),
		FromCurrency: "USD",
		ToCurrency:   "USDT",
	}
}

func newTestManager(cfg types.OrchestrationConfig, providers ...*fakeProvider) *ProviderManager {
	manager := NewProviderManager(cfg, nil, quietLogger())
	for _, p := range providers {
		manager.RegisterProvider(p)
	}
	return manager
}
