package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp-aggregator/provider-router/internal/types"
)

func quoteOf(p *fakeProvider, amount string) ProviderQuote {
	return ProviderQuote{
		Provider: p,
		Quote:    &types.Quote{ProviderID: p.id, EstimatedAmount: decimal.RequireFromString(amount)},
	}
}

func TestSelectBest(t *testing.T) {
	a, b, c := newFake("a", 0), newFake("b", 0), newFake("c", 0)

	tests := []struct {
		name   string
		quotes []ProviderQuote
		want   string
	}{
		{"最大到账金额胜出", []ProviderQuote{quoteOf(a, "98"), quoteOf(b, "100"), quoteOf(c, "99.5")}, "b"},
		{"金额相同保留先出现的", []ProviderQuote{quoteOf(a, "100"), quoteOf(b, "100")}, "a"},
		{"后出现的相同金额不替换", []ProviderQuote{quoteOf(c, "90"), quoteOf(b, "100.00"), quoteOf(a, "100")}, "b"},
		{"单个报价", []ProviderQuote{quoteOf(c, "1")}, "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best, ok := SelectBest(tt.quotes)
			require.True(t, ok)
			assert.Equal(t, tt.want, best.Provider.GetID())
		})
	}

	_, ok := SelectBest(nil)
	assert.False(t, ok)
}

func TestQuoteAggregator_OneFailingProvider(t *testing.T) {
	a, b, c := newFake("a", 98), newFake("b", 100), newFake("c", 99)
	b.setQuoteErr(errUpstream)
	manager := newTestManager(testOrchestration(), a, b, c)

	quotes := manager.GetQuotesForDisplay(context.Background(), onRampRequest(), false)

	require.Len(t, quotes, 2)
	assert.Equal(t, "a", quotes[0].ProviderID)
	assert.Equal(t, "c", quotes[1].ProviderID)

	status, ok := manager.Health().Status("b")
	require.True(t, ok)
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestQuoteAggregator_LiveSuccessDoesNotResetFailures(t *testing.T) {
	a := newFake("a", 100)
	manager := newTestManager(testOrchestration(), a)
	manager.Health().RecordFailure("a", errUpstream)

	quotes := manager.GetQuotesForDisplay(context.Background(), onRampRequest(), false)
	require.Len(t, quotes, 1)

	status, _ := manager.Health().Status("a")
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestQuoteAggregator_DisplayAnnotatesHealth(t *testing.T) {
	a, b := newFake("a", 98), newFake("b", 100)
	manager := newTestManager(testOrchestration(), a, b)
	require.NoError(t, manager.MarkProviderUnhealthy("b", "maintenance"))

	quotes := manager.GetQuotesForDisplay(context.Background(), onRampRequest(), false)
	require.Len(t, quotes, 2)
	assert.True(t, quotes[0].IsHealthy)
	assert.False(t, quotes[1].IsHealthy)
	assert.Equal(t, "Fake b", quotes[1].ProviderName)

	hidden := manager.GetQuotesForDisplay(context.Background(), onRampRequest(), true)
	require.Len(t, hidden, 1)
	assert.Equal(t, "a", hidden[0].ProviderID)
	assert.Equal(t, int32(1), b.quotes(), "隐藏不健康供应商时不再询价")
}

func TestQuoteAggregator_TimeoutCountsAsFailure(t *testing.T) {
	fast := newFake("fast", 100)
	slow := newFake("slow", 500)
	slow.quoteDelay = time.Second
	stuck := newFake("stuck", 700)
	stuck.ignoreCtx = make(chan struct{})
	t.Cleanup(func() { close(stuck.ignoreCtx) })

	cfg := testOrchestration()
	cfg.ProviderCallTimeout = 50 * time.Millisecond
	manager := newTestManager(cfg, fast, slow, stuck)

	start := time.Now()
	provider, quote, ok := manager.SelectBestProvider(context.Background(), onRampRequest(), true, nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "慢供应商不阻塞其他供应商")

	require.True(t, ok)
	assert.Equal(t, "fast", provider.GetID())
	assert.True(t, quote.EstimatedAmount.Equal(decimal.NewFromInt(100)))

	for _, id := range []string{"slow", "stuck"} {
		status, found := manager.Health().Status(id)
		require.True(t, found, id)
		assert.Equal(t, 1, status.ConsecutiveFailures, id)
	}
}

func TestQuoteAggregator_CallerCancellationIsNotProviderFailure(t *testing.T) {
	a, b := newFake("a", 100), newFake("b", 90)
	a.quoteDelay = 100 * time.Millisecond
	b.quoteDelay = 100 * time.Millisecond

	cfg := testOrchestration()
	cfg.ProviderCallTimeout = time.Second
	manager := newTestManager(cfg, a, b)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		quotes := manager.GetQuotesForDisplay(ctx, onRampRequest(), false)
		cancel()
		assert.Empty(t, quotes)
	}

	for _, id := range []string{"a", "b"} {
		status, _ := manager.Health().Status(id)
		assert.Zero(t, status.ConsecutiveFailures, id)
		assert.True(t, manager.Health().IsHealthy(id), id)
	}

	provider, _, ok := manager.SelectBestProvider(context.Background(), onRampRequest(), true, nil)
	require.True(t, ok)
	assert.Equal(t, "a", provider.GetID())
}

func TestQuoteAggregator_BestHealthyProvider(t *testing.T) {
	a, b, c := newFake("A", 98), newFake("B", 100), newFake("C", 150)
	manager := newTestManager(testOrchestration(), a, b, c)
	require.NoError(t, manager.MarkProviderUnhealthy("C", "down"))

	provider, quote, ok := manager.SelectBestProvider(context.Background(), onRampRequest(), true, nil)
	require.True(t, ok)
	assert.Equal(t, "B", provider.GetID())
	assert.True(t, quote.EstimatedAmount.Equal(decimal.NewFromInt(100)))
	assert.Zero(t, c.quotes())

	provider, _, ok = manager.SelectBestProvider(context.Background(), onRampRequest(), false, nil)
	require.True(t, ok)
	assert.Equal(t, "C", provider.GetID())

	provider, _, ok = manager.SelectBestProvider(context.Background(), onRampRequest(), true, []string{"B"})
	require.True(t, ok)
	assert.Equal(t, "A", provider.GetID())
}

func TestQuoteAggregator_NoProviders(t *testing.T) {
	manager := newTestManager(testOrchestration(), newFake("ramp", 100))

	req := onRampRequest()
	req.Kind = types.OperationSwap
	_, _, ok := manager.SelectBestProvider(context.Background(), req, true, nil)
	assert.False(t, ok)
	assert.Empty(t, manager.GetQuotesForDisplay(context.Background(), req, false))
}

func TestQuoteAggregator_CandidatesPreserveRegistrationOrder(t *testing.T) {
	manager := newTestManager(testOrchestration(),
		newFake("z", 1),
		newFake("dex", 1, types.OperationSwap),
		newFake("a", 1, types.OperationOnRamp),
		newFake("off", 1, types.OperationOffRamp),
	)

	var onRamp []string
	for _, p := range manager.GetOnRampProviders(false) {
		onRamp = append(onRamp, p.GetID())
	}
	assert.Equal(t, []string{"z", "a"}, onRamp)

	var offRamp []string
	for _, p := range manager.GetOffRampProviders(false) {
		offRamp = append(offRamp, p.GetID())
	}
	assert.Equal(t, []string{"z", "off"}, offRamp)
}
