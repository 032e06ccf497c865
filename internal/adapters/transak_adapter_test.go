package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp-aggregator/provider-router/internal/types"
)

// transakFake 模拟Transak接口: 主令牌端点故障，镜像端点可用
type transakFake struct {
	server        *httptest.Server
	tokenCalls    int32
	sessionCalls  int32
	sessionStatus int32
	lastToken     atomic.Value
}

func newTransakFake(t *testing.T) *transakFake {
	t.Helper()
	fake := &transakFake{sessionStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/token/primary", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fake.tokenCalls, 1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
	})
	mux.HandleFunc("/token/mirror", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fake.tokenCalls, 1)
		assert.Equal(t, "secret", r.Header.Get("api-secret"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"accessToken": "access-1",
				"expiresAt":   time.Now().Add(24 * time.Hour).Unix(),
			},
		})
	})
	mux.HandleFunc("/api/v2/currencies/price", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("apiKey"))
		if r.URL.Query().Get("isBuyOrSell") == "SELL" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"fiatAmount": "97.5", "fee": "1.5"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"response": map[string]interface{}{"cryptoAmount": 0.0016, "totalFee": 2.5},
		})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fake.sessionCalls, 1)
		fake.lastToken.Store(r.Header.Get("access-token"))

		status := int(atomic.LoadInt32(&fake.sessionStatus))
		if status != http.StatusOK {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}

		var body struct {
			WidgetParams map[string]string `json:"widgetParams"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "example.com", body.WidgetParams["referrerDomain"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]string{"sessionId": "sess-1"},
		})
	})
	mux.HandleFunc("/api/v2/offramp/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access-token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"orderId": "tr-off-1", "expectedFiatAmount": "97.5"})
	})

	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *transakFake) config() types.TransakConfig {
	return types.TransakConfig{
		APIKey:               "key",
		APISecret:            "secret",
		BaseURL:              f.server.URL,
		TokenEndpoints:       []string{f.server.URL + "/token/primary", f.server.URL + "/token/mirror"},
		SessionURL:           f.server.URL + "/session",
		WidgetURL:            "https://global-stg.transak.com",
		ReferrerDomain:       "example.com",
		SessionFallbackCodes: []int{401, 403, 429},
		Timeout:              2 * time.Second,
	}
}

func newTransak(t *testing.T, cfg types.TransakConfig) *TransakAdapter {
	t.Helper()
	adapter, err := NewTransakAdapter(cfg, nil, testLogger())
	require.NoError(t, err)
	return adapter
}

func sessionRequest() *types.SessionRequest {
	return &types.SessionRequest{
		Kind:          types.OperationOnRamp,
		Amount:        decimal.NewFromInt(100),
		FromCurrency:  "USD",
		ToCurrency:    "BNB",
		WalletAddress: "0xabc",
	}
}

func TestTransakAdapter_OnRampQuote(t *testing.T) {
	fake := newTransakFake(t)
	adapter := newTransak(t, fake.config())

	quote, err := adapter.GetQuote(context.Background(), &types.QuoteRequest{
		Kind:         types.OperationOnRamp,
		Amount:       decimal.NewFromInt(100),
		FromCurrency: "USD",
		ToCurrency:   "BNB",
	})
	require.NoError(t, err)

	assert.Equal(t, types.ProviderTransak, quote.ProviderID)
	assert.True(t, quote.EstimatedAmount.Equal(decimal.RequireFromString("0.0016")))
	assert.True(t, quote.Fee.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, quote.Rate.Equal(decimal.RequireFromString("0.000016")))
}

func TestTransakAdapter_OffRampQuoteUsesFiatAmount(t *testing.T) {
	fake := newTransakFake(t)
	adapter := newTransak(t, fake.config())

	quote, err := adapter.GetQuote(context.Background(), &types.QuoteRequest{
		Kind:         types.OperationOffRamp,
		Amount:       decimal.NewFromInt(100),
		FromCurrency: "USDT",
		ToCurrency:   "USD",
	})
	require.NoError(t, err)
	assert.True(t, quote.EstimatedAmount.Equal(decimal.RequireFromString("97.5")))
}

func TestTransakAdapter_CreateSessionWithMirrorToken(t *testing.T) {
	fake := newTransakFake(t)
	adapter := newTransak(t, fake.config())

	session, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)

	assert.False(t, session.Degraded)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.Equal(t, "https://global-stg.transak.com?apiKey=key&sessionId=sess-1", session.WidgetURL)
	assert.Equal(t, "access-1", fake.lastToken.Load())

	// 第二次调用复用缓存的令牌
	_, err = adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.tokenCalls))
}

func TestTransakAdapter_SessionFallbackIsDeterministic(t *testing.T) {
	fake := newTransakFake(t)
	atomic.StoreInt32(&fake.sessionStatus, http.StatusTooManyRequests)
	adapter := newTransak(t, fake.config())

	first, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	second, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)

	expected := "https://global-stg.transak.com?apiKey=key&cryptoCurrencyCode=BNB&fiatAmount=100" +
		"&fiatCurrency=USD&productsAvailed=BUY&referrerDomain=example.com&walletAddress=0xabc"

	assert.True(t, first.Degraded)
	assert.Equal(t, "429", first.FallbackReason)
	assert.Empty(t, first.SessionID)
	assert.Equal(t, expected, first.WidgetURL)
	assert.Equal(t, first.WidgetURL, second.WidgetURL)
}

func TestTransakAdapter_SessionFallbackOnServerError(t *testing.T) {
	fake := newTransakFake(t)
	atomic.StoreInt32(&fake.sessionStatus, http.StatusBadGateway)
	adapter := newTransak(t, fake.config())

	session, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	assert.True(t, session.Degraded)
	assert.Equal(t, "502", session.FallbackReason)
}

func TestTransakAdapter_UnauthorizedSessionInvalidatesToken(t *testing.T) {
	fake := newTransakFake(t)
	atomic.StoreInt32(&fake.sessionStatus, http.StatusUnauthorized)
	adapter := newTransak(t, fake.config())

	session, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	assert.True(t, session.Degraded)
	assert.True(t, adapter.Tokens().ExpiresAt().IsZero())

	atomic.StoreInt32(&fake.sessionStatus, http.StatusOK)
	session, err = adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	assert.False(t, session.Degraded)

	// 两次会话各自重新获取令牌(每次都先尝试主端点)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fake.tokenCalls))
}

func TestTransakAdapter_SessionClientErrorIsSurfaced(t *testing.T) {
	fake := newTransakFake(t)
	atomic.StoreInt32(&fake.sessionStatus, http.StatusBadRequest)
	adapter := newTransak(t, fake.config())

	_, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCodeOf(err))
}

func TestTransakAdapter_StaticKeyWhenNoSecret(t *testing.T) {
	fake := newTransakFake(t)
	cfg := fake.config()
	cfg.APISecret = ""
	adapter := newTransak(t, cfg)

	session, err := adapter.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)

	assert.False(t, session.Degraded)
	assert.Equal(t, "key", fake.lastToken.Load())
	assert.Zero(t, atomic.LoadInt32(&fake.tokenCalls))
}

func TestTransakAdapter_ExecuteOffRamp(t *testing.T) {
	fake := newTransakFake(t)
	adapter := newTransak(t, fake.config())

	result, err := adapter.Execute(context.Background(), types.OperationOffRamp, &types.ExecuteRequest{
		Amount:        decimal.NewFromInt(100),
		FromCurrency:  "USDT",
		ToCurrency:    "USD",
		WalletAddress: "0xabc",
		BankAccount:   "DE89370400440532013000",
	})
	require.NoError(t, err)

	assert.Equal(t, "tr-off-1", result.TransactionID)
	assert.Equal(t, types.StatusPending, result.Status)
	assert.True(t, result.Amount.Equal(decimal.RequireFromString("97.5")))
}

func TestTransakAdapter_ExecuteOnRampReturnsSession(t *testing.T) {
	fake := newTransakFake(t)
	adapter := newTransak(t, fake.config())

	result, err := adapter.Execute(context.Background(), types.OperationOnRamp, &types.ExecuteRequest{
		Amount:        decimal.NewFromInt(100),
		FromCurrency:  "USD",
		ToCurrency:    "BNB",
		WalletAddress: "0xabc",
		OrderID:       "order-42",
	})
	require.NoError(t, err)

	assert.Equal(t, "order-42", result.TransactionID)
	session, ok := result.Payload.(*types.SessionResult)
	require.True(t, ok)
	assert.Equal(t, "sess-1", session.SessionID)
}

func TestNewTransakAdapter_RequiresAPIKey(t *testing.T) {
	_, err := NewTransakAdapter(types.TransakConfig{}, nil, testLogger())
	assert.Error(t, err)
}
