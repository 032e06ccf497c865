package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"ramp-aggregator/provider-router/internal/types"
)

func TestRouterMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *RouterMetrics

	assert.NotPanics(t, func() {
		m.RecordProviderCall("mock", "quote", time.Second, nil)
		m.RecordHealth(types.ProviderHealth{ProviderID: "mock"})
		m.RecordSweep()
		m.RecordFailover(types.OperationOnRamp, 1, nil)
		m.RecordTokenAcquisition("transak", "remote", nil)
		m.RecordSessionFallback("transak", "429")
	})
}

func TestRouterMetrics_RecordHealth(t *testing.T) {
	m := NewRouterMetrics(prometheus.NewRegistry())

	m.RecordHealth(types.ProviderHealth{ProviderID: "transak", IsHealthy: false, ConsecutiveFailures: 3})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProviderHealthy.WithLabelValues("transak")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProviderConsecutiveFailures.WithLabelValues("transak")))

	m.RecordHealth(types.ProviderHealth{ProviderID: "transak", IsHealthy: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderHealthy.WithLabelValues("transak")))
}

func TestRouterMetrics_RecordFailoverUsesErrorCode(t *testing.T) {
	m := NewRouterMetrics(prometheus.NewRegistry())

	m.RecordFailover(types.OperationOnRamp, 2, types.NewRouterError(types.ErrCodeProvidersExhausted, "all failed"))
	m.RecordFailover(types.OperationOnRamp, 1, nil)
	m.RecordFailover(types.OperationOnRamp, 1, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailoverTotal.WithLabelValues("onramp", types.ErrCodeProvidersExhausted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailoverTotal.WithLabelValues("onramp", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailoverTotal.WithLabelValues("onramp", "error")))
}

func TestRouterMetrics_RecordProviderCall(t *testing.T) {
	m := NewRouterMetrics(prometheus.NewRegistry())

	m.RecordProviderCall("1inch", "quote", 10*time.Millisecond, nil)
	m.RecordProviderCall("1inch", "quote", 10*time.Millisecond, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("1inch", "quote", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("1inch", "quote", "failure")))
}
