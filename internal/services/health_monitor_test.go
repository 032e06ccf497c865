package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramp-aggregator/provider-router/internal/types"
	"ramp-aggregator/provider-router/pkg/cache"
)

func newTestMonitor(cfg types.OrchestrationConfig, providers ...*fakeProvider) (*HealthMonitor, *Registry) {
	registry := NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}
	return NewHealthMonitor(registry, cfg, nil, quietLogger()), registry
}

func TestHealthMonitor_ThresholdAndReset(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())

	for i := 1; i < monitor.Threshold(); i++ {
		monitor.RecordFailure("osl", errUpstream)
		assert.True(t, monitor.IsHealthy("osl"), "未达到阈值前保持健康 (第%d次)", i)
	}

	monitor.RecordFailure("osl", errUpstream)
	assert.False(t, monitor.IsHealthy("osl"))

	status, ok := monitor.Status("osl")
	require.True(t, ok)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, errUpstream.Error(), status.LastError)

	monitor.RecordSuccess("osl")
	status, _ = monitor.Status("osl")
	assert.True(t, status.IsHealthy)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
}

func TestHealthMonitor_AbsentProviderIsHealthy(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())

	assert.True(t, monitor.IsHealthy("never-seen"))
	_, ok := monitor.Status("never-seen")
	assert.False(t, ok)
	assert.Empty(t, monitor.AllStatuses())
}

func TestHealthMonitor_ManualOverrides(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())

	monitor.MarkUnhealthy("transak", "webhook failures")
	status, ok := monitor.Status("transak")
	require.True(t, ok)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, monitor.Threshold(), status.ConsecutiveFailures)
	assert.Equal(t, "webhook failures", status.LastError)

	monitor.MarkHealthy("transak")
	status, _ = monitor.Status("transak")
	assert.True(t, status.IsHealthy)
	assert.Zero(t, status.ConsecutiveFailures)

	monitor.MarkHealthy("fresh")
	_, ok = monitor.Status("fresh")
	assert.True(t, ok, "人工标记健康会创建记录")
}

func TestHealthMonitor_SeedNormalizesRecords(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())
	checked := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	monitor.Seed([]types.ProviderHealth{
		{ProviderID: "osl", IsHealthy: true, ConsecutiveFailures: 5, LastCheckedAt: checked},
		{ProviderID: "epay", IsHealthy: true, ConsecutiveFailures: 1, LastCheckedAt: checked},
		{ProviderID: ""},
	})

	assert.False(t, monitor.IsHealthy("osl"))
	assert.True(t, monitor.IsHealthy("epay"))

	status, _ := monitor.Status("epay")
	assert.Equal(t, checked, status.LastCheckedAt)
	assert.Len(t, monitor.AllStatuses(), 2)
}

func TestHealthMonitor_ListenersSeeTransitions(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())

	var mu sync.Mutex
	var events []HealthEvent
	monitor.AddListener(func(event HealthEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	for i := 0; i < 4; i++ {
		monitor.RecordFailure("osl", errUpstream)
	}
	monitor.RecordSuccess("osl")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 5)

	var transitions []bool
	for _, event := range events {
		if event.Transitioned() {
			transitions = append(transitions, event.Current.IsHealthy)
		}
	}
	assert.Equal(t, []bool{false, true}, transitions)
	assert.Nil(t, events[0].Previous)
	assert.Equal(t, HealthSourceLive, events[4].Source)
}

func TestHealthMonitor_ListenerMayReadMonitor(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())

	observed := make(chan bool, 1)
	monitor.AddListener(func(event HealthEvent) {
		// 回调在锁外执行，可以安全地回读
		observed <- monitor.IsHealthy(event.Current.ProviderID)
	})

	monitor.MarkUnhealthy("osl", "manual")
	select {
	case healthy := <-observed:
		assert.False(t, healthy)
	case <-time.After(time.Second):
		t.Fatal("监听回调未执行")
	}
}

func TestHealthMonitor_AllStatusesOrder(t *testing.T) {
	a, b := newFake("b-rail", 1), newFake("a-rail", 1)
	monitor, _ := newTestMonitor(testOrchestration(), a, b)

	monitor.RecordFailure("zz-retired", errUpstream)
	monitor.RecordFailure("aa-retired", errUpstream)
	monitor.RecordFailure("a-rail", errUpstream)
	monitor.RecordFailure("b-rail", errUpstream)

	var ids []string
	for _, status := range monitor.AllStatuses() {
		ids = append(ids, status.ProviderID)
	}
	assert.Equal(t, []string{"b-rail", "a-rail", "aa-retired", "zz-retired"}, ids)
}

// ========================================
// 巡检
// ========================================

func TestHealthMonitor_SweepSkipsExemptAndRecordsFailures(t *testing.T) {
	mock := newFake(types.ProviderMock, 100)
	good := newFake("good", 100)
	bad := newFake("bad", 100)
	bad.setQuoteErr(errUpstream)
	swapOnly := newFake("dex", 100, types.OperationSwap)

	monitor, _ := newTestMonitor(testOrchestration(), mock, good, bad, swapOnly)

	assert.NotPanics(t, func() { monitor.Sweep(context.Background()) })

	assert.Zero(t, mock.quotes(), "豁免的供应商不参与巡检")
	assert.Equal(t, int32(1), good.quotes())
	assert.Equal(t, int32(1), bad.quotes())
	assert.Zero(t, swapOnly.quotes(), "没有探测参数时跳过")

	status, ok := monitor.Status("bad")
	require.True(t, ok)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.True(t, monitor.IsHealthy("good"))

	_, ok = monitor.Status(types.ProviderMock)
	assert.False(t, ok)
}

func TestHealthMonitor_ProbeRecoversProvider(t *testing.T) {
	provider := newFake("osl", 100)
	monitor, _ := newTestMonitor(testOrchestration(), provider)

	monitor.MarkUnhealthy("osl", "down")
	monitor.Sweep(context.Background())

	assert.True(t, monitor.IsHealthy("osl"), "下一次成功探测即恢复")
}

func TestHealthMonitor_ProbeTimeoutCountsAsFailure(t *testing.T) {
	slow := newFake("slow", 100)
	slow.quoteDelay = time.Second

	cfg := testOrchestration()
	cfg.ProviderCallTimeout = 30 * time.Millisecond
	monitor, _ := newTestMonitor(cfg, slow)

	start := time.Now()
	monitor.Sweep(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	status, ok := monitor.Status("slow")
	require.True(t, ok)
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestHealthMonitor_CancelledProbeIsNotRecorded(t *testing.T) {
	slow := newFake("slow", 100)
	slow.quoteDelay = time.Second
	monitor, _ := newTestMonitor(testOrchestration(), slow)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	monitor.Probe(ctx, slow)

	_, ok := monitor.Status("slow")
	assert.False(t, ok, "巡检停止时的中止不写入健康表")
	assert.True(t, monitor.IsHealthy("slow"))
}

func TestHealthMonitor_RecoveryCooldown(t *testing.T) {
	provider := newFake("osl", 100)
	provider.setQuoteErr(errUpstream)

	cfg := testOrchestration()
	cfg.RecoveryCheckInterval = 5 * time.Minute
	monitor, _ := newTestMonitor(cfg, provider)

	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	monitor.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		monitor.Sweep(context.Background())
	}
	require.False(t, monitor.IsHealthy("osl"))
	require.Equal(t, int32(3), provider.quotes())

	now = now.Add(time.Minute)
	monitor.Sweep(context.Background())
	assert.Equal(t, int32(3), provider.quotes(), "冷却期内不重新探测")

	provider.setQuoteErr(nil)
	now = now.Add(5 * time.Minute)
	monitor.Sweep(context.Background())
	assert.Equal(t, int32(4), provider.quotes())
	assert.True(t, monitor.IsHealthy("osl"))
}

func TestHealthMonitor_NoCooldownByDefault(t *testing.T) {
	provider := newFake("osl", 100)
	provider.setQuoteErr(errUpstream)
	monitor, _ := newTestMonitor(testOrchestration(), provider)

	for i := 0; i < 5; i++ {
		monitor.Sweep(context.Background())
	}
	assert.Equal(t, int32(5), provider.quotes())
}

func TestHealthMonitor_StartSweepsImmediately(t *testing.T) {
	provider := newFake("osl", 100)
	monitor, _ := newTestMonitor(testOrchestration(), provider)

	monitor.Start(context.Background())
	monitor.Start(context.Background())

	assert.Eventually(t, func() bool { return provider.quotes() == 1 }, time.Second, 10*time.Millisecond)

	monitor.Stop()
	monitor.Stop()
	assert.Equal(t, int32(1), provider.quotes(), "间隔为1小时，只执行首次巡检")
}

func TestHealthMonitor_ConcurrentUpdates(t *testing.T) {
	monitor, _ := newTestMonitor(testOrchestration())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", n%5)
			monitor.RecordFailure(id, errUpstream)
			_ = monitor.IsHealthy(id)
			_ = monitor.AllStatuses()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		status, ok := monitor.Status(fmt.Sprintf("p%d", i))
		require.True(t, ok)
		assert.Equal(t, 10, status.ConsecutiveFailures)
		assert.False(t, status.IsHealthy)
	}
}

// ========================================
// 快照存储
// ========================================

func TestHealthStore_PersistAndRestore(t *testing.T) {
	store := NewHealthStore(cache.NewMemoryCache(), time.Hour, quietLogger())
	memory := store.cache

	monitor, _ := newTestMonitor(testOrchestration())
	monitor.AddListener(store.OnHealthEvent)
	for i := 0; i < 3; i++ {
		monitor.RecordFailure("transak", errUpstream)
	}
	monitor.RecordFailure("osl", errUpstream)
	store.Close()

	restarted, _ := newTestMonitor(testOrchestration())
	reader := NewHealthStore(memory, time.Hour, quietLogger())
	defer reader.Close()

	require.NoError(t, reader.Restore(context.Background(), restarted))
	assert.False(t, restarted.IsHealthy("transak"))

	status, ok := restarted.Status("osl")
	require.True(t, ok)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.True(t, status.IsHealthy)
}
