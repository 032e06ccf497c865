// Package adapters 供应商适配器
// 封装不同支付通道/DEX的API差异，统一实现Provider能力接口
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// BaseAdapter 基础适配器结构
// 提供所有适配器的通用功能: HTTP调用、JSON解析、金额标准化、请求统计
type BaseAdapter struct {
	id         string                // 供应商ID
	name       string                // 显示名称
	operations []types.OperationKind // 支持的操作
	retryCount int                   // 幂等请求(GET)的重试次数
	httpClient *http.Client          // HTTP客户端
	logger     *logrus.Logger        // 日志记录器

	mu    sync.Mutex
	stats AdapterStats // 运行时统计
}

// AdapterStats 适配器请求统计
type AdapterStats struct {
	TotalRequests   int64         `json:"total_requests"`    // 总请求数
	SuccessRequests int64         `json:"success_requests"`  // 成功请求数
	FailedRequests  int64         `json:"failed_requests"`   // 失败请求数
	AvgResponseTime time.Duration `json:"avg_response_time"` // 平均响应时间
	LastRequestTime time.Time     `json:"last_request_time"` // 最后请求时间
}

// HTTPStatusError 供应商返回的HTTP错误状态
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("[%s] HTTP错误: status=%d, body=%s", e.Provider, e.StatusCode, e.Body)
}

// StatusCodeOf 提取错误链中的HTTP状态码，非HTTP错误返回0
func StatusCodeOf(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// NewBaseAdapter 创建基础适配器
func NewBaseAdapter(id, name string, operations []types.OperationKind, timeout time.Duration, logger *logrus.Logger) *BaseAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &BaseAdapter{
		id:         id,
		name:       name,
		operations: operations,
		retryCount: 1,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetID 获取供应商ID
func (b *BaseAdapter) GetID() string {
	return b.id
}

// GetName 获取显示名称
func (b *BaseAdapter) GetName() string {
	return b.name
}

// SupportsOperation 检查是否支持指定操作
func (b *BaseAdapter) SupportsOperation(kind types.OperationKind) bool {
	for _, op := range b.operations {
		if op == kind {
			return true
		}
	}
	return false
}

// ========================================
// 通用HTTP请求方法
// ========================================

// doJSON 发送HTTP请求并解析JSON响应
// 只有GET请求会在5xx或网络错误时重试，执行类请求可能产生资金变动，不重试
// 参数:
//   - ctx: 上下文，用于超时控制
//   - method: HTTP方法
//   - url: 完整请求URL
//   - payload: 请求体，nil表示无请求体
//   - headers: 附加请求头
//   - target: 响应解析目标，nil表示忽略响应体
func (b *BaseAdapter) doJSON(ctx context.Context, method, url string, payload interface{}, headers map[string]string, target interface{}) error {
	startTime := time.Now()
	b.logger.Debugf("[%s] 开始请求: %s %s", b.id, method, url)

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		body = encoded
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += b.retryCount
	}

	var responseBody []byte
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				b.updateStats(false, time.Since(startTime))
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			b.logger.Debugf("[%s] 重试请求: attempt=%d", b.id, attempt)
		}

		responseBody, lastErr = b.send(ctx, method, url, body, headers)
		if lastErr == nil {
			break
		}
		// 客户端错误不重试
		if code := StatusCodeOf(lastErr); code > 0 && code < 500 {
			break
		}
	}

	duration := time.Since(startTime)
	if lastErr != nil {
		b.updateStats(false, duration)
		return lastErr
	}
	b.updateStats(true, duration)
	b.logger.Debugf("[%s] 请求完成: duration=%v", b.id, duration)

	if target == nil || len(responseBody) == 0 {
		return nil
	}
	return b.parseJSONResponse(responseBody, target)
}

// send 执行单次HTTP请求
func (b *BaseAdapter) send(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Ramp-Aggregator-Provider-Router/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[%s] HTTP请求失败: %w", b.id, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("[%s] 读取响应体失败: %w", b.id, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPStatusError{Provider: b.id, StatusCode: resp.StatusCode, Body: truncate(string(responseBody), 512)}
	}
	return responseBody, nil
}

// ========================================
// 通用数据处理方法
// ========================================

// parseJSONResponse 解析JSON响应
func (b *BaseAdapter) parseJSONResponse(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		b.logger.Errorf("[%s] JSON解析失败: %v, data=%s", b.id, err, truncate(string(data), 256))
		return fmt.Errorf("JSON解析失败: %w", err)
	}
	return nil
}

// standardizeAmount 标准化金额格式
// 将不同供应商的金额格式转换为统一的decimal.Decimal
func standardizeAmount(amount interface{}) (decimal.Decimal, error) {
	switch v := amount.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("不支持的金额类型: %T", amount)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ========================================
// 请求统计
// ========================================

// updateStats 更新请求统计，平均响应时间使用指数滑动平均
func (b *BaseAdapter) updateStats(success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalRequests++
	b.stats.LastRequestTime = time.Now()

	if success {
		b.stats.SuccessRequests++
	} else {
		b.stats.FailedRequests++
	}

	if b.stats.TotalRequests == 1 {
		b.stats.AvgResponseTime = duration
	} else {
		alpha := 0.1 // 平滑因子
		b.stats.AvgResponseTime = time.Duration(
			float64(b.stats.AvgResponseTime)*(1-alpha) + float64(duration)*alpha,
		)
	}
}

// GetStats 获取请求统计快照
func (b *BaseAdapter) GetStats() AdapterStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ResetStats 重置请求统计
func (b *BaseAdapter) ResetStats() {
	b.mu.Lock()
	b.stats = AdapterStats{}
	b.mu.Unlock()
}
