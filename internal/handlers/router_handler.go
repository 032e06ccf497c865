// Package handlers 供应商编排HTTP处理器
// 提供报价展示、最优供应商选择、带故障转移的执行、会话签发和运维接口
// 所有响应使用统一的APIResponse格式
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ramp-aggregator/provider-router/internal/adapters"
	"ramp-aggregator/provider-router/internal/middleware"
	"ramp-aggregator/provider-router/internal/services"
	"ramp-aggregator/provider-router/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RouterHandler 供应商编排处理器
type RouterHandler struct {
	manager   *services.ProviderManager // 供应商管理器
	logger    *logrus.Logger            // 日志记录器
	startedAt time.Time                 // 服务启动时间
}

// NewRouterHandler 创建处理器实例
func NewRouterHandler(manager *services.ProviderManager, logger *logrus.Logger) *RouterHandler {
	return &RouterHandler{
		manager:   manager,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// markUnhealthyRequest 管理接口的请求体
type markUnhealthyRequest struct {
	Reason string `json:"reason"`
}

// executeResponse 执行接口的响应数据
type executeResponse struct {
	Result   *types.OperationResult `json:"result"`
	Provider string                 `json:"provider"`
	Attempts int                    `json:"attempts"`
	Quote    *types.Quote           `json:"quote,omitempty"`
}

// bestQuoteResponse 最优供应商接口的响应数据
type bestQuoteResponse struct {
	ProviderID   string       `json:"provider_id"`
	ProviderName string       `json:"provider_name"`
	Quote        *types.Quote `json:"quote"`
}

// ========================================
// 报价接口
// ========================================

// GetQuotes 获取所有供应商报价用于展示
// POST /api/v1/quotes?hide_unhealthy=true
// 结果按注册顺序排列，并标注供应商健康状态
func (h *RouterHandler) GetQuotes(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)
	startTime := time.Now()

	req, ok := h.bindQuoteRequest(c, requestID)
	if !ok {
		return
	}

	hideUnhealthy := c.Query("hide_unhealthy") == "true"
	quotes := h.manager.GetQuotesForDisplay(c.Request.Context(), req, hideUnhealthy)

	c.JSON(http.StatusOK, types.APIResponse{
		Success: true,
		Data:    quotes,
		Meta: map[string]interface{}{
			"processing_time": time.Since(startTime).Milliseconds(),
			"quote_count":     countQuoted(quotes),
			"provider_count":  len(quotes),
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})

	h.logger.Debugf("[%s] 展示报价完成: %d 个供应商, 耗时=%v", requestID, len(quotes), time.Since(startTime))
}

// GetBestQuote 选择当前最优的健康供应商
// POST /api/v1/quotes/best?exclude=a,b
func (h *RouterHandler) GetBestQuote(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)

	req, ok := h.bindQuoteRequest(c, requestID)
	if !ok {
		return
	}

	provider, quote, found := h.manager.SelectBestProvider(c.Request.Context(), req, true, splitList(c.Query("exclude")))
	if !found {
		h.handleRouterError(c, types.NewRouterError(types.ErrCodeNoProvidersAvailable,
			"没有可用的%s供应商", req.Kind), requestID)
		return
	}

	c.JSON(http.StatusOK, types.APIResponse{
		Success: true,
		Data: bestQuoteResponse{
			ProviderID:   provider.GetID(),
			ProviderName: provider.GetName(),
			Quote:        quote,
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})

	h.logger.Infof("[%s] 最优供应商: %s, 预计到账=%s", requestID, provider.GetID(), quote.EstimatedAmount)
}

// ========================================
// 执行与会话接口
// ========================================

// Execute 执行操作，失败时自动转移到下一个最优供应商
// POST /api/v1/execute?max_retries=2
func (h *RouterHandler) Execute(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)
	startTime := time.Now()

	var req types.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondInvalid(c, requestID, "请求参数无效", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}
	if err := validateQuoteRequest(req.QuoteRequest()); err != nil {
		h.respondInvalid(c, requestID, err.Error(), nil)
		return
	}

	maxRetries := 0
	if raw := c.Query("max_retries"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondInvalid(c, requestID, "max_retries必须是非负整数", nil)
			return
		}
		maxRetries = parsed
	}

	h.logger.Infof("[%s] 收到执行请求: kind=%s, amount=%s %s->%s",
		requestID, req.Kind, req.Amount, req.FromCurrency, req.ToCurrency)

	result, err := h.manager.ExecuteOperation(c.Request.Context(), &req, maxRetries)
	if err != nil {
		h.handleRouterError(c, err, requestID)
		return
	}

	c.JSON(http.StatusOK, types.APIResponse{
		Success: true,
		Data: executeResponse{
			Result:   result.Result,
			Provider: result.Provider.GetID(),
			Attempts: result.Attempts,
			Quote:    result.Quote,
		},
		Meta: map[string]interface{}{
			"processing_time": time.Since(startTime).Milliseconds(),
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})

	h.logger.Infof("[%s] 执行完成: provider=%s, attempts=%d, duration=%v",
		requestID, result.Provider.GetID(), result.Attempts, time.Since(startTime))
}

// CreateSession 在指定供应商上创建托管会话
// POST /api/v1/sessions/:provider
func (h *RouterHandler) CreateSession(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)
	providerID := c.Param("provider")

	var req types.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondInvalid(c, requestID, "请求参数无效", err)
		return
	}
	if !req.Kind.Valid() {
		h.respondInvalid(c, requestID, fmt.Sprintf("不支持的操作类型: %s", req.Kind), nil)
		return
	}

	session, err := h.manager.CreateSession(c.Request.Context(), providerID, &req)
	if err != nil {
		h.handleRouterError(c, err, requestID)
		return
	}

	if session.Degraded {
		h.logger.Warnf("[%s] 供应商 %s 会话降级: %s", requestID, providerID, session.FallbackReason)
	}

	c.JSON(http.StatusOK, types.APIResponse{
		Success: true,
		Data:    session,
		Meta: map[string]interface{}{
			"degraded": session.Degraded,
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// ========================================
// 监控和管理接口
// ========================================

// HealthCheck 服务健康检查
// GET /health
// 至少有一个健康供应商时为healthy，否则为degraded(服务本身仍可响应)
func (h *RouterHandler) HealthCheck(c *gin.Context) {
	summary := h.manager.GetStatusSummary()

	status := "healthy"
	if summary.Total > 0 && summary.Healthy == 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(h.startedAt).String(),
		"providers": gin.H{
			"total":     summary.Total,
			"healthy":   summary.Healthy,
			"unhealthy": summary.Unhealthy,
		},
	})
}

// GetProviderStatus 获取所有供应商的健康状态
// GET /api/v1/providers/status
func (h *RouterHandler) GetProviderStatus(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)

	c.JSON(http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      h.manager.GetStatusSummary(),
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})

	h.logger.Debugf("[%s] 供应商状态查询完成", requestID)
}

// GetProviderStats 获取供应商适配器的请求统计
// GET /api/v1/providers/stats
func (h *RouterHandler) GetProviderStats(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)

	stats := make(map[string]adapters.AdapterStats)
	for _, provider := range h.manager.ListProviders() {
		if reporter, ok := provider.(adapters.StatsReporter); ok {
			stats[provider.GetID()] = reporter.GetStats()
		}
	}

	c.JSON(http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      stats,
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// MarkUnhealthy 手动将供应商标记为不健康
// POST /api/v1/admin/providers/:id/unhealthy
func (h *RouterHandler) MarkUnhealthy(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)
	providerID := c.Param("id")

	var body markUnhealthyRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		h.respondInvalid(c, requestID, "请求参数无效", err)
		return
	}
	if body.Reason == "" {
		body.Reason = "手动标记"
	}

	if err := h.manager.MarkProviderUnhealthy(providerID, body.Reason); err != nil {
		h.handleRouterError(c, err, requestID)
		return
	}

	h.logger.Warnf("[%s] 管理员将供应商 %s 标记为不健康 (操作人: %s): %s",
		requestID, providerID, c.GetString("admin_subject"), body.Reason)
	h.respondStatus(c, requestID, providerID)
}

// MarkHealthy 手动恢复供应商
// POST /api/v1/admin/providers/:id/healthy
func (h *RouterHandler) MarkHealthy(c *gin.Context) {
	requestID := h.getOrGenerateRequestID(c)
	providerID := c.Param("id")

	if err := h.manager.MarkProviderHealthy(providerID); err != nil {
		h.handleRouterError(c, err, requestID)
		return
	}

	h.logger.Infof("[%s] 管理员恢复供应商 %s (操作人: %s)", requestID, providerID, c.GetString("admin_subject"))
	h.respondStatus(c, requestID, providerID)
}

// respondStatus 返回单个供应商的当前健康记录
func (h *RouterHandler) respondStatus(c *gin.Context, requestID, providerID string) {
	status, _ := h.manager.Health().Status(providerID)
	c.JSON(http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      status,
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// ========================================
// 辅助方法
// ========================================

// bindQuoteRequest 绑定并验证报价请求，失败时已写入响应
func (h *RouterHandler) bindQuoteRequest(c *gin.Context, requestID string) (*types.QuoteRequest, bool) {
	var req types.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondInvalid(c, requestID, "请求参数无效", err)
		return nil, false
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}
	if err := validateQuoteRequest(&req); err != nil {
		h.respondInvalid(c, requestID, err.Error(), nil)
		return nil, false
	}
	return &req, true
}

// validateQuoteRequest 验证报价请求参数
func validateQuoteRequest(req *types.QuoteRequest) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("不支持的操作类型: %q", req.Kind)
	}
	if req.FromCurrency == "" {
		return fmt.Errorf("源币种不能为空")
	}
	if req.ToCurrency == "" {
		return fmt.Errorf("目标币种不能为空")
	}
	if strings.EqualFold(req.FromCurrency, req.ToCurrency) {
		return fmt.Errorf("源币种和目标币种不能相同")
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("金额必须大于0")
	}
	return nil
}

// respondInvalid 返回400参数错误
func (h *RouterHandler) respondInvalid(c *gin.Context, requestID, message string, cause error) {
	var details map[string]interface{}
	if cause != nil {
		details = map[string]interface{}{"error": cause.Error()}
	}
	h.logger.Warnf("[%s] 请求验证失败: %s", requestID, message)

	c.JSON(http.StatusBadRequest, types.APIResponse{
		Success: false,
		Error: &types.APIError{
			Code:    types.ErrCodeInvalidRequest,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// getOrGenerateRequestID 获取或生成请求ID
func (h *RouterHandler) getOrGenerateRequestID(c *gin.Context) string {
	if requestID := c.GetString(middleware.ContextKeyRequestID); requestID != "" {
		return requestID
	}

	if requestID := c.GetHeader(types.HeaderRequestID); requestID != "" {
		return requestID
	}

	requestID := uuid.New().String()
	c.Set(middleware.ContextKeyRequestID, requestID)
	return requestID
}

// statusForCode 错误代码对应的HTTP状态码
func statusForCode(code string) int {
	switch code {
	case types.ErrCodeInvalidRequest, types.ErrCodeUnsupportedOperation:
		return http.StatusBadRequest
	case types.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case types.ErrCodeProviderNotFound:
		return http.StatusNotFound
	case types.ErrCodeRequestCancelled:
		return http.StatusRequestTimeout
	case types.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case types.ErrCodeProvidersExhausted:
		return http.StatusBadGateway
	case types.ErrCodeNoProvidersAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleRouterError 处理编排服务错误
func (h *RouterHandler) handleRouterError(c *gin.Context, err error, requestID string) {
	var routerErr *types.RouterError
	if !errors.As(err, &routerErr) {
		c.JSON(http.StatusInternalServerError, types.APIResponse{
			Success: false,
			Error: &types.APIError{
				Code:    types.ErrCodeInternalError,
				Message: "内部服务错误",
			},
			Timestamp: time.Now().Unix(),
			RequestID: requestID,
		})

		h.logger.Errorf("[%s] 未知错误: %v", requestID, err)
		return
	}

	statusCode := statusForCode(routerErr.Code)
	c.JSON(statusCode, types.APIResponse{
		Success: false,
		Error: &types.APIError{
			Code:    routerErr.Code,
			Message: routerErr.Error(),
			Details: routerErr.Details,
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})

	if statusCode >= 500 {
		h.logger.Errorf("[%s] 编排服务错误: %v", requestID, err)
	} else {
		h.logger.Warnf("[%s] 编排服务错误: %v", requestID, err)
	}
}

// countQuoted 统计成功返回报价的供应商数量
func countQuoted(quotes []services.DisplayQuote) int {
	count := 0
	for _, q := range quotes {
		if q.Quote != nil {
			count++
		}
	}
	return count
}

// splitList 解析逗号分隔的查询参数
func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

// RegisterRoutes 注册API路由
// 管理接口需要adminAuth中间件，报价和执行接口经过限流
func (h *RouterHandler) RegisterRoutes(router gin.IRouter, limiter gin.HandlerFunc, adminAuth gin.HandlerFunc) {
	v1 := router.Group("/api/v1")
	{
		// 核心编排接口
		limited := v1.Group("")
		if limiter != nil {
			limited.Use(limiter)
		}
		limited.POST("/quotes", h.GetQuotes)
		limited.POST("/quotes/best", h.GetBestQuote)
		limited.POST("/execute", h.Execute)
		limited.POST("/sessions/:provider", h.CreateSession)

		// 监控接口
		v1.GET("/providers/status", h.GetProviderStatus)
		v1.GET("/providers/stats", h.GetProviderStats)

		// 管理接口
		admin := v1.Group("/admin", adminAuth)
		admin.POST("/providers/:id/unhealthy", h.MarkUnhealthy)
		admin.POST("/providers/:id/healthy", h.MarkHealthy)
	}
}
