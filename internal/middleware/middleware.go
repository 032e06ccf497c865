// Package middleware 编排服务HTTP中间件
// 提供请求ID、请求日志、恐慌恢复、管理接口认证和限流
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"ramp-aggregator/provider-router/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ContextKeyRequestID gin上下文中保存请求ID的键
const ContextKeyRequestID = "request_id"

// AdminRole 管理接口要求的JWT角色
const AdminRole = "admin"

// abort 以统一响应格式中止请求
func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, types.APIResponse{
		Success: false,
		Error: &types.APIError{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().Unix(),
		RequestID: c.GetString(ContextKeyRequestID),
	})
}

// ========================================
// 请求ID中间件
// ========================================

// RequestID 为每个请求生成或传递唯一ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(types.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(ContextKeyRequestID, requestID)
		c.Header(types.HeaderRequestID, requestID)

		c.Next()
	}
}

// ========================================
// 请求日志中间件
// ========================================

// RequestLogger 记录请求完成日志，按状态码选择日志级别
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		logLevel := logrus.DebugLevel
		if statusCode >= 400 {
			logLevel = logrus.WarnLevel
		}
		if statusCode >= 500 {
			logLevel = logrus.ErrorLevel
		}

		logger.WithFields(logrus.Fields{
			"request_id":  c.GetString(ContextKeyRequestID),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": statusCode,
			"duration_ms": time.Since(startTime).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}).Log(logLevel, "请求完成")
	}
}

// ========================================
// 恢复中间件
// ========================================

// Recovery 捕获panic并返回统一的错误响应
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"request_id": c.GetString(ContextKeyRequestID),
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
					"panic":      err,
				}).Error("请求处理发生panic")

				abort(c, http.StatusInternalServerError, types.ErrCodeInternalError, "服务内部错误")
			}
		}()

		c.Next()
	}
}

// ========================================
// 管理接口认证
// ========================================

// AdminAuth 校验管理接口的JWT令牌
// 令牌必须使用HMAC签名，且role声明为admin；未配置密钥时拒绝所有管理请求
func AdminAuth(secret string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetString(ContextKeyRequestID)

		if secret == "" {
			logger.Warnf("[%s] 管理接口未配置ADMIN_JWT_SECRET，拒绝访问", requestID)
			abort(c, http.StatusUnauthorized, types.ErrCodeUnauthorized, "管理接口未启用")
			return
		}

		authHeader := c.GetHeader(types.HeaderAuthorization)
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, types.ErrCodeUnauthorized, "缺少认证令牌")
			return
		}

		tokenParts := strings.SplitN(authHeader, " ", 2)
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, types.ErrCodeUnauthorized, "无效的认证令牌格式")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenParts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.Warnf("[%s] 管理令牌验证失败: %v", requestID, err)
			abort(c, http.StatusUnauthorized, types.ErrCodeUnauthorized, "认证令牌无效")
			return
		}

		if role, _ := claims["role"].(string); role != AdminRole {
			logger.Warnf("[%s] 管理令牌缺少admin角色", requestID)
			abort(c, http.StatusUnauthorized, types.ErrCodeUnauthorized, "没有管理权限")
			return
		}

		if subject, err := claims.GetSubject(); err == nil && subject != "" {
			c.Set("admin_subject", subject)
		}

		c.Next()
	}
}

// ========================================
// 限流中间件
// ========================================

// RateLimiter 按客户端IP限流
type RateLimiter struct {
	config   types.RateLimitConfig
	limiters map[string]*rate.Limiter
	mutex    sync.Mutex
	logger   *logrus.Logger
}

// NewRateLimiter 创建限流器
func NewRateLimiter(config types.RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// RateLimit 限流中间件函数
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if !rl.allow(clientIP) {
			rl.logger.Warnf("[%s] IP限流触发: %s", c.GetString(ContextKeyRequestID), clientIP)
			abort(c, http.StatusTooManyRequests, types.ErrCodeRateLimitExceeded, "请求频率过高，请稍后再试")
			return
		}

		c.Next()
	}
}

// allow 检查IP是否还有令牌
func (rl *RateLimiter) allow(ip string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		burst := rl.config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), burst)
		rl.limiters[ip] = limiter
	}

	return limiter.Allow()
}
