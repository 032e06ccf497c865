// 出入金供应商编排服务主程序
// 负责加载配置、注册供应商适配器、恢复健康快照并启动HTTP服务和定期健康巡检
// 提供serve(默认)和sweep两个命令
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"ramp-aggregator/provider-router/internal/adapters"
	"ramp-aggregator/provider-router/internal/events"
	"ramp-aggregator/provider-router/internal/handlers"
	"ramp-aggregator/provider-router/internal/metrics"
	"ramp-aggregator/provider-router/internal/middleware"
	"ramp-aggregator/provider-router/internal/services"
	"ramp-aggregator/provider-router/internal/types"
	"ramp-aggregator/provider-router/pkg/cache"
	"ramp-aggregator/provider-router/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Application 供应商编排应用程序
type Application struct {
	Config      *types.Config             // 应用配置
	Cache       cache.CacheManager        // 缓存管理器(健康快照)
	HealthStore *services.HealthStore     // 健康快照存储
	Publisher   *events.HealthPublisher   // Kafka健康事件发布器，未启用时为nil
	Manager     *services.ProviderManager // 供应商管理器
	Handler     *handlers.RouterHandler   // HTTP处理器
	Server      *http.Server              // HTTP服务器
	Logger      *logrus.Logger            // 日志记录器
}

var rootCmd = &cobra.Command{
	Use:   "provider-router",
	Short: "出入金供应商编排服务",
	Long: `provider-router 聚合多个出入金/兑换供应商的报价，
跟踪供应商健康状态，并在执行失败时自动转移到下一个最优供应商。`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动HTTP服务和定期健康巡检",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一次健康巡检并以JSON输出状态汇总",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

// main 主函数
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runServe 启动完整服务
func runServe(cmd *cobra.Command, args []string) error {
	app, err := NewApplication()
	if err != nil {
		return fmt.Errorf("创建编排服务失败: %w", err)
	}

	return app.Run()
}

// runSweep 执行一次顺序健康巡检
// 巡检结果同样会写入健康快照存储和Kafka(如已启用)
func runSweep(cmd *cobra.Command, args []string) error {
	app, err := NewApplication()
	if err != nil {
		return fmt.Errorf("创建编排服务失败: %w", err)
	}
	defer app.closeBackends()

	app.Manager.Sweep(cmd.Context())

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(app.Manager.GetStatusSummary())
}

// NewApplication 创建编排服务应用实例
func NewApplication() (*Application, error) {
	// 1. 加载配置(数据库可用时覆盖供应商定义)
	cfg, err := config.LoadConfigWithDatabase()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	// 2. 初始化日志记录器
	logger := initLogger(cfg)
	logger.Infof("启动出入金供应商编排服务 - 环境: %s", cfg.Server.Environment)

	// 3. 初始化指标
	var routerMetrics *metrics.RouterMetrics
	if cfg.Monitoring.MetricsEnabled {
		routerMetrics = metrics.NewRouterMetrics(nil)
	}

	// 4. 初始化供应商管理器并注册适配器
	manager := services.NewProviderManager(cfg.Orchestration, routerMetrics, logger)
	if err := registerProviders(manager, cfg, routerMetrics, logger); err != nil {
		return nil, err
	}

	// 5. 初始化健康快照存储，恢复上次运行的健康状态
	cacheManager := initCache(cfg, logger)
	healthStore := services.NewHealthStore(cacheManager, cfg.Redis.SnapshotTTL, logger)
	restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := healthStore.Restore(restoreCtx, manager.Health()); err != nil {
		logger.Warnf("恢复健康快照失败，所有供应商按健康处理: %v", err)
	}
	cancel()
	manager.Health().AddListener(healthStore.OnHealthEvent)

	// 6. 初始化Kafka健康事件发布
	var publisher *events.HealthPublisher
	if cfg.Kafka.Enabled {
		logger.Infof("初始化Kafka健康事件发布: topic=%s", cfg.Kafka.HealthTopic)
		publisher = events.NewHealthPublisher(cfg.Kafka, logger)
		manager.Health().AddListener(publisher.OnHealthEvent)
	}

	// 7. 初始化HTTP处理器和路由
	routerHandler := handlers.NewRouterHandler(manager, logger)

	if cfg.Server.Environment == types.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := setupRouter(cfg, routerHandler, logger)

	// 8. 创建HTTP服务器
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.Orchestration.ExecuteTimeout*time.Duration(cfg.Orchestration.MaxFailoverRetries+1) + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return &Application{
		Config:      cfg,
		Cache:       cacheManager,
		HealthStore: healthStore,
		Publisher:   publisher,
		Manager:     manager,
		Handler:     routerHandler,
		Server:      server,
		Logger:      logger,
	}, nil
}

// registerProviders 按固定顺序注册供应商: 参考供应商、Transak、配置中的其他供应商(按优先级)
// 注册顺序决定报价相同时的选择结果
func registerProviders(manager *services.ProviderManager, cfg *types.Config, m *metrics.RouterMetrics, logger *logrus.Logger) error {
	if cfg.Mock.Enabled {
		mock, err := adapters.NewMockAdapter(cfg.Mock, logger)
		if err != nil {
			return fmt.Errorf("创建参考供应商失败: %w", err)
		}
		manager.RegisterProvider(mock)
	}

	if cfg.Transak.Enabled {
		transak, err := adapters.NewTransakAdapter(cfg.Transak, m, logger)
		if err != nil {
			return fmt.Errorf("创建Transak适配器失败: %w", err)
		}
		manager.RegisterProvider(transak)
	}

	providers := append([]types.ProviderConfig{}, cfg.Providers...)
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})

	for _, providerCfg := range providers {
		if !providerCfg.IsActive {
			logger.Debugf("[%s] 供应商未启用，跳过", providerCfg.ID)
			continue
		}

		var (
			provider adapters.Provider
			err      error
		)
		switch providerCfg.Type {
		case types.ProviderTypeOneInch:
			provider, err = adapters.NewOneInchAdapter(providerCfg, logger)
		case types.ProviderTypeHTTPRail, "":
			provider, err = adapters.NewHTTPRailAdapter(providerCfg, logger)
		default:
			err = fmt.Errorf("未知供应商类型: %s", providerCfg.Type)
		}
		if err != nil {
			// 单个供应商配置错误不影响其他供应商
			logger.Errorf("[%s] 创建供应商适配器失败: %v", providerCfg.ID, err)
			continue
		}
		manager.RegisterProvider(provider)
	}

	registered := manager.ListProviders()
	if len(registered) == 0 {
		return fmt.Errorf("没有成功注册任何供应商")
	}

	for _, provider := range registered {
		logger.Infof("✅ 已注册供应商: %s (%s)", provider.GetName(), provider.GetID())
	}
	return nil
}

// initCache 初始化健康快照使用的缓存，Redis不可用时退回进程内缓存
func initCache(cfg *types.Config, logger *logrus.Logger) cache.CacheManager {
	if !cfg.Redis.Enabled {
		logger.Info("未启用Redis，健康快照仅保存在进程内")
		return cache.NewMemoryCache()
	}

	logger.Info("初始化Redis缓存...")
	redisCache, err := cache.NewRedisCache(&cfg.Redis, logger)
	if err != nil {
		logger.Warnf("⚠️ Redis连接失败，健康快照仅保存在进程内: %v", err)
		return cache.NewMemoryCache()
	}
	return redisCache
}

// Run 启动应用程序
func (app *Application) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// 启动定期健康巡检(立即执行一次)
	app.Manager.Start(context.Background())

	serverErr := make(chan error, 1)
	go func() {
		app.Logger.Infof("供应商编排服务启动，监听端口: %s", app.Server.Addr)
		app.Logger.Info("API接口:")
		app.Logger.Info("  报价展示:   POST /api/v1/quotes")
		app.Logger.Info("  最优供应商: POST /api/v1/quotes/best")
		app.Logger.Info("  执行操作:   POST /api/v1/execute")
		app.Logger.Info("  创建会话:   POST /api/v1/sessions/:provider")
		app.Logger.Info("  供应商状态: GET  /api/v1/providers/status")
		app.Logger.Infof("  健康检查:   GET  %s", app.Config.Monitoring.HealthCheckPath)

		if err := app.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-quit:
		app.Logger.Info("接收到关闭信号，开始优雅关闭...")
	case err := <-serverErr:
		app.Logger.Errorf("HTTP服务器启动失败: %v", err)
		app.closeBackends()
		return err
	}

	return app.Shutdown()
}

// Shutdown 优雅关闭应用程序
// 先停止接收请求和巡检，再刷新健康快照和事件，最后关闭连接
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.Logger.Info("正在关闭HTTP服务器...")
	serverErr := app.Server.Shutdown(ctx)
	if serverErr != nil {
		app.Logger.Errorf("HTTP服务器关闭失败: %v", serverErr)
	}

	app.closeBackends()

	app.Logger.Info("供应商编排服务已优雅关闭")
	return serverErr
}

// closeBackends 停止健康巡检并关闭快照存储、Kafka和缓存
func (app *Application) closeBackends() {
	app.Manager.Stop()

	app.HealthStore.Close()

	if app.Publisher != nil {
		if err := app.Publisher.Close(); err != nil {
			app.Logger.Errorf("Kafka发布器关闭失败: %v", err)
		}
	}

	if err := app.Cache.Close(); err != nil {
		app.Logger.Errorf("缓存关闭失败: %v", err)
	}
}

// initLogger 初始化日志记录器
func initLogger(cfg *types.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Server.Environment == types.EnvProduction {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}

	return logger
}

// setupRouter 设置HTTP路由器
func setupRouter(cfg *types.Config, handler *handlers.RouterHandler, logger *logrus.Logger) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))

	router.GET(cfg.Monitoring.HealthCheckPath, handler.HealthCheck)
	if cfg.Monitoring.MetricsEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	limiter := middleware.NewRateLimiter(cfg.Security.RateLimit, logger)
	handler.RegisterRoutes(router, limiter.RateLimit(), middleware.AdminAuth(cfg.Security.AdminJWTSecret, logger))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, types.APIResponse{
			Success: false,
			Error: &types.APIError{
				Code:    "NOT_FOUND",
				Message: "请求的资源不存在",
			},
			Timestamp: time.Now().Unix(),
			RequestID: c.GetString(middleware.ContextKeyRequestID),
		})
	})

	return router
}
