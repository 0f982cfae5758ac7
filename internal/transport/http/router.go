package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/config"
	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
	"mailarchive/backend/internal/middleware"
	"mailarchive/backend/internal/monitoring"
	"mailarchive/backend/internal/storage/shard"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config    *config.Config
	Store     domain.Store
	Fetcher   *fetcher.Fetcher
	Writer    *archive.Writer
	Registry  *daemon.Registry
	Allocator *shard.Allocator
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	monitoringMW := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitoringMW.PanicRecovery())
	router.Use(monitoringMW.HTTPMetrics())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// 控制面请求体都很小
	router.Use(middleware.RequestSizeLimit(1 * 1024 * 1024))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	accountHandler := NewAccountHandler(deps.Store, deps.Writer, deps.Registry, deps.Logger)
	mailboxHandler := NewMailboxHandler(deps.Store, deps.Fetcher, deps.Writer, deps.Registry, deps.Logger)
	daemonHandler := NewDaemonHandler(deps.Store, deps.Registry, deps.Logger)
	healthHandler := NewHealthHandler(deps.Store, deps.Allocator, deps.Registry)

	// 健康检查
	router.GET("/health", healthHandler.Health)

	// Prometheus 指标
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// V1 API
	v1 := router.Group("/api/v1")
	{
		// ========== Account Routes ==========
		accountRoutes := v1.Group("/accounts")
		{
			accountRoutes.POST("", accountHandler.CreateAccount)                      // 创建账户
			accountRoutes.GET("", accountHandler.ListAccounts)                        // 账户列表
			accountRoutes.GET("/:accountId", accountHandler.GetAccount)               // 账户详情
			accountRoutes.PATCH("/:accountId", accountHandler.UpdateAccount)          // 更新账户
			accountRoutes.DELETE("/:accountId", accountHandler.DeleteAccount)         // 删除账户（级联）
			accountRoutes.POST("/:accountId/mailboxes", mailboxHandler.CreateMailbox) // 创建邮箱
			accountRoutes.GET("/:accountId/mailboxes", mailboxHandler.ListMailboxes)  // 邮箱列表
		}

		// ========== Mailbox Routes ==========
		mailboxRoutes := v1.Group("/mailboxes")
		{
			mailboxRoutes.GET("/:mailboxId", mailboxHandler.GetMailbox)          // 邮箱详情
			mailboxRoutes.PATCH("/:mailboxId", mailboxHandler.UpdateMailbox)     // 更新归档策略
			mailboxRoutes.DELETE("/:mailboxId", mailboxHandler.DeleteMailbox)    // 删除邮箱（级联）
			mailboxRoutes.POST("/:mailboxId/fetch", mailboxHandler.FetchMailbox) // 手动执行一次获取
		}

		// ========== Daemon Routes ==========
		daemonRoutes := v1.Group("/daemons")
		{
			daemonRoutes.GET("/:mailboxId", daemonHandler.GetDaemon)            // 守护进程状态
			daemonRoutes.POST("/:mailboxId/start", daemonHandler.StartDaemon)   // 启动
			daemonRoutes.POST("/:mailboxId/stop", daemonHandler.StopDaemon)     // 停止
			daemonRoutes.POST("/:mailboxId/test", daemonHandler.TestDaemon)     // 一次性探测
			daemonRoutes.POST("/:mailboxId/update", daemonHandler.UpdateDaemon) // 更新配置
		}
	}

	return router
}
