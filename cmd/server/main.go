// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/handler"
	"echo-bot-go/internal/middleware"
	"echo-bot-go/internal/pipeline"
	"echo-bot-go/internal/repository"
	"echo-bot-go/internal/service"
	"echo-bot-go/pkg/database"
	"echo-bot-go/pkg/kafka"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/ollama"
	"echo-bot-go/pkg/storage"
	"echo-bot-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储和 Kafka 生产者
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	profileRepo := repository.NewProfileRepository(database.DB)
	sessionRepo := repository.NewSessionRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	responseRepo := repository.NewResponseRepository(database.DB)
	contextRepo := repository.NewContextRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.GatewayTokenExpireHours)
	trainer := ollama.NewClient(cfg.Ollama)
	datasetStore := storage.NewDatasetStore(cfg.MinIO)
	profileService := service.NewProfileService(profileRepo, messageRepo, datasetStore, trainer)
	sessionService := service.NewSessionService(sessionRepo, profileRepo, contextRepo)
	personaService := service.NewPersonaService(sessionRepo, profileRepo, responseRepo, contextRepo, trainer)
	schedulerService := service.NewSchedulerService(sessionRepo, profileRepo, messageRepo, contextRepo, trainer)
	adminService := service.NewAdminService(profileRepo, sessionRepo, responseRepo)

	// 6. 启动恢复：崩溃遗留的中间状态画像全部落为 failed
	if err := profileService.RecoverInterrupted(context.Background()); err != nil {
		log.Error("启动恢复失败", err)
	}

	// 7. 启动后台组件：消息采集消费者与维护调度器
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	collector := pipeline.NewCollector(messageRepo)
	go kafka.StartConsumer(backgroundCtx, cfg.Kafka, collector)
	schedulerService.Start(backgroundCtx)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组：网关用共享密钥换取 JWT，无需认证
		auth := apiV1.Group("/auth")
		{
			auth.POST("/token", handler.NewAuthHandler(jwtManager).IssueToken)
		}

		// Echo 路由组，需要网关认证
		echo := apiV1.Group("/echo")
		echo.Use(middleware.AuthMiddleware(jwtManager))
		{
			// 网关消息接入：发布到 Kafka 后由采集器异步落库
			echo.POST("/messages", handler.NewMessageHandler().Ingest)

			profileHandler := handler.NewProfileHandler(profileService)
			profiles := echo.Group("/profiles")
			{
				profiles.POST("", profileHandler.RequestAnalysis)
				profiles.GET("/status", profileHandler.GetStatus)
				profiles.DELETE("", profileHandler.CancelAnalysis)
			}

			sessionHandler := handler.NewSessionHandler(sessionService)
			sessions := echo.Group("/sessions")
			{
				sessions.POST("", sessionHandler.Activate)
				sessions.GET("", sessionHandler.ListActive)
				sessions.GET("/ready-profiles", sessionHandler.ListReadyProfiles)
				sessions.GET("/history", sessionHandler.History)
				sessions.GET("/:channelId", sessionHandler.GetActive)
				sessions.DELETE("/:channelId", sessionHandler.Deactivate)
			}
		}

		// Admin 路由组，需要网关认证
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager))
		{
			adminHandler := handler.NewAdminHandler(adminService, schedulerService)
			admin.GET("/stats/:serverId", adminHandler.GetServerStats)
			admin.GET("/health", adminHandler.GetHealth)
			admin.GET("/jobs/status", adminHandler.GetJobStatus)
			admin.POST("/jobs/:name/trigger", adminHandler.TriggerJob)
		}
	}

	// Chat 路由 (WebSocket)，token 置于路径中
	r.GET("/echo/chat/:token", handler.NewChatHandler(personaService, jwtManager).Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停后台组件：调度器与 Kafka 消费者退出，进行中的训练流水线被取消
	cancelBackground()
	profileService.Shutdown()

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
