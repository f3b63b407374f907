package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskpay/internal/chain"
	"taskpay/internal/config"
	"taskpay/internal/handler"
	"taskpay/internal/infrastructure/cache"
	"taskpay/internal/infrastructure/database"
	"taskpay/internal/infrastructure/mq"
	"taskpay/internal/job"
	"taskpay/internal/service"
	"taskpay/internal/worker"
	"taskpay/pkg/idgen"
	"taskpay/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化日志
	logger.Init(cfg.Server.Env)
	defer logger.Sync()

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 初始化链客户端
	chainClient, err := chain.NewSolanaClient(&cfg.Solana)
	if err != nil {
		logger.Fatal("初始化链客户端失败", zap.Error(err))
	}
	defer chainClient.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	payoutService := service.NewPayoutService(db, redisClient, cfg)

	settlementWorker := worker.NewSettlementWorker(db, redisClient, payoutService, chainClient, cfg.Business)
	settlementWorker.Start(ctx)

	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, chainClient, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")

	// 先停结算任务：不再开启新的一轮，等待执行中的一轮完成
	settlementWorker.Stop()
	outboxSender.Stop()
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", zap.Error(err))
	}

	logger.Info("服务已关闭")
}
