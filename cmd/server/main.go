package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cashsettle/internal/config"
	"cashsettle/internal/handler"
	"cashsettle/internal/infrastructure/cache"
	"cashsettle/internal/infrastructure/database"
	"cashsettle/internal/infrastructure/device"
	"cashsettle/internal/infrastructure/lock"
	"cashsettle/internal/infrastructure/mq"
	"cashsettle/internal/job"
	"cashsettle/internal/repository"
	"cashsettle/internal/service"
	"cashsettle/internal/settlement"
	"cashsettle/pkg/idgen"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("CASHSETTLE_CONFIG"); p != "" {
		configPath = p
	}
	cfg := config.LoadConfig(configPath)

	idgen.Init(cfg.Terminal.WorkerID)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)

	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	var gateway settlement.Gateway
	if cfg.Device.Mock {
		log.Println("使用模拟现金机")
		gateway = device.NewSimulator(device.SimulatorOptions{StepInterval: 500 * time.Millisecond})
	} else {
		log.Printf("现金机地址: %s", cfg.Device.BaseURL)
		gateway = device.NewHTTPClient(cfg.Device.BaseURL, cfg.Device.HTTPTimeout)
	}

	settlementRepo := repository.NewSettlementRepository(db)
	settlementService := service.NewSettlementService(
		settlementRepo,
		gateway,
		func() service.TerminalLock {
			return lock.NewTerminalLock(redisClient, cfg.Terminal.ID, cfg.Business.TerminalLockTTL)
		},
		cache.NewSnapshotCache(redisClient, cfg.Business.SnapshotTTL),
		cfg,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(repository.NewOutboxRepository(db), producer, cfg.Business.MaxRetryCount)
	go outboxSender.Start(ctx)

	interruptedJob := job.NewInterruptedSettlementJob(
		settlementRepo,
		settlementService.IsActive,
		cfg.Terminal.ID,
		cfg.Business.InterruptedAfterMinutes,
	)
	go interruptedJob.Start(ctx)

	router := handler.SetupRouter(settlementService)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d, 终端: %s", cfg.Server.Port, cfg.Terminal.ID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	// 进行中的交易会被标记为 interrupted
	if err := settlementService.Shutdown(shutdownCtx); err != nil {
		log.Printf("等待结算交易退出超时: %v", err)
	}

	cancel()

	log.Println("服务已关闭")
}
