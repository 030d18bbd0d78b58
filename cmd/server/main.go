// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"omnichat-go/internal/config"
	"omnichat-go/internal/handler"
	"omnichat-go/internal/middleware"
	"omnichat-go/internal/model"
	"omnichat-go/internal/pipeline"
	"omnichat-go/internal/repository"
	"omnichat-go/internal/service"
	"omnichat-go/pkg/database"
	"omnichat-go/pkg/events"
	"omnichat-go/pkg/keylock"
	"omnichat-go/pkg/kafka"
	"omnichat-go/pkg/llm"
	"omnichat-go/pkg/log"
	"omnichat-go/pkg/storage"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径，为空时只使用默认值和环境变量")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")
	if cfg.LLM.APIKey == "" {
		log.Warnf("未配置 llm.api_key，AI 调用将返回认证错误")
	}

	// 3. 初始化数据库和 Redis
	db, err := database.Open(cfg.Database.Driver, cfg.Database.MySQL.DSN, cfg.Database.SQLite.Path)
	if err != nil {
		log.Fatal("数据库初始化失败", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatal("数据库迁移失败", err)
	}

	var rdb *redis.Client
	var historyCache repository.HistoryCache
	if cfg.Database.Redis.Addr != "" {
		rdb, err = database.NewRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		if err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		historyCache = repository.NewHistoryCache(rdb, cfg.Database.Redis.HistoryTTL)
	} else {
		log.Info("未配置 Redis，历史缓存已禁用")
	}

	// 4. 初始化上传暂存
	var stager storage.Stager
	switch cfg.Upload.Backend {
	case "minio":
		initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
		stager, err = storage.NewMinIOStager(initCtx, cfg.MinIO)
		cancelInit()
	default:
		stager, err = storage.NewLocalStager(cfg.Upload.Dir)
	}
	if err != nil {
		log.Fatal("上传暂存初始化失败", err)
	}

	// 5. 初始化对话事件：启用 Kafka 时由消费者处理，否则在进程内分发
	janitor := pipeline.NewJanitor(stager)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	var publisher events.Publisher
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		publisher = kafka.NewProducer(cfg.Kafka)
		consumer = kafka.NewConsumer(cfg.Kafka, rdb, janitor)
		go func() {
			if err := consumer.Run(consumerCtx); err != nil {
				log.Error("Kafka 消费者退出", err)
			}
		}()
	} else {
		publisher = events.NewDispatcher(janitor, 64)
	}

	// 6. 初始化 Repository 与 Service (依赖注入)
	defaultOwner := model.Owner{Username: cfg.Owner.Username, Email: cfg.Owner.Email}
	ownerRepo := repository.NewOwnerRepository(db)
	conversationRepo := repository.NewConversationRepository(db, defaultOwner)
	llmClient := llm.NewClient(cfg.LLM, nil)
	locks := keylock.New()

	chatService := service.NewChatService(conversationRepo, historyCache, llmClient, publisher, locks, service.ChatOptions{
		FallbackTitle:      cfg.Chat.FallbackTitle,
		DeriveTitleOnMedia: cfg.Chat.DeriveTitleOnMedia,
		StoreTimeout:       cfg.Database.Timeout,
		ProviderTimeout:    cfg.LLM.Timeout,
		TitleTimeout:       cfg.Chat.TitleTimeout,
	})
	conversationService := service.NewConversationService(conversationRepo, historyCache, publisher, locks, cfg.Database.Timeout)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.MaxMultipartMemory = cfg.Upload.MaxSize + 1<<20
	r.Use(middleware.RequestLogger(), gin.Recovery())

	handler.RegisterRoutes(r,
		middleware.Principal(ownerRepo, defaultOwner.Username, defaultOwner.Email),
		handler.NewConversationHandler(conversationService),
		handler.NewChatHandler(chatService, handler.NewUploader(stager, cfg.Upload.MaxSize)),
	)

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

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 先停止消费，再关闭发布端，进程内分发器会处理完已入队的事件
	stopConsumer()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}
	if err := publisher.Close(); err != nil {
		log.Errorf("关闭事件发布器失败: %v", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已优雅关闭")
}
