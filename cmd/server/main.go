// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"retro-ingest-go/internal/archive"
	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/internal/chunkstore"
	"retro-ingest-go/internal/config"
	"retro-ingest-go/internal/handler"
	"retro-ingest-go/internal/middleware"
	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/pipeline"
	"retro-ingest-go/internal/repository"
	"retro-ingest-go/internal/service"
	"retro-ingest-go/internal/sessionlock"
	"retro-ingest-go/pkg/database"
	"retro-ingest-go/pkg/hashing"
	"retro-ingest-go/pkg/kafka"
	"retro-ingest-go/pkg/log"
	"retro-ingest-go/pkg/storage"

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

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err := database.DB.AutoMigrate(&model.UploadSession{}, &model.UploadChunk{}); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	if cfg.MinIO.Enabled {
		storage.InitMinIO(cfg.MinIO)
	}

	// 4. 初始化 Repository 与基础设施
	sessionRepo := repository.NewSessionRepository(database.DB, database.RDB)
	catalogRepo := repository.NewCatalogRepository(database.DB, database.RDB)
	chunks, err := chunkstore.NewStore(cfg.Storage.StagingDir)
	if err != nil {
		log.Fatalf("初始化分片暂存失败: %v", err)
	}
	locks := sessionlock.NewRegistry()
	broadcaster := broadcast.NewBroadcaster()

	// 5. 初始化装配管道 (Processor) 与派发器
	processor := pipeline.NewProcessor(
		sessionRepo,
		catalogRepo,
		chunks,
		archive.NewGuard(cfg.Archive),
		broadcaster,
		locks,
		cfg.Storage,
		cfg.Archive,
		cfg.MinIO,
	)
	var dispatcher service.AssemblyDispatcher
	if cfg.Kafka.Enabled {
		kafka.InitProducer(cfg.Kafka)
		dispatcher = kafka.Dispatcher{}
		// 启动后台 Kafka 消费者驱动装配
		go kafka.StartConsumer(cfg.Kafka, processor)
	} else {
		dispatcher = pipeline.NewDirectDispatcher(processor)
	}

	// 6. 初始化 Service (依赖注入)
	sessionService := service.NewSessionService(
		sessionRepo, catalogRepo, chunks, broadcaster, dispatcher, locks, cfg.Upload)
	sweeper := service.NewSweeper(
		sessionRepo, catalogRepo, chunks, broadcaster, locks,
		time.Duration(cfg.Sweeper.IntervalMinutes)*time.Minute)

	// 7. 启动后台清扫器
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go sweeper.Start(sweepCtx)

	// 7.1 初始化导入 seedroms 目录：走标准会话流程导入（哈希查重保证幂等）
	go seedRoms(context.Background(), "seedroms", sessionService, cfg.Upload.DefaultChunkSize)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		sessions := apiV1.Group("/sessions")
		{
			sessionHandler := handler.NewSessionHandler(sessionService)
			sessions.POST("", sessionHandler.InitiateSession)
			sessions.GET("", sessionHandler.ListSessions)
			sessions.GET("/:id", sessionHandler.GetSession)
			sessions.POST("/:id/chunks", sessionHandler.UploadChunk)
			sessions.POST("/:id/complete", sessionHandler.CompleteSession)
			sessions.POST("/:id/cancel", sessionHandler.CancelSession)
		}

		maintenance := apiV1.Group("/maintenance")
		{
			maintenance.POST("/sweep", handler.NewMaintenanceHandler(sweeper).Sweep)
		}
	}
	// 进度事件推送 (WebSocket)，:id 为会话 ID 或 "all"
	r.GET("/ws/sessions/:id", handler.NewEventsHandler(broadcaster).SessionEvents)

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

	cancelSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// seedRoms 扫描目录下文件并通过标准会话流程导入（哈希查重幂等）。
func seedRoms(ctx context.Context, dir string, sessionSvc service.SessionService, chunkSize int64) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("seedRoms: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.Size() == 0 {
			log.Infof("seedRoms: 空文件跳过: %s", path)
			return nil
		}

		fileHash, size, err := hashing.HashFile(path)
		if err != nil {
			log.Warnf("seedRoms: 计算文件哈希失败: %s, err=%v", path, err)
			return nil
		}

		session, err := sessionSvc.Initiate(ctx, service.InitiateRequest{
			FileName:     info.Name(),
			FileSize:     size,
			DeclaredHash: fileHash,
			ChunkSize:    chunkSize,
		})
		if err != nil {
			// 重复哈希说明已导入过，静默跳过
			log.Infof("seedRoms: 跳过 %s: %v", info.Name(), err)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warnf("seedRoms: 打开文件失败: %s, err=%v", path, err)
			_ = sessionSvc.Cancel(ctx, session.ID)
			return nil
		}
		defer f.Close()

		for chunkIndex := 0; chunkIndex < session.TotalChunks; chunkIndex++ {
			offset := int64(chunkIndex) * session.ChunkSize
			toRead := session.ChunkSize
			if offset+toRead > size {
				toRead = size - offset
			}
			reader := io.NewSectionReader(f, offset, toRead)
			if _, err := sessionSvc.AdmitChunk(ctx, session.ID, chunkIndex, toRead, reader); err != nil {
				log.Warnf("seedRoms: 上传分片失败: %s, chunk=%d, err=%v", path, chunkIndex, err)
				_ = sessionSvc.Cancel(ctx, session.ID)
				return nil
			}
		}
		log.Infof("seedRoms: 导入完成并已触发装配: %s (sha256=%s)", info.Name(), fileHash)
		return nil
	})
	if walkErr != nil {
		log.Warnf("seedRoms: 遍历目录发生错误: %v", walkErr)
	}
}
