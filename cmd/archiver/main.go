package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/config"
	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
	"mailarchive/backend/internal/logger"
	"mailarchive/backend/internal/mailparse"
	"mailarchive/backend/internal/monitoring"
	"mailarchive/backend/internal/storage/memory"
	"mailarchive/backend/internal/storage/shard"
	sqlstore "mailarchive/backend/internal/storage/sql"
	httptransport "mailarchive/backend/internal/transport/http"
)

// main 是归档服务的程序入口：控制面 HTTP API 加上后台轮询守护进程。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()
	log.Info("starting mail archive server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化索引存储：配置了数据库用 SQL，否则用内存存储
	var store domain.Store
	if cfg.Database.Type != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			log.Fatal("failed to initialize database", zap.Error(err))
		}
		log.Info("using sql index store", zap.String("driver", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory index store")
	}
	defer store.Close()

	// 初始化分片文件存储
	allocator, err := shard.NewAllocator(store, cfg.Storage.Path, cfg.Storage.MaxSubdirs, log)
	if err != nil {
		log.Fatal("failed to initialize shard storage", zap.Error(err))
	}
	log.Info("shard storage initialized",
		zap.String("path", cfg.Storage.Path),
		zap.Int("max_subdirs", cfg.Storage.MaxSubdirs),
	)

	// 初始化归档管线：解析 -> 写入 -> 获取
	parser := mailparse.NewParser(mailparse.Options{
		SaveContentTypePrefixes: cfg.Parser.SaveContentTypePrefixes,
		SkipContentTypeSuffixes: cfg.Parser.SkipContentTypeSuffixes,
	}, log)
	writer := archive.NewWriter(store, allocator, log)
	metrics := monitoring.NewMetrics()
	f := fetcher.New(store, fetcher.NewProtocolDialer(), parser, writer, metrics, fetcher.Config{
		ThrowOutSpam: cfg.Parser.ThrowOutSpam,
		Timeout:      cfg.Daemon.FetchTimeout,
	}, log)

	// 初始化守护进程注册表并恢复之前运行的守护进程
	registry := daemon.NewRegistry(store, f, metrics, daemon.Options{
		LogDir:        cfg.Log.Directory,
		LogMaxSizeMB:  cfg.Log.MaxSizeMB,
		LogMaxBackups: cfg.Log.MaxBackups,
	}, log)
	if started, err := registry.StartAll(); err != nil {
		log.Error("failed to autostart daemons", zap.Error(err))
	} else if started > 0 {
		log.Info("daemons autostarted", zap.Int("count", started))
	}

	// 创建 HTTP 路由
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:    cfg,
		Store:     store,
		Fetcher:   f,
		Writer:    writer,
		Registry:  registry,
		Allocator: allocator,
		Metrics:   metrics,
		Logger:    log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// HTTP 服务器
	g.Go(func() error {
		log.Info("control server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// 收到信号后先停守护进程（保留运行标记），再停 HTTP 服务器
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		registry.StopAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown error", zap.Error(err))
		return
	}
	log.Info("server stopped cleanly")
}
