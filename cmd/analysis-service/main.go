package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blastpit/internal/analysis/controller"
	"blastpit/internal/analysis/repository"
	"blastpit/internal/analysis/service"
	"blastpit/internal/common/auth"
	"blastpit/internal/common/cache"
	commonmw "blastpit/internal/common/http/middleware"
	"blastpit/internal/common/mq"
	"blastpit/internal/common/storage"
	"blastpit/internal/metrics"
	"blastpit/internal/sandbox"
	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/hardening"
	"blastpit/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/analysis_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	if appCfg.Hardening.Enabled {
		profile := hardening.DefaultProfile()
		if appCfg.Hardening.ProfilePath != "" {
			profile, err = hardening.LoadProfile(appCfg.Hardening.ProfilePath)
			if err != nil {
				logger.Error(context.Background(), "load hardening profile failed", zap.Error(err))
				return
			}
		}
		if err := hardening.Apply(profile); err != nil {
			logger.Error(context.Background(), "apply hardening profile failed", zap.Error(err))
			return
		}
		logger.Info(context.Background(), "host hardening applied")
	}

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	metricsCollector := metrics.New()
	eventFeed := repository.NewRedisEventSink(redisCache, appCfg.Analysis.EventFeedCap)
	streamHub := controller.NewEventHub()

	manager, err := sandbox.New(sandbox.Config{
		MaxInstances: appCfg.Sandbox.MaxInstances,
		MaxCodeBytes: appCfg.Sandbox.MaxCodeBytes,
		EventSink:    event.MultiSink{metricsCollector, eventFeed, streamHub},
	})
	if err != nil {
		logger.Error(context.Background(), "init sandbox manager failed", zap.Error(err))
		return
	}

	recordRepo := repository.NewAnalysisRepositoryWithTTL(redisCache, appCfg.Analysis.RecordTTL, appCfg.Analysis.RecordIndexCap)
	reportPublisher := repository.NewMQReportPublisher(mqClient, appCfg.Analysis.ReportTopic)

	analysisService, err := service.NewAnalysisService(service.Config{
		Manager:         manager,
		Repo:            recordRepo,
		Publisher:       reportPublisher,
		Storage:         objStorage,
		Cache:           redisCache,
		MQ:              mqClient,
		Metrics:         metricsCollector,
		TaskTopic:       appCfg.Analysis.TaskTopic,
		SampleBucket:    appCfg.Analysis.SampleBucket,
		SampleKeyPrefix: appCfg.Analysis.SampleKeyPrefix,
		MaxSampleBytes:  appCfg.Analysis.MaxSampleBytes,
		MaxConcurrent:   appCfg.Analysis.MaxConcurrent,
		AcquireTimeout:  appCfg.Analysis.AcquireTimeout,
		DedupeTTL:       appCfg.Analysis.DedupeTTL,
		DeleteSamples:   appCfg.Analysis.DeleteSamples,
		Timeouts:        appCfg.Analysis.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init analysis service failed", zap.Error(err))
		return
	}

	revocations := auth.NewCacheRevocationStore(redisCache)
	verifier := auth.NewVerifier(appCfg.Auth.Secret, appCfg.Auth.Issuer, revocations)

	taskConsumerOpts := appCfg.Analysis.Consumer.toSubscribeOptions()
	taskConsumerOpts.SetDefaults()
	if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Analysis.TaskTopic, analysisService.HandleTaskMessage, &taskConsumerOpts); err != nil {
		logger.Error(context.Background(), "subscribe task topic failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, serverDeps{
		manager:     manager,
		analysis:    analysisService,
		feed:        eventFeed,
		revocations: revocations,
		verifier:    verifier,
		metrics:     metricsCollector,
		hub:         streamHub,
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "analysis http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
	if err := manager.Cleanup(ctx); err != nil {
		logger.Warn(context.Background(), "sandbox cleanup failed", zap.Error(err))
	}
}

type serverDeps struct {
	manager     *sandbox.Manager
	analysis    *service.AnalysisService
	feed        *repository.RedisEventSink
	revocations *auth.CacheRevocationStore
	verifier    *auth.Verifier
	metrics     *metrics.Collector
	hub         *controller.EventHub
}

func buildHTTPServer(cfg ServerConfig, deps serverDeps) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(deps.metrics.Middleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(deps.metrics.Handler()))

	instanceController := controller.NewInstanceController(deps.manager)
	analysisController := controller.NewAnalysisController(deps.analysis, deps.feed, deps.revocations)
	streamController := controller.NewStreamController(deps.manager, deps.hub)

	api := router.Group("/api/v1")

	instances := api.Group("/instances")
	instances.GET("", instanceController.List)
	instances.GET("/status", instanceController.StatusAll)
	instances.GET("/:id", instanceController.GetStatus)
	instances.GET("/:id/events", instanceController.Events)

	// Everything that mutates an instance, plus the live feed, needs a
	// verified bearer token.
	ownedInstances := instances.Group("", commonmw.RequireAuth(deps.verifier))
	ownedInstances.POST("", instanceController.Create)
	ownedInstances.POST("/:id/execute", instanceController.Execute)
	ownedInstances.POST("/:id/pause", instanceController.Pause)
	ownedInstances.POST("/:id/resume", instanceController.Resume)
	ownedInstances.POST("/:id/terminate", instanceController.Terminate)
	ownedInstances.POST("/:id/snapshots", instanceController.CreateSnapshot)
	ownedInstances.POST("/:id/restore", instanceController.RestoreSnapshot)
	ownedInstances.GET("/:id/events/stream", streamController.Stream)

	api.GET("/analyses", analysisController.List)
	api.GET("/analyses/stats", analysisController.Stats)
	api.GET("/analyses/:id", analysisController.GetStatus)
	api.GET("/samples", analysisController.ListSamples)
	api.GET("/events/recent", analysisController.RecentEvents)

	protected := api.Group("", commonmw.RequireAuth(deps.verifier))
	protected.POST("/analyses", analysisController.Submit)
	protected.POST("/samples", analysisController.UploadSample)

	admin := api.Group("", commonmw.RequireAuth(deps.verifier, "admin"))
	admin.POST("/auth/revoke", analysisController.RevokeToken)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
