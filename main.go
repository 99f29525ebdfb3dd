package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/api"
	"github.com/AtRiskMedia/surveykiosk-go/cache"
	"github.com/AtRiskMedia/surveykiosk-go/config"
	"github.com/AtRiskMedia/surveykiosk-go/email"
	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/queue"
	"github.com/AtRiskMedia/surveykiosk-go/scheduler"
	"github.com/AtRiskMedia/surveykiosk-go/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found -- config defaults will be used")
	}

	logger, err := logging.NewChanneledLogger(logging.DefaultLoggerConfig())
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	logger.LogStartupPhase("boot", true, map[string]any{
		"kioskId": config.KioskID,
		"port":    config.Port,
	})

	st, err := store.New(config.StoreDriver, config.StoreDSN, config.StoreMaxBytes, logger)
	if err != nil {
		log.Fatalf("Failed to open durable store: %v", err)
	}
	defer st.Close()
	logger.LogStartupPhase("store", true, map[string]any{"dsn": config.StoreDSN})

	submissionQueue := queue.NewSubmissionQueue(st, config.MaxQueueSize, logger)
	analyticsBatcher := queue.NewAnalyticsBatcher(st, config.MaxAnalyticsQueueSize, logger)

	engine := queue.NewEngine(queue.EngineConfig{
		SyncEndpoint:      config.SyncEndpoint,
		AnalyticsEndpoint: config.AnalyticsEndpoint,
		KioskID:           config.KioskID,
		MaxRetries:        config.SyncMaxRetries,
		BaseDelay:         config.SyncRetryBaseDelay,
		QuarantineAfter:   config.QuarantineAfterCycles,
	}, submissionQueue, analyticsBatcher, st, &http.Client{Timeout: 30 * time.Second}, logger)

	cacheManager, err := cache.NewManager(cache.Config{
		Root:             config.CacheDir,
		OriginURL:        config.OriginURL,
		Version:          config.CacheVersion,
		AppShellPath:     config.AppShellPath,
		VersionCheckPath: config.VersionCheckPath,
		MediaPathPrefix:  config.MediaPathPrefix,
		RemoteAPIPrefix:  config.RemoteAPIPrefix,
		CriticalAssets:   config.CriticalAssets,
		MediaAssets:      config.MediaAssets,
		RevalidateWindow: config.RevalidateWindow,
	}, &http.Client{Timeout: 60 * time.Second}, logger)
	if err != nil {
		log.Fatalf("Failed to create cache manager: %v", err)
	}

	hub := api.NewControlHub(logger)
	cacheManager.OnActivate(func(version string) {
		hub.Broadcast(models.ControlMessage{Type: models.MsgGenerationActive})
	})

	// Populate the generations before accepting traffic. Individual asset
	// failures are tolerated; only a broken cache root is fatal.
	if err := cacheManager.Install(context.Background()); err != nil {
		log.Fatalf("Failed to install cache generations: %v", err)
	}
	logger.LogStartupPhase("cache", true, map[string]any{"version": cacheManager.Version()})

	sched := scheduler.New(scheduler.Config{
		SyncInterval:        config.SyncInterval,
		UpdateCheckInterval: config.UpdateCheckInterval,
		ThrottleRetention:   config.ThrottleRetention,
	}, engine, cacheManager, logger, func() {
		hub.Broadcast(models.ControlMessage{Type: models.MsgBackgroundSync})
	})

	var alerts *email.Client
	if alerts, err = email.NewClient(); err != nil {
		logger.Alert().Info("Operator alerting disabled", "reason", err.Error())
		alerts = nil
	}

	handlers := &api.Handlers{
		Store:   st,
		Queue:   submissionQueue,
		Batcher: analyticsBatcher,
		Engine:  engine,
		Cache:   cacheManager,
		Sched:   sched,
		Hub:     hub,
		Alerts:  alerts,
		Logger:  logger,
	}
	handlers.RegisterControlHandlers()

	sched.Start()
	defer sched.Stop()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(api.RequestLogger(logger), gin.Recovery())
	r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	// The kiosk browser talks to the daemon on localhost only.
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:" + config.Port,
			"http://127.0.0.1:" + config.Port,
			"http://[::1]:" + config.Port,
			config.OriginURL,
		},
		AllowMethods: []string{
			"GET", "POST", "OPTIONS",
		},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
		},
		AllowCredentials: true,
	}))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/submissions", handlers.PostSubmission)
		v1.POST("/events", handlers.PostEvent)
		v1.GET("/status", handlers.GetStatus)
		v1.POST("/auth/login", handlers.Login)
		v1.GET("/control", hub.HandleConnection)

		protected := v1.Group("")
		protected.Use(api.AuthRequired())
		protected.POST("/sync", handlers.PostSync)
	}

	// Everything else is a resource request answered by the cache policy.
	r.NoRoute(handlers.ServeAsset)

	srv := &http.Server{
		Addr:    ":" + config.Port,
		Handler: r,
	}

	go func() {
		logger.System().Info("SurveyKiosk daemon listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Shutdown().Info("Shutdown signal received, draining")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Shutdown().Error("Forced shutdown", "error", err.Error())
	}
	logger.Shutdown().Info("SurveyKiosk daemon stopped")
}
