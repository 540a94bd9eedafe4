package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/streamscribe/config"
	"github.com/yoockh/streamscribe/internal/api/handlers"
	"github.com/yoockh/streamscribe/internal/api/middleware"
	"github.com/yoockh/streamscribe/internal/api/routes"
	"github.com/yoockh/streamscribe/internal/cache"
	"github.com/yoockh/streamscribe/internal/logger"
	"github.com/yoockh/streamscribe/internal/providers/llm"
	"github.com/yoockh/streamscribe/internal/providers/stt"
	mongorepo "github.com/yoockh/streamscribe/internal/repositories/mongo"
	pgrepo "github.com/yoockh/streamscribe/internal/repositories/postgres"
	"github.com/yoockh/streamscribe/internal/services"
	"github.com/yoockh/streamscribe/internal/storage"
	"github.com/yoockh/streamscribe/internal/upstream"
	"github.com/yoockh/streamscribe/internal/workers"
)

func main() {
	_ = godotenv.Load()

	settings := config.LoadSettings()
	log := logger.NewWithLevel(settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backends are optional; each feature degrades when its store is absent.
	mongoOK := initBackend(log, "mongodb", config.InitMongo)
	if mongoOK {
		if err := config.EnsureMongoIndexes(); err != nil {
			log.WithError(err).Warn("mongodb index setup failed")
		}
	}
	pgOK := initBackend(log, "postgres", config.InitPostgres)
	redisOK := initBackend(log, "redis", config.InitRedis)

	// Stream path
	buffer := services.NewTranscriptBuffer()
	manager := upstream.NewManager(upstream.Config{
		URL:            settings.UpstreamURL,
		ConnectTimeout: settings.UpstreamConnectTimeout,
		FlushDeadline:  settings.FlushDeadline,
		Logger:         logger.WithComponent(log, "upstream"),
	}, buffer)
	if redisOK {
		manager.AddListener(services.NewTranscriptPublisher(config.RedisClient, logger.WithComponent(log, "publisher")))
	}

	// AI providers
	catalog := llm.NewCatalog(llm.DefaultFactory, logger.WithComponent(log, "llm"))
	defer catalog.Close()
	orch := llm.NewOrchestrator(llm.OrchestratorConfig{
		Source:      config.NewProviderFileSource(settings.ProvidersFile),
		Resolver:    catalog,
		CallTimeout: settings.ProviderCallTimeout,
		Logger:      logger.WithComponent(log, "llm"),
	})

	// Persistence
	var (
		sessionSvc  services.SessionService
		convoSvc    services.ConversationService
		analysesRep mongorepo.AnalysisRepository
		recordings  pgrepo.RecordingRepository
	)
	if mongoOK {
		db := config.MongoDatabase()
		sessionSvc = services.NewSessionService(mongorepo.NewSessionRepo(db))
		analysesRep = mongorepo.NewAnalysisRepo(db)
	}
	if pgOK {
		convoSvc = services.NewConversationService(pgrepo.NewConversationRepo(config.PostgresDB))
		recordings = pgrepo.NewRecordingRepo(config.PostgresDB)
	}

	var analysisCache cache.Cache = cache.NewMemoryCache()
	var queue services.AnalysisQueue
	if redisOK {
		analysisCache = cache.NewRedisCache(config.RedisClient, "")
		if mongoOK || pgOK {
			queue = workers.NewAnalysisQueue(config.RedisClient, "")
			pool := &workers.AnalysisWorkerPool{
				Redis:      config.RedisClient,
				Analyses:   services.NewAnalysisService(analysesRep, convoSvc, logger.WithComponent(log, "analysis")),
				NumWorkers: settings.AnalysisWorkers,
				Logger:     logger.WithComponent(log, "workers"),
			}
			if err := pool.Start(ctx); err != nil {
				log.WithError(err).Fatal("analysis workers")
			}
		}
	}

	transcriptions := services.NewTranscriptionService(services.TranscriptionConfig{
		Buffer:       buffer,
		Upstream:     manager,
		LLM:          orch,
		Cache:        analysisCache,
		Queue:        queue,
		SettleDelay:  settings.ProcessSettleDelay,
		Lookback:     settings.TranscriptLookback,
		SystemPrompt: settings.SystemPrompt,
		CacheTTL:     settings.AnalysisCacheTTL,
		Retention:    settings.AnalysisRetention,
		Logger:       logger.WithComponent(log, "transcription"),
	})

	// One-shot recognition
	var speech stt.Provider
	if settings.GoogleSpeechEnabled {
		g, err := stt.NewGoogleSpeech(ctx)
		if err != nil {
			log.WithError(err).Warn("google speech disabled")
		} else {
			defer g.Close()
			speech = g
		}
	}
	var uploader storage.Uploader
	if settings.GCSBucket != "" {
		u, err := storage.NewGCSUploader(ctx, settings.GCSBucket)
		if err != nil {
			log.WithError(err).Warn("recording archive disabled")
		} else {
			defer u.Close()
			uploader = u
		}
	}
	recordingSvc := services.NewRecordingService(speech, recordings, uploader, logger.WithComponent(log, "recording"))

	deps := routes.Deps{
		System:        handlers.NewSystemHandler(orch, manager, buffer, settings.UpstreamURL),
		Transcription: handlers.NewTranscriptionHandler(transcriptions),
		Recording:     handlers.NewRecordingHandler(recordingSvc),
		Session:       handlers.NewSessionHandler(sessionSvc, manager),
		WS:            handlers.NewWSHandler(manager, sessionSvc, settings.StreamEndGrace, logger.WithComponent(log, "ws")),
	}
	if convoSvc != nil {
		deps.Conversation = handlers.NewConversationHandler(convoSvc)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log), middleware.Metrics())
	routes.RegisterRoutes(r, deps)

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": settings.Port, "upstream": settings.UpstreamURL}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	manager.Close()

	if config.RedisClient != nil {
		_ = config.RedisClient.Close()
	}
	if config.MongoClient != nil {
		_ = config.MongoClient.Disconnect(shutdownCtx)
	}
}

func initBackend(log *logrus.Logger, name string, initFn func() error) bool {
	err := initFn()
	switch {
	case err == nil:
		log.WithField("backend", name).Info("connected")
		return true
	case errors.Is(err, config.ErrNotConfigured):
		log.WithField("backend", name).Info("not configured, skipping")
	default:
		log.WithError(err).WithField("backend", name).Warn("connect failed, continuing without it")
	}
	return false
}
