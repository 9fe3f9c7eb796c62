package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"waflow/internal/ack"
	"waflow/internal/broker"
	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/crm"
	"waflow/internal/event"
	"waflow/internal/idempotency"
	"waflow/internal/ingest"
	"waflow/internal/instance"
	"waflow/internal/logger"
	"waflow/internal/poll"
	"waflow/internal/poller"
	"waflow/internal/queue"
	"waflow/internal/storage"
	"waflow/internal/webhook"
	"waflow/pkg/bootstrap"
	"waflow/pkg/health"
	"waflow/pkg/metrics"
	"waflow/pkg/middleware"
	"waflow/pkg/ratelimit"
	"waflow/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	postgres    *sql.DB
	redisClient *redis.Client
	mongoClient *mongo.Client

	queue          *queue.Queue
	webhookHandler *webhook.Handler
	exporter       broker.Exporter
	brokerPoller   *poller.Poller
	tracerProvider *tracing.TracerProvider
	router         *gin.Engine
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("ingest-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "ingest-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterIngestMetrics()
	metrics.RegisterPollerMetrics()
	if len(a.Config.Export.Brokers) > 0 {
		metrics.RegisterExportMetrics()
	}
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initComponents(ctx); err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.postgres = db

	if a.Config.Database.RunMigrations {
		if err := storage.RunMigrations(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.Logger.Info("Database migrations applied")
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redisClient = rdb

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	a.mongoClient = mongoClient

	return nil
}

func (a *App) initComponents(ctx context.Context) error {
	messageStore := storage.NewMessageStore(a.postgres)
	resolver := instance.NewResolver(instance.NewRepository(a.postgres), a.Config.Webhook.DefaultInstance, a.Logger)

	var idemRepo idempotency.Repository
	if a.redisClient != nil {
		idemRepo = idempotency.NewRepository(a.redisClient)
	}
	guard := idempotency.NewGuard(a.Config.Idempotency, a.Config.CircuitBreaker, idemRepo, a.Logger)

	crmClient := crm.NewClient(a.Config.CRM, a.Config.CircuitBreaker, a.Logger)

	if len(a.Config.Export.Brokers) > 0 {
		a.exporter = broker.NewKafkaExporter(a.Config.Export, a.Logger)
		a.Logger.Infow("Export firehose enabled", "topic", a.Config.Export.Topic)
	}

	ingestService := ingest.NewService(crmClient, a.exporter, a.Config.CRM.Retry, a.Logger)
	a.queue = queue.New(ctx, ingestService.Consume, a.Logger)

	parser := event.NewParser()
	normalizer := event.NewNormalizer(resolver, a.Config.Webhook.DefaultInstance, a.Logger)
	reconciler := ack.NewReconciler(messageStore, guard, crmClient, a.Logger)

	var pollRepo poll.Repository
	if a.mongoClient != nil {
		pollRepo = poll.NewRepository(a.mongoClient.Database(a.Config.Database.MongoDB.Database))
	} else {
		pollRepo = poll.NewMemoryRepository()
		a.Logger.Warnw("MongoDB not configured, poll state held in memory")
	}

	bus := poll.NewBus()
	bus.Subscribe(poll.MetricsListener())
	bus.Subscribe(poll.LoggingListener(a.Logger))

	rewriteDelay := a.Config.Poll.RewriteRetryDelay
	if rewriteDelay <= 0 {
		rewriteDelay = constants.DefaultRewriteDelay
	}
	rewriter := poll.NewRewriter(messageStore, pollRepo, crmClient, poll.NewTimerScheduler(), bus, rewriteDelay, a.Logger)
	pollPipeline := poll.NewPipeline(pollRepo, guard, rewriter, bus, parser, a.Logger)

	dispatcher := webhook.NewDispatcher(parser, normalizer, resolver, guard, reconciler, pollPipeline, a.queue, a.Logger)
	a.webhookHandler = webhook.NewHandler(a.Config.Webhook, dispatcher, a.Logger)

	var cursors poller.CursorRepository
	if a.redisClient != nil {
		cursors = poller.NewRedisCursorRepository(a.redisClient)
	} else {
		cursors = poller.NewMemoryCursorRepository()
	}
	source := broker.NewClient(a.Config.Broker, a.Logger)
	a.brokerPoller = poller.New(source, cursors, func(dCtx context.Context, raw map[string]interface{}) {
		dispatcher.Dispatch(dCtx, raw, "poller")
	}, a.Config.Poller, a.Config.Broker, a.Logger)

	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("ingest-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger, "/health", "/metrics"))
	router.Use(middleware.RequestIDMiddleware())

	webhooks := router.Group("/webhooks")
	if a.Config.Webhook.RateLimit.Enabled {
		rateLimitConfig := ratelimit.DefaultConfig()
		if a.Config.Webhook.RateLimit.Window > 0 {
			rateLimitConfig.Window = a.Config.Webhook.RateLimit.Window
		}
		if a.Config.Webhook.RateLimit.MaxRequests > 0 {
			rateLimitConfig.MaxRequests = a.Config.Webhook.RateLimit.MaxRequests
		}
		webhooks.Use(ratelimit.Middleware(rateLimitConfig))
	}
	webhooks.POST("/whatsapp", a.webhookHandler.Receive)
	webhooks.GET("/whatsapp", a.webhookHandler.Verify)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.postgres))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	a.brokerPoller.Start(gCtx)

	g.Go(func() error {
		<-gCtx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	a.brokerPoller.Stop()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Errorw("HTTP server shutdown error", "error", err)
	}

	// Let in-flight ingestion jobs finish before the stores go away.
	if err := a.queue.WaitForIdle(shutdownCtx); err != nil {
		a.Logger.Warnw("Queue did not drain before shutdown deadline", "depth", a.queue.Depth())
	}

	return a.Shutdown(shutdownCtx, func(sCtx context.Context) []error {
		var errs []error
		if a.exporter != nil {
			if err := a.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("exporter close error: %w", err))
			}
		}
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(sCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracing shutdown error: %w", err))
			}
		}
		errs = append(errs, a.dbConnector.ShutdownDatabases(sCtx, a.redisClient, a.postgres, a.mongoClient)...)
		return errs
	})
}
