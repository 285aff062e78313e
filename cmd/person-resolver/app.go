package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/info-baruzotech/posthog/config"
	"github.com/info-baruzotech/posthog/internal/repositories/person"
	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/errortracking"
	"github.com/info-baruzotech/posthog/pkg/identity"
	"github.com/info-baruzotech/posthog/pkg/kafka"
	"github.com/info-baruzotech/posthog/pkg/processor"
	"github.com/info-baruzotech/posthog/pkg/redis"
	"github.com/info-baruzotech/posthog/pkg/routes/health"
	"github.com/info-baruzotech/posthog/pkg/startup"
	"github.com/info-baruzotech/posthog/pkg/tracing"
	"github.com/info-baruzotech/posthog/pkg/tracing/exporters"
	"github.com/info-baruzotech/posthog/pkg/warnings"
)

const version = "0.1.0"

// app holds the components built during startup
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	sqlDB     *sqlx.DB
	db        database.DB
	redis     *redis.Client
	producer  *kafka.Producer
	sink      *warnings.Sink
	consumers []*kafka.Consumer
	checker   *health.Checker
	server    *echo.Echo
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Exporter:    cfg.TracingExporter,
		SampleRatio: cfg.TracingSampleRatio,
		OTLP: exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
			Headers:  cfg.OTLPHeaders,
			Timeout:  cfg.OTLPTimeout,
		},
	}, logger)
	if err != nil {
		return err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		checker: health.NewChecker(version, 2*time.Second),
	}

	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	s.AddDependency(&startup.Dependency{Name: "database", OnStart: a.startDatabase, OnStop: a.stopDatabase})
	s.AddDependency(&startup.Dependency{Name: "redis", OnStart: a.startRedis, OnStop: a.stopRedis})
	s.AddDependency(&startup.Dependency{Name: "producer", OnStart: a.startProducer, OnStop: a.stopProducer})
	s.AddDependency(&startup.Dependency{
		Name:     "warnings",
		Requires: []string{"redis", "producer"},
		OnStart:  a.startWarnings,
		OnStop:   a.stopWarnings,
	})
	s.AddDependency(&startup.Dependency{
		Name:     "consumers",
		Requires: []string{"database", "producer", "warnings"},
		OnStart:  a.startConsumers,
		OnStop:   a.stopConsumers,
	})
	s.AddDependency(&startup.Dependency{Name: "http", OnStart: a.startHTTP, OnStop: a.stopHTTP})

	startErr := s.Start(ctx)
	if startErr == nil {
		a.checker.SetReady(true)
		logger.Info("person-resolver started")
		<-ctx.Done()
		logger.Info("Shutting down")
	}
	a.checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopErr := s.Stop(stopCtx)
	tracingErr := shutdownTracing(stopCtx)

	return errors.Join(startErr, stopErr, tracingErr)
}

func (a *app) startDatabase(ctx context.Context) error {
	sqlDB, err := sqlx.ConnectContext(ctx, "postgres", a.cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	sqlDB.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	sqlDB.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	if a.cfg.DatabaseMigrationsEnabled {
		migrator := database.NewMigrator(database.MigrationConfig{
			Path:         a.cfg.DatabaseMigrationFolderPath,
			Version:      a.cfg.DatabaseMigrationVersion,
			Force:        a.cfg.DatabaseMigrationForce,
			AutoRollback: a.cfg.DatabaseMigrationAutoRollback,
		}, a.logger)
		if err := migrator.Run(sqlDB, a.cfg.DatabaseName); err != nil {
			_ = sqlDB.Close()
			return err
		}
	}

	a.sqlDB = sqlDB
	a.db = database.NewDatabaseInstance(sqlDB, a.logger)
	a.checker.AddCheck("database", a.db.PingContext)
	return nil
}

func (a *app) stopDatabase(_ context.Context) error {
	if a.sqlDB == nil {
		return nil
	}
	return a.sqlDB.Close()
}

func (a *app) startRedis(_ context.Context) error {
	if !a.cfg.RedisEnabled {
		a.logger.Info("Redis disabled, ingestion warnings are not debounced")
		return nil
	}
	client, err := redis.NewClient(redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.checker.AddCheck("redis", client.Ping)
	return nil
}

func (a *app) stopRedis(_ context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) startProducer(_ context.Context) error {
	a.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: a.cfg.KafkaBatchTimeout,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	return nil
}

func (a *app) stopProducer(_ context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) startWarnings(_ context.Context) error {
	var limiter warnings.Limiter
	if a.redis != nil {
		limiter = redis.NewDebouncer(a.redis, "ingestion_warning:", a.cfg.WarningDebounce, a.logger)
	}
	a.sink = warnings.NewSink(warnings.Config{
		Topic:          a.cfg.KafkaIngestionWarningsTopic,
		Source:         a.cfg.WarningSource,
		BufferSize:     a.cfg.WarningBufferSize,
		PublishTimeout: a.cfg.WarningPublishTimeout,
	}, a.producer, limiter, a.logger)
	a.sink.Start()
	return nil
}

func (a *app) stopWarnings(_ context.Context) error {
	if a.sink == nil {
		return nil
	}
	return a.sink.Close()
}

func (a *app) startConsumers(ctx context.Context) error {
	service := identity.NewService(identity.Dependencies{
		Store: person.NewRepository(a.db, person.Topics{
			Persons:     a.cfg.KafkaPersonsTopic,
			DistinctIDs: a.cfg.KafkaDistinctIDsTopic,
		}, a.logger),
		Reassigners: []identity.OwnerReassigner{
			person.NewCohortMembershipReassigner(a.db),
			person.NewFeatureFlagOverrideReassigner(a.db),
		},
		Producer: a.producer,
		Warnings: a.sink,
		Errors:   errortracking.NewReporter("person-resolver", a.logger),
		Logger:   a.logger,
	}, identity.Options{
		Merge: identity.MergeOptions{
			MaxAttempts: a.cfg.MergeMaxAttempts,
			EmbraceJoin: a.cfg.EmbraceJoin,
		},
		IdentifyWarnAfter: a.cfg.IdentifyWarnAfter,
	})

	proc := processor.NewProcessor(service, a.producer, processor.Config{
		EventsWithPersonTopic: a.cfg.KafkaEventsWithPersonTopic,
		DeferPersonProperties: a.cfg.DeferPersonProperties,
	}, a.logger)

	for i := 0; i < a.cfg.ConsumerCount; i++ {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       a.cfg.KafkaBrokers,
			Topic:         a.cfg.KafkaEventsTopic,
			ConsumerGroup: a.cfg.KafkaConsumerGroup,
		}, a.logger, proc.ProcessMessage)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		a.consumers = append(a.consumers, consumer)
	}

	consumers := a.consumers
	a.checker.AddCheck("consumers", func(context.Context) error {
		for _, consumer := range consumers {
			if !consumer.Health() {
				return errors.New("consumer not running")
			}
		}
		return nil
	})
	return nil
}

func (a *app) stopConsumers(_ context.Context) error {
	var errs []error
	for _, consumer := range a.consumers {
		errs = append(errs, consumer.Stop())
	}
	a.consumers = nil
	return errors.Join(errs...)
}

func (a *app) startHTTP(_ context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware(a.cfg.AppName))

	a.checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		ReadTimeout:  time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
	}

	go func() {
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	a.server = e
	a.logger.Infof("HTTP server listening on %s", server.Addr)
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
