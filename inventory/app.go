package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/discovery"
	"github.com/prietto/microservices-dapr/common/discovery/consul"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/logger"
	"github.com/prietto/microservices-dapr/common/metrics"
)

type Config struct {
	ServiceName       string
	InstanceID        string
	HTTPAddr          string
	MetricsAddr       string
	ConsulAddr        string
	AMQPUser          string
	AMQPPass          string
	AMQPHost          string
	AMQPPort          string
	AMQPManagementURL string
	DatabaseURL       string
	RedisAddr         string
	CacheTTL          time.Duration
	AuthToken         string
}

type App struct {
	config        Config
	logger        *slog.Logger
	registry      discovery.Registry
	registration  *discovery.ServiceRegistration
	channel       *amqp.Channel
	closeRabbitMQ func() error
	pgStore       *PostgresStore
	cache         *ItemCache
	bus           *broker.EventBus
	service       *InventoryService
	httpServer    *http.Server
	metricsServer *http.Server
}

func NewApp(cfg Config) (*App, error) {
	log := logger.NewLogger(cfg.ServiceName)

	registry, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to rabbitmq",
		slog.String("host", cfg.AMQPHost),
		slog.String("port", cfg.AMQPPort),
	)
	ch, closeRabbitMQ, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort)
	if err != nil {
		return nil, err
	}
	log.Info("rabbitmq connected successfully")

	pgStore, err := NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		closeRabbitMQ()
		return nil, err
	}

	var store ItemStore = pgStore
	var cache *ItemCache
	if cfg.RedisAddr != "" {
		cache, err = NewItemCache(cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			closeRabbitMQ()
			pgStore.Close()
			return nil, err
		}
		store = NewCachedStore(pgStore, cache, log)
		log.Info("redis item cache enabled",
			slog.String("addr", cfg.RedisAddr),
			slog.Duration("ttl", cfg.CacheTTL),
		)
	} else {
		log.Info("redis address not provided, item cache disabled")
	}

	busMetrics := metrics.NewBusMetrics(cfg.ServiceName)
	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)

	bus := broker.NewEventBus(ch, cfg.ServiceName, events.PubsubName, cfg.AuthToken, log, busMetrics)
	svc := NewInventoryService(store, bus, log, businessMetrics)
	validator := NewDeletionValidator(bus, log)
	registerSubscriptions(bus, svc, validator)

	var management *broker.ManagementClient
	if cfg.AMQPManagementURL != "" {
		management = broker.NewManagementClient(cfg.AMQPManagementURL, cfg.AMQPUser, cfg.AMQPPass)
	}

	mux := http.NewServeMux()
	newHTTPHandler(svc, bus, management, log, httpMetrics).registerRoutes(mux)

	return &App{
		config:        cfg,
		logger:        log,
		registry:      registry,
		channel:       ch,
		closeRabbitMQ: closeRabbitMQ,
		pgStore:       pgStore,
		cache:         cache,
		bus:           bus,
		service:       svc,
		httpServer:    &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.pgStore.Migrate(ctx); err != nil {
		return err
	}

	registration, err := discovery.RegisterService(ctx, a.registry, a.config.InstanceID, a.config.ServiceName, a.config.HTTPAddr)
	if err != nil {
		return err
	}
	a.registration = registration

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:    a.config.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		a.logger.Info("starting metrics server", slog.String("addr", a.config.MetricsAddr))
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	go func() {
		if err := a.bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("event bus stopped", slog.Any("error", err))
		}
	}()

	a.logger.Info("starting http server", slog.String("addr", a.config.HTTPAddr))
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("error shutting down http server", slog.Any("error", err))
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("error shutting down metrics server", slog.Any("error", err))
		}
	}

	if a.closeRabbitMQ != nil {
		if err := a.closeRabbitMQ(); err != nil {
			a.logger.Error("error closing rabbitmq", slog.Any("error", err))
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("error closing redis", slog.Any("error", err))
		}
	}

	if a.pgStore != nil {
		if err := a.pgStore.Close(); err != nil {
			a.logger.Error("error closing database", slog.Any("error", err))
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr, log)
}
