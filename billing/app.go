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
	"github.com/prietto/microservices-dapr/common/scheduler"
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
	AuthToken         string
	PaymentTimeout    time.Duration
	SweepInterval     time.Duration
}

type App struct {
	config        Config
	logger        *slog.Logger
	registry      discovery.Registry
	registration  *discovery.ServiceRegistration
	channel       *amqp.Channel
	closeRabbitMQ func() error
	store         *PostgresStore
	bus           *broker.EventBus
	timers        *scheduler.Scheduler
	orchestrator  *Orchestrator
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

	store, err := NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		closeRabbitMQ()
		return nil, err
	}

	busMetrics := metrics.NewBusMetrics(cfg.ServiceName)
	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)

	bus := broker.NewEventBus(ch, cfg.ServiceName, events.PubsubName, cfg.AuthToken, log, busMetrics)
	timers := scheduler.New()
	orch := NewOrchestrator(store, bus, timers, log, businessMetrics, cfg.PaymentTimeout)
	validator := NewDeletionValidator(store, bus, log)
	notifier := NewNotifier(log)
	registerSubscriptions(bus, orch, validator, notifier)

	var management *broker.ManagementClient
	if cfg.AMQPManagementURL != "" {
		management = broker.NewManagementClient(cfg.AMQPManagementURL, cfg.AMQPUser, cfg.AMQPPass)
	}

	mux := http.NewServeMux()
	newHTTPHandler(orch, bus, management, log, httpMetrics).registerRoutes(mux)

	return &App{
		config:        cfg,
		logger:        log,
		registry:      registry,
		channel:       ch,
		closeRabbitMQ: closeRabbitMQ,
		store:         store,
		bus:           bus,
		timers:        timers,
		orchestrator:  orch,
		httpServer:    &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
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
		if err := a.timers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("timer scheduler stopped", slog.Any("error", err))
		}
	}()

	// Crash recovery first, then the periodic sweep keeps coverage.
	a.orchestrator.SweepStalePayments(ctx)
	go a.sweepLoop(ctx)

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

func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.orchestrator.SweepStalePayments(ctx)
		}
	}
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

	if a.store != nil {
		if err := a.store.Close(); err != nil {
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
