package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/discovery"
	"github.com/prietto/microservices-dapr/common/discovery/consul"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/logger"
	"github.com/prietto/microservices-dapr/common/metrics"
	"github.com/prietto/microservices-dapr/payments/processor"
)

type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	MetricsAddr string
	ConsulAddr  string
	AMQPUser    string
	AMQPPass    string
	AMQPHost    string
	AMQPPort    string
	MongoURI    string
	AuthToken   string
	StripeKey   string
	MaxAmount   float64
}

type App struct {
	config        Config
	logger        *slog.Logger
	registry      discovery.Registry
	registration  *discovery.ServiceRegistration
	channel       *amqp.Channel
	closeRabbitMQ func() error
	mongoClient   *mongo.Client
	store         *MongoStore
	bus           *broker.EventBus
	service       *PaymentService
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

	mongoClient, err := connectToMongoDB(cfg.MongoURI)
	if err != nil {
		closeRabbitMQ()
		return nil, err
	}
	log.Info("mongodb connected successfully")
	store := NewMongoStore(mongoClient)

	var proc processor.PaymentProcessor
	if cfg.StripeKey != "" {
		proc = processor.NewStripeProcessor(cfg.StripeKey)
		log.Info("stripe processor enabled")
	} else {
		proc = processor.NewSimulatedProcessor(cfg.MaxAmount)
		log.Info("stripe key not provided, using simulated processor",
			slog.Float64("max_amount", cfg.MaxAmount),
		)
	}
	proc = processor.NewTelemetryMiddleware(proc)

	busMetrics := metrics.NewBusMetrics(cfg.ServiceName)
	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)

	bus := broker.NewEventBus(ch, cfg.ServiceName, events.PubsubName, cfg.AuthToken, log, busMetrics)
	svc := NewPaymentService(store, proc, bus, log, businessMetrics)
	validator := NewDeletionValidator(store, bus, log)
	registerSubscriptions(bus, svc, validator)

	mux := http.NewServeMux()
	newHTTPHandler(svc, bus, log, httpMetrics).registerRoutes(mux)

	return &App{
		config:        cfg,
		logger:        log,
		registry:      registry,
		channel:       ch,
		closeRabbitMQ: closeRabbitMQ,
		mongoClient:   mongoClient,
		store:         store,
		bus:           bus,
		service:       svc,
		httpServer:    &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.store.EnsureIndexes(ctx); err != nil {
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

	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.logger.Error("error disconnecting mongodb", slog.Any("error", err))
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func connectToMongoDB(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr, log)
}
