package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/prietto/microservices-dapr/common/config"
	"github.com/prietto/microservices-dapr/common/discovery"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/logger"
	"github.com/prietto/microservices-dapr/common/tracing"
)

func main() {
	serviceName := config.GetEnv("SERVICE_NAME", events.ServicePayment)
	cfg := Config{
		ServiceName: serviceName,
		InstanceID:  config.GetEnv("INSTANCE_ID", discovery.GenerateInstanceID(serviceName)),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", "localhost:8004"),
		MetricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9104"),
		ConsulAddr:  config.GetEnv("CONSUL_ADDR", "localhost:8500"),
		AMQPUser:    config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:    config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:    config.GetEnv("AMQP_HOST", "localhost"),
		AMQPPort:    config.GetEnv("AMQP_PORT", "5672"),
		MongoURI:    config.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		AuthToken:   config.GetEnv("PUBSUB_AUTH_TOKEN", "dapr-microservices-poc-token-2025"),
		StripeKey:   config.GetEnv("STRIPE_SECRET_KEY", ""),
		MaxAmount:   float64(config.GetEnvInt("PAYMENT_MAX_AMOUNT", 10000)),
	}

	log := logger.NewLogger(cfg.ServiceName)
	log.Info("starting service",
		slog.String("instance_id", cfg.InstanceID),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	shutdown, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdown()

	app, err := NewApp(cfg)
	if err != nil {
		log.Error("failed to create app", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		if err := app.Shutdown(ctx); err != nil {
			log.Error("error during shutdown", slog.Any("error", err))
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start app", slog.Any("error", err))
		os.Exit(1)
	}
}
