package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/prietto/microservices-dapr/common/metrics"
)

// publishConfirmTimeout caps how long Publish waits for the broker ack when
// the caller's context has no earlier deadline.
const publishConfirmTimeout = 10 * time.Second

const authTokenHeader = "dapr-api-token"

// Publisher is the write side of the bus. Services depend on this interface
// so tests can swap in a recording fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Handler consumes one delivery body. Returning an error triggers the retry
// path; returning nil acks the message.
type Handler func(ctx context.Context, body []byte) error

// Subscription ties a topic to the consuming service's queue and the Dapr
// route exposed for introspection.
type Subscription struct {
	PubsubName string `json:"pubsubname"`
	Topic      string `json:"topic"`
	Queue      string `json:"queue"`
	Route      string `json:"route"`

	handler Handler
}

// EventBus is the single pub/sub seam per service: it publishes enveloped
// events with broker confirms and runs one consumer per subscribed topic.
type EventBus struct {
	channel     *amqp.Channel
	serviceName string
	pubsubName  string
	authToken   string
	logger      *slog.Logger
	metrics     *metrics.BusMetrics
	subs        []*Subscription
}

func NewEventBus(ch *amqp.Channel, serviceName, pubsubName, authToken string, logger *slog.Logger, busMetrics *metrics.BusMetrics) *EventBus {
	return &EventBus{
		channel:     ch,
		serviceName: serviceName,
		pubsubName:  pubsubName,
		authToken:   authToken,
		logger:      logger,
		metrics:     busMetrics,
	}
}

// Publish wraps payload in an envelope, stamps auth and trace headers and
// waits for the broker confirm. A nil error means the broker owns the
// message; any error means it does not, so callers can roll back state.
func (b *EventBus) Publish(ctx context.Context, topic string, payload any) error {
	body, err := NewEnvelope(b.serviceName, b.pubsubName, topic, payload).Marshal()
	if err != nil {
		b.metrics.RecordPublish(topic, err)
		return fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}

	headers := amqp.Table{authTokenHeader: b.authToken}
	InjectTraceContext(ctx, headers)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishConfirmTimeout)
		defer cancel()
	}

	dc, err := b.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		topic, // exchange per topic
		"",    // routing key, queues bind with ""
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		b.metrics.RecordPublish(topic, err)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		b.metrics.RecordPublish(topic, err)
		return fmt.Errorf("failed to confirm publish to %s: %w", topic, err)
	}
	if !acked {
		err = fmt.Errorf("broker rejected publish to %s", topic)
		b.metrics.RecordPublish(topic, err)
		return err
	}

	b.metrics.RecordPublish(topic, nil)
	b.logger.Info("event published", slog.String("topic", topic))
	return nil
}

// Subscribe registers a handler for topic. Must be called before Run; the
// queue name follows the <service>-<topic> convention so each service keeps
// its own cursor on the topic.
func (b *EventBus) Subscribe(topic string, h Handler) {
	b.subs = append(b.subs, &Subscription{
		PubsubName: b.pubsubName,
		Topic:      topic,
		Queue:      fmt.Sprintf("%s-%s", b.serviceName, topic),
		Route:      "/" + topic,
		handler:    h,
	})
}

// Subscriptions returns the registered subscriptions for the
// /dapr/subscribe introspection endpoint.
func (b *EventBus) Subscriptions() []Subscription {
	out := make([]Subscription, len(b.subs))
	for i, s := range b.subs {
		out[i] = *s
	}
	return out
}

// Run declares every subscription's queue and starts one consumer goroutine
// per topic, then blocks until ctx is cancelled.
func (b *EventBus) Run(ctx context.Context) error {
	for _, sub := range b.subs {
		q, err := declareConsumerQueue(b.channel, sub.Queue, sub.Topic)
		if err != nil {
			return err
		}

		msgs, err := b.channel.Consume(
			q.Name,
			"",    // consumer tag
			false, // manual ack
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to consume %s: %w", q.Name, err)
		}

		go b.consumeLoop(ctx, sub, msgs)
		b.logger.Info("subscribed", slog.String("topic", sub.Topic), slog.String("queue", sub.Queue))
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *EventBus) consumeLoop(ctx context.Context, sub *Subscription, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		b.dispatch(ctx, sub, d)
	}
}

func (b *EventBus) dispatch(ctx context.Context, sub *Subscription, d amqp.Delivery) {
	start := time.Now()

	msgCtx := ExtractTraceContext(ctx, d.Headers)
	tracer := otel.Tracer("amqp")
	msgCtx, span := tracer.Start(msgCtx, fmt.Sprintf("AMQP - consume - %s", sub.Topic))
	defer span.End()

	if token, _ := d.Headers[authTokenHeader].(string); token != b.authToken {
		b.logger.Warn("rejecting event with bad auth token", slog.String("topic", sub.Topic))
		if err := d.Nack(false, false); err != nil {
			b.logger.Error("failed to nack rejected event", slog.String("error", err.Error()))
		}
		b.metrics.RecordConsume(sub.Topic, "rejected", time.Since(start))
		return
	}

	if err := sub.handler(msgCtx, d.Body); err != nil {
		b.logger.Error("handler failed",
			slog.String("topic", sub.Topic),
			slog.String("error", err.Error()),
		)
		requeued, rerr := HandleRetry(b.channel, &d)
		if rerr != nil {
			b.logger.Error("failed to settle delivery", slog.String("error", rerr.Error()))
		}
		outcome := "dlq"
		if requeued {
			outcome = "retry"
		} else {
			b.logger.Warn("max retries reached, dead-lettering", slog.String("topic", sub.Topic))
		}
		b.metrics.RecordConsume(sub.Topic, outcome, time.Since(start))
		return
	}

	if err := d.Ack(false); err != nil {
		b.logger.Error("failed to ack delivery", slog.String("error", err.Error()))
	}
	b.metrics.RecordConsume(sub.Topic, "ok", time.Since(start))
}
