package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// AMQPHeadersCarrier adapts an amqp.Table to the OpenTelemetry
// TextMapCarrier interface so trace context can ride in message headers.
type AMQPHeadersCarrier struct {
	headers amqp.Table
}

func NewAMQPHeadersCarrier(headers amqp.Table) *AMQPHeadersCarrier {
	return &AMQPHeadersCarrier{headers: headers}
}

func (c *AMQPHeadersCarrier) Get(key string) string {
	if v, ok := c.headers[key].(string); ok {
		return v
	}
	return ""
}

func (c *AMQPHeadersCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *AMQPHeadersCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext writes the current span context into headers before
// publishing, continuing the trace across the broker hop.
func InjectTraceContext(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, NewAMQPHeadersCarrier(headers))
}

// ExtractTraceContext resumes the trace carried in a delivery's headers.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, NewAMQPHeadersCarrier(headers))
}
