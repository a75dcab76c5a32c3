package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/prietto/microservices-dapr/common/events"
)

// MaxRetryCount bounds redelivery attempts per message; after that the
// message is dead-lettered to the queue-specific DLQ for inspection.
const MaxRetryCount = 3

// DLX is the dead-letter exchange. Each consumer queue dead-letters into it
// with its own routing key, so every queue gets its own DLQ.
const DLX = "dlx"

const retryCountHeader = "x-retry-count"

// Connect dials RabbitMQ, opens a channel in confirm mode and declares the
// shared topology: the DLX plus one durable direct exchange per topic.
// Exchanges must exist before any queue binds to them, so this runs once per
// process before consumers start. The returned func closes channel then
// connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Confirm mode: Publish blocks until the broker acks, giving callers a
	// real success/failure signal they can roll back on.
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		DLX,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, topic := range events.AllTopics() {
		if err := ch.ExchangeDeclare(
			topic,
			"direct",
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", topic, err)
		}
	}

	return nil
}

// declareConsumerQueue creates the durable queue for one subscription along
// with its DLQ. Dead letters keep the queue name as routing key so the DLX
// routes them to exactly this queue's DLQ.
func declareConsumerQueue(ch *amqp.Channel, queueName, topic string) (amqp.Queue, error) {
	dlq := queueName + ".dlq"

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, queueName, DLX, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    DLX,
			"x-dead-letter-routing-key": queueName,
		},
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, topic, err)
	}

	return q, nil
}

// HandleRetry finishes a failed delivery. Below MaxRetryCount it republishes
// a copy with an incremented x-retry-count header after a linear backoff and
// acks the original; at the limit it nacks without requeue so the broker
// dead-letters the message into the queue's DLQ. The delivery is settled
// either way, callers must not ack or nack it again.
func HandleRetry(ch *amqp.Channel, d *amqp.Delivery) (requeued bool, err error) {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers[retryCountHeader].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers[retryCountHeader] = retryCount

	if retryCount >= MaxRetryCount {
		return false, d.Nack(false, false)
	}

	// Backoff grows with the attempt: 1s, 2s. Gives a struggling
	// downstream time to recover before the copy arrives.
	time.Sleep(time.Second * time.Duration(retryCount))

	err = ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		// Could not republish; requeue the original instead of losing it.
		return false, d.Nack(false, true)
	}

	return true, d.Ack(false)
}
