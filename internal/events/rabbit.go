package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const NotificationQueueName = "scheduling_notification_queue"

func DialAMQP(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// RabbitGateway publishes events to a durable RabbitMQ queue with persistent
// delivery, so queued notifications survive a broker restart.
type RabbitGateway struct {
	ch  *amqp.Channel
	log *zap.Logger
	mu  sync.Mutex
}

func NewRabbitGateway(conn *amqp.Connection, log *zap.Logger) (*RabbitGateway, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		NotificationQueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", NotificationQueueName, err)
	}

	return &RabbitGateway{ch: ch, log: log}, nil
}

func (g *RabbitGateway) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	// amqp channels are not safe for concurrent publishes.
	g.mu.Lock()
	defer g.mu.Unlock()

	err = g.ch.PublishWithContext(ctx,
		"",
		NotificationQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID.String(),
			Timestamp:    ev.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}

	g.log.Debug("event published",
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("appointment_id", ev.AppointmentID.String()),
	)
	return nil
}

func (g *RabbitGateway) Close() error {
	return g.ch.Close()
}
