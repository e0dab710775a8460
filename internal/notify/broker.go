package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend-homeservice/internal/tracking"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// publishChannel is the part of *amqp.Channel the broker uses.
type publishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Broker publishes attendance events to a topic exchange, routed as
// attendance.<event type>.
type Broker struct {
	ch       publishChannel
	exchange string
}

func NewBroker(conn *amqp.Connection, exchange string) (*Broker, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	b, err := newBroker(ch, exchange)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return b, nil
}

func newBroker(ch publishChannel, exchange string) (*Broker, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", exchange, err)
	}
	return &Broker{ch: ch, exchange: exchange}, nil
}

func RoutingKey(t tracking.EventType) string {
	return "attendance." + string(t)
}

// Publish sends one event and waits for the write to the channel.
func (b *Broker) Publish(ctx context.Context, ev tracking.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return b.ch.PublishWithContext(ctx, b.exchange, RoutingKey(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
		Body:         body,
	})
}

func (b *Broker) Close() error {
	return b.ch.Close()
}
