package db

import (
	"fmt"
	"time"

	"backend-homeservice/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

var dialRabbitFn = amqp.DialConfig

// ConnectRabbitMQ dials the event broker. An empty URL disables the broker and returns nil.
func ConnectRabbitMQ(cfg config.Config) (*amqp.Connection, error) {
	if cfg.RabbitMQURL == "" {
		return nil, nil
	}
	conn, err := dialRabbitFn(cfg.RabbitMQURL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	return conn, nil
}
