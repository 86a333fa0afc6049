package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "reskin.events"

// publisher is the part of *amqp091.Channel used here.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQP publishes stage changes to a topic exchange, routed by StageChange.RoutingKey.
type AMQP struct {
	Exchange string

	conn    *amqp091.Connection
	channel publisher
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQP{Exchange: exchange, conn: conn, channel: ch}, nil
}

func (a *AMQP) Dispatch(ctx context.Context, c StageChange) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return a.channel.PublishWithContext(ctx, a.Exchange, c.RoutingKey(), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		MessageId:    c.Key(),
		Body:         body,
		DeliveryMode: amqp091.Persistent,
	})
}

func (a *AMQP) Close() error {
	if ch, ok := a.channel.(*amqp091.Channel); ok && ch != nil {
		_ = ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
