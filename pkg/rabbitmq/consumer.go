package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ConsumerConfig struct {
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     ConsumerConfig
}

func NewConsumer(url string, cfg ConsumerConfig) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	fail := func(step string, err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq %s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, ExchangeKind, true, false, false, false, nil); err != nil {
		return fail("exchange declare", err)
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fail("queue declare", err)
	}

	if err := ch.QueueBind(q.Name, cfg.BindingKey, cfg.Exchange, false, nil); err != nil {
		return fail("queue bind", err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail("qos", err)
		}
	}

	return &Consumer{conn: conn, channel: ch, cfg: cfg}, nil
}

// Consume starts delivery with manual acknowledgement.
func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	msgs, err := c.channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume: %w", err)
	}
	return msgs, nil
}

func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
