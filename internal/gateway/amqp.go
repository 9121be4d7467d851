package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQP publishes outbound messages to a durable queue for an external
// delivery relay. Publishing counts as the one delivery attempt; whatever
// consumes the queue owns the rest.
type AMQP struct {
	ch    *amqp.Channel
	queue string
	log   *zap.Logger
}

func NewAMQP(conn *amqp.Connection, queue string, log *zap.Logger) (*AMQP, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQP{ch: ch, queue: queue, log: log}, nil
}

func (g *AMQP) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	err = g.ch.Publish(
		"",      // default exchange
		g.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", g.queue, err)
	}

	g.log.Debug("queued outbound message", zap.String("to", msg.To))
	return nil
}

func (g *AMQP) Close() error {
	return g.ch.Close()
}

var _ Gateway = (*AMQP)(nil)
