package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"externalorder/internal/model"
)

const contentType = "text/plain"

type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends inserted notifications to the outbound queue through the
// default exchange.
type Publisher struct {
	ch    PublishChannel
	queue string
	now   func() time.Time
}

func NewPublisher(ch PublishChannel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, order model.ExternalOrder) error {
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, true, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}
