package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"externalorder/internal/broker"
	"externalorder/internal/metrics"
	"externalorder/internal/model"
	"externalorder/internal/service"
	"externalorder/internal/storage"
)

const retryHeader = "x-retry-count"

var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// Channel is the subset of *amqp.Channel the ingestor uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Inserter interface {
	Insert(ctx context.Context, order model.ExternalOrder) (*model.ExternalOrder, error)
}

type IngestorConfig struct {
	Queues      broker.Queues
	ConsumerTag string
	Prefetch    int
	// DeadLetter declares the inbound queue with dead-letter arguments pointing
	// at Queues.Dead. Without it rejected messages are dropped unless a broker
	// policy routes them.
	DeadLetter bool
	// MaxRetries bounds how often a message failing on a transient error is
	// parked in a retry queue before it is rejected. Zero disables retries.
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Ingestor consumes pending-insertion messages and feeds them to the insert
// path. Deliveries are processed one at a time so every ack follows its commit.
type Ingestor struct {
	ch  Channel
	svc Inserter
	cfg IngestorConfig
}

func NewIngestor(ch Channel, svc Inserter, cfg IngestorConfig) *Ingestor {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 10
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Ingestor{ch: ch, svc: svc, cfg: cfg}
}

// Start runs the consume loop until ctx is cancelled. A message being
// processed when ctx is cancelled is finished before Start returns.
func (w *Ingestor) Start(ctx context.Context) error {
	if err := w.declare(); err != nil {
		return err
	}
	slog.Info("ingestor declared", "queue", w.cfg.Queues.Inbound, "prefetch", w.cfg.Prefetch)

	deliveries, err := w.ch.Consume(w.cfg.Queues.Inbound, w.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.cfg.Queues.Inbound, err)
	}
	slog.Info("ingestor consuming", "queue", w.cfg.Queues.Inbound, "consumer", w.cfg.ConsumerTag)

	for {
		select {
		case <-ctx.Done():
			if err := w.ch.Cancel(w.cfg.ConsumerTag, false); err != nil {
				slog.Warn("cancel consumer failed", "consumer", w.cfg.ConsumerTag, "error", err)
			}
			slog.Info("ingestor stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			w.handle(context.WithoutCancel(ctx), d)
		}
	}
}

// declare sets up the dead-letter queue, the inbound queue and one retry
// queue per backoff level. Dead-letter arguments on the inbound queue are
// opt-in; a broker policy can route rejected messages to Queues.Dead instead.
func (w *Ingestor) declare() error {
	if _, err := w.ch.QueueDeclare(w.cfg.Queues.Dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", w.cfg.Queues.Dead, err)
	}

	var inboundArgs amqp.Table
	if w.cfg.DeadLetter {
		inboundArgs = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": w.cfg.Queues.Dead,
		}
	}
	if _, err := w.ch.QueueDeclare(w.cfg.Queues.Inbound, true, false, false, false, inboundArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", w.cfg.Queues.Inbound, err)
	}

	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		delay := w.retryDelay(attempt)
		queue := w.cfg.Queues.RetryQueue(delay)
		// Expired retry messages flow back into the inbound queue.
		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": w.cfg.Queues.Inbound,
			"x-message-ttl":             delay.Milliseconds(),
		}
		if _, err := w.ch.QueueDeclare(queue, true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	if err := w.ch.Qos(w.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

func (w *Ingestor) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing inbound message", "delivery_tag", d.DeliveryTag, "panic", r)
			w.reject(d)
		}
	}()

	slog.Info("inbound message received", "delivery_tag", d.DeliveryTag, "message_id", d.MessageId)
	slog.Debug("inbound message body", "body", string(d.Body))

	var order model.ExternalOrder
	if err := json.Unmarshal(d.Body, &order); err != nil {
		slog.Error("inbound message is not an external order", "delivery_tag", d.DeliveryTag, "error", err)
		w.reject(d)
		return
	}

	_, err := w.svc.Insert(ctx, order)
	switch {
	case err == nil:
		slog.Info("inbound order inserted", "platform", order.FromPlatform, "tid", order.Tid)
		w.ack(d)
	case isTerminal(err):
		slog.Error("inbound order rejected", "platform", order.FromPlatform, "tid", order.Tid, "error", err)
		w.reject(d)
	default:
		slog.Error("inbound order failed", "platform", order.FromPlatform, "tid", order.Tid, "error", err)
		w.retryOrReject(ctx, d)
	}
}

// isTerminal reports failures that would fail again on redelivery.
func isTerminal(err error) bool {
	return errors.Is(err, service.ErrValidation) ||
		errors.Is(err, service.ErrTransitionRejected) ||
		errors.Is(err, storage.ErrOrderExists) ||
		errors.Is(err, storage.ErrRowsAffected) ||
		storage.IsInvalidRecord(err)
}

func (w *Ingestor) retryOrReject(ctx context.Context, d amqp.Delivery) {
	attempt := retryCount(d.Headers)
	if attempt >= w.cfg.MaxRetries {
		w.reject(d)
		return
	}

	delay := w.retryDelay(attempt)
	queue := w.cfg.Queues.RetryQueue(delay)
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt + 1)

	err := w.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	})
	if err != nil {
		slog.Error("park inbound message for retry failed", "delivery_tag", d.DeliveryTag, "error", err)
		w.reject(d)
		return
	}

	slog.Warn("inbound message parked for retry", "delivery_tag", d.DeliveryTag, "queue", queue, "attempt", attempt+1, "delay", delay)
	if err := d.Ack(false); err != nil {
		slog.Error("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
		return
	}
	metrics.IngestedMessagesTotal.WithLabelValues(metrics.OutcomeRetried).Inc()
}

// retryDelay doubles the base delay for every earlier attempt.
func (w *Ingestor) retryDelay(attempt int) time.Duration {
	return w.cfg.RetryBaseDelay << attempt
}

func (w *Ingestor) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		slog.Error("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
		return
	}
	metrics.IngestedMessagesTotal.WithLabelValues(metrics.OutcomeAcked).Inc()
}

// reject nacks without requeue: the broker dead-letters or drops the message.
func (w *Ingestor) reject(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		slog.Error("nack failed", "delivery_tag", d.DeliveryTag, "error", err)
		return
	}
	metrics.IngestedMessagesTotal.WithLabelValues(metrics.OutcomeNacked).Inc()
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
