package broker

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// DeclareOutbound declares the durable queue inserted notifications are routed to.
func DeclareOutbound(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// LogReturns logs mandatory publishes the broker could not route. It returns
// when the channel is closed.
func LogReturns(ch *amqp.Channel) {
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	go func() {
		for r := range returns {
			slog.Warn("publish returned by broker",
				"routing_key", r.RoutingKey,
				"reply_code", r.ReplyCode,
				"reply_text", r.ReplyText,
				"message_id", r.MessageId,
			)
		}
	}()
}

func CloseConn(conn *amqp.Connection) {
	if err := conn.Close(); err != nil && err != amqp.ErrClosed {
		slog.Error("failed to close rabbitmq connection", "error", err)
	}
}
