package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Notifier fans period change messages out over AMQP. Each document path maps
// to one routing key on a topic exchange; every subscriber gets its own
// exclusive queue, so all replicas see every push.
type Notifier struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
}

func NewNotifier(url, exchangeName string) (*Notifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	n := &Notifier{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
	}

	if err := n.setup(); err != nil {
		n.Close()
		return nil, fmt.Errorf("setup exchange: %w", err)
	}

	return n, nil
}

func (n *Notifier) setup() error {
	err := n.channel.ExchangeDeclare(
		n.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// routingKey maps "families/{id}/months/{key}" onto the AMQP dot convention.
func routingKey(docPath string) string {
	return strings.ReplaceAll(docPath, "/", ".")
}

// pathMatches reports whether a concrete document path falls under a
// subscription path, with the same wildcards the queue is bound with:
// "*" matches exactly one segment, "#" matches zero or more.
func pathMatches(pattern, path string) bool {
	if !strings.ContainsAny(pattern, "*#") {
		return pattern == path
	}
	return segmentsMatch(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func segmentsMatch(pattern, path []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(path); i++ {
				if segmentsMatch(pattern[1:], path[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(path) == 0 {
				return false
			}
		default:
			if len(path) == 0 || path[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		path = path[1:]
	}
	return len(path) == 0
}

// PublishChange announces a document write on the path's routing key.
func (n *Notifier) PublishChange(ctx context.Context, msg *PeriodChangedMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = n.channel.PublishWithContext(
		ctx,
		n.exchangeName,
		routingKey(msg.Path),
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	slog.DebugContext(ctx, "Published period change",
		"path", msg.Path,
		"updated_at", msg.UpdatedAt,
		"exchange", n.exchangeName)
	return nil
}

// SubscribeChanges consumes change messages for one document path until
// cancel is called. The consumer runs on its own channel and an exclusive
// auto-delete queue, so cancellation tears everything down broker-side.
func (n *Notifier) SubscribeChanges(ctx context.Context, docPath string, handler func(*PeriodChangedMessage)) (func(), error) {
	channel, err := n.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open subscriber channel: %w", err)
	}

	queue, err := channel.QueueDeclare(
		"",    // broker-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("declare subscriber queue: %w", err)
	}

	if err := channel.QueueBind(queue.Name, routingKey(docPath), n.exchangeName, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("bind subscriber queue: %w", err)
	}

	deliveries, err := channel.Consume(
		queue.Name,
		"",    // consumer
		true,  // auto-ack: a missed notification is repaired by the next write
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Subscribed to period changes", "path", docPath, "queue", queue.Name)

	go func() {
		for delivery := range deliveries {
			msg, err := PeriodChangedMessageFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal change message", "error", err)
				continue
			}
			// The binding already routes by topic; this guards against
			// broker-side over-delivery and must honor the same wildcards
			// the subscription was bound with.
			if !pathMatches(docPath, msg.Path) {
				continue
			}
			handler(msg)
		}
	}()

	return func() {
		if err := channel.Close(); err != nil {
			slog.WarnContext(ctx, "Close subscriber channel", "path", docPath, "error", err)
		}
	}, nil
}

func (n *Notifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
