package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange sync requests are published to
const ExchangeName = "mailsweep"

// SyncRequest is the body of a sync trigger message
type SyncRequest struct {
	AccountID int64 `json:"account_id"`
}

// ErrBadSyncRequest marks messages that can never be processed
var ErrBadSyncRequest = errors.New("malformed sync request")

// ParseSyncRequest decodes and validates a trigger body
func ParseSyncRequest(body []byte) (*SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSyncRequest, err)
	}
	if req.AccountID <= 0 {
		return nil, fmt.Errorf("%w: account_id must be positive", ErrBadSyncRequest)
	}
	return &req, nil
}

func declare(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// AMQPTrigger feeds sync requests from a queue into the scheduler
type AMQPTrigger struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      amqp.Queue
	routingKey string
	trigger    func(accountID int64) bool
	logger     *slog.Logger
}

// NewAMQPTrigger declares the exchange and a durable "<routing key>.q" queue
func NewAMQPTrigger(url, routingKey string, trigger func(accountID int64) bool, logger *slog.Logger) (*AMQPTrigger, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(routingKey+".q", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &AMQPTrigger{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		trigger:    trigger,
		logger:     logger.With("component", "amqp_trigger", "queue", q.Name),
	}, nil
}

// Run consumes until ctx is done or the broker closes the channel
func (t *AMQPTrigger) Run(ctx context.Context) error {
	deliveries, err := t.channel.ConsumeWithContext(ctx, t.queue.Name, "mailsweep", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	t.logger.Info("consuming sync requests", "routing_key", t.routingKey)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			t.handle(d)
		}
	}
}

// handle acks requests the scheduler accepted, drops malformed ones and
// requeues the rest
func (t *AMQPTrigger) handle(d amqp.Delivery) {
	req, err := ParseSyncRequest(d.Body)
	if err != nil {
		t.logger.Warn("dropping sync request", "error", err)
		if err := d.Nack(false, false); err != nil {
			t.logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if !t.trigger(req.AccountID) {
		if err := d.Nack(false, true); err != nil {
			t.logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		t.logger.Error("failed to ack message", "error", err)
	}
}

// Close closes the channel and connection
func (t *AMQPTrigger) Close() {
	if t.channel != nil {
		_ = t.channel.Close()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

// PublishSync sends a sync request for an account
func PublishSync(ctx context.Context, url, routingKey string, accountID int64) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	body, err := json.Marshal(SyncRequest{AccountID: accountID})
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish sync request: %w", err)
	}
	return nil
}
