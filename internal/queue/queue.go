// Package queue wraps RabbitMQ with the pipeline's delivery contract:
// durable queues, persistent publishes confirmed by the broker,
// prefetch=1 consumer channels, and reject-without-requeue on handler
// failure so a poison message cannot loop.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/fetchpipe/fetchpipe/internal/fetch"
)

// messageTTLMillis bounds backlog after extended outages: the broker
// silently drops messages older than an hour.
const messageTTLMillis = 3600000

// reconnectDelay paces consume-channel reopen attempts after a broker
// connection drop.
const reconnectDelay = 5 * time.Second

// Handler processes one delivery. A non-nil error rejects the message
// without requeue; nil acknowledges it.
type Handler func(ctx context.Context, body []byte, messageID string) error

// Publisher is the outbound half of the bus.
type Publisher interface {
	Publish(ctx context.Context, queueName string, msg any) error
}

// Consumer is the inbound half of the bus.
type Consumer interface {
	Consume(ctx context.Context, queueName, tag string, handler Handler) error
}

// Bus is the durable queue interface the pipeline consumes.
type Bus interface {
	Publisher
	Consumer
}

// AMQPBus is the RabbitMQ implementation of Bus.
type AMQPBus struct {
	url string

	connMu sync.Mutex
	conn   *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// PipelineQueues lists every queue the bus declares.
func PipelineQueues() []string {
	return []string{
		fetch.QueueRequests,
		fetch.QueueStarted,
		fetch.QueueResults,
		fetch.QueueFailures,
	}
}

// Connect dials the broker and declares the pipeline topology.
func Connect(url string) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open setup channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Strs("queues", PipelineQueues()).Msg("Connected to RabbitMQ, topology declared")

	return &AMQPBus{url: url, conn: conn}, nil
}

// Close shuts the connection down.
func (b *AMQPBus) Close() error {
	b.pubMu.Lock()
	if b.pubCh != nil {
		b.pubCh.Close()
		b.pubCh = nil
	}
	b.pubMu.Unlock()

	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn.Close()
}

// channel opens a channel, redialling the broker first if the shared
// connection has dropped. A redial re-declares the topology.
func (b *AMQPBus) channel() (*amqp.Channel, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
		}

		setupCh, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open setup channel: %w", err)
		}
		if err := declareTopology(setupCh); err != nil {
			setupCh.Close()
			conn.Close()
			return nil, err
		}
		setupCh.Close()

		log.Info().Msg("Reconnected to RabbitMQ")
		b.conn = conn
	}

	return b.conn.Channel()
}

// declareTopology declares the four durable pipeline queues.
func declareTopology(ch *amqp.Channel) error {
	for _, name := range PipelineQueues() {
		if _, err := ch.QueueDeclare(name, true, false, false, false, queueArgs()); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}
	return nil
}

func queueArgs() amqp.Table {
	return amqp.Table{"x-message-ttl": int32(messageTTLMillis)}
}

// Publish marshals msg to JSON and publishes it persistently, returning
// only after the broker has confirmed acceptance.
func (b *AMQPBus) Publish(ctx context.Context, queueName string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", queueName, err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publisherChannel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queueName, false, false,
		buildPublishing(body))
	if err != nil {
		// Channel is poisoned after a publish error; force a reopen next time.
		b.pubCh.Close()
		b.pubCh = nil
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		// The confirm is lost; reusing this channel could silently drop
		// the next publish. Force a reopen.
		b.pubCh.Close()
		b.pubCh = nil
		return fmt.Errorf("failed waiting for broker confirm on %s: %w", queueName, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected publish to %s", queueName)
	}

	return nil
}

// publisherChannel lazily opens the shared confirm-mode channel.
// Callers hold pubMu.
func (b *AMQPBus) publisherChannel() (*amqp.Channel, error) {
	if b.pubCh != nil {
		return b.pubCh, nil
	}

	ch, err := b.channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b.pubCh = ch
	return ch, nil
}

// buildPublishing wraps a JSON body in the persistent message envelope.
func buildPublishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}

// Consume opens a dedicated channel with prefetch=1 and processes
// deliveries until ctx is cancelled. Each consumer channel is its own
// unit of broker-side load balancing: a worker that wants N concurrent
// attempts opens N Consume calls.
//
// Ack policy: handler success acks; handler error rejects without
// requeue so poison messages cannot loop. The stale-pending sweep mops
// up the records they leave behind.
func (b *AMQPBus) Consume(ctx context.Context, queueName, tag string, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.consumeOnce(ctx, queueName, tag, handler)
		if err != nil && ctx.Err() == nil {
			log.Warn().
				Err(err).
				Str("queue", queueName).
				Str("consumer", tag).
				Dur("retry_in", reconnectDelay).
				Msg("Consumer channel closed, reconnecting")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (b *AMQPBus) consumeOnce(ctx context.Context, queueName, tag string, handler Handler) error {
	ch, err := b.channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queueName)
			}
			b.dispatch(ctx, queueName, tag, d, handler)
		}
	}
}

func (b *AMQPBus) dispatch(ctx context.Context, queueName, tag string, d amqp.Delivery, handler Handler) {
	if err := handler(ctx, d.Body, d.MessageId); err != nil {
		log.Error().
			Err(err).
			Str("queue", queueName).
			Str("consumer", tag).
			Str("message_id", d.MessageId).
			Msg("Handler failed, rejecting without requeue")

		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error().Err(nackErr).Str("queue", queueName).Msg("Failed to nack delivery")
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		log.Error().Err(ackErr).Str("queue", queueName).Msg("Failed to ack delivery")
	}
}
