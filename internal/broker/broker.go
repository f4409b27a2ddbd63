// Package broker adapts internal/mqmsg envelopes onto RabbitMQ via
// amqp091-go, generalizing the teacher's single hardcoded job queue
// into a topology the caller names: a durable queue, a retry queue that
// dead-letters back to it, and a DLQ it dead-letters to on reject.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/broccoli-judge/judge-core/internal/mqmsg"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker owns a single AMQP connection and channel, shared by every
// queue it declares and publishes to.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker at url and opens a channel.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, mqmsg.NewError(mqmsg.ErrConnection, "dial %s: %v", url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, mqmsg.NewError(mqmsg.ErrConnection, "open channel: %v", err)
	}
	return &Broker{conn: conn, ch: ch}, nil
}

// Close shuts down the channel and connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// DeclareTopology declares a durable queue named queueName, a
// queueName+".retry" queue whose messages dead-letter back to
// queueName on TTL expiry, and a queueName+".dlq" queue that queueName
// itself dead-letters to on reject/nack(requeue=false). It mirrors
// internal/store/rabbitmq/publisher.go's NewPublisher topology,
// generalized to any queue name instead of one fixed at construction.
func (b *Broker) DeclareTopology(queueName string) error {
	retryQ := queueName + ".retry"
	dlqQ := queueName + ".dlq"

	if _, err := b.ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return mqmsg.NewError(mqmsg.ErrQueueNotFound, "declare dlq queue %s: %v", dlqQ, err)
	}
	if _, err := b.ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName,
	}); err != nil {
		return mqmsg.NewError(mqmsg.ErrQueueNotFound, "declare retry queue %s: %v", retryQ, err)
	}
	if _, err := b.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		return mqmsg.NewError(mqmsg.ErrQueueNotFound, "declare main queue %s: %v", queueName, err)
	}
	return nil
}

// Publish marshals msg into an mqmsg.Envelope tagged with messageID and
// meta, and publishes it to queueName as a persistent message.
func (b *Broker) Publish(ctx context.Context, queueName, messageID string, meta mqmsg.Metadata, msg mqmsg.Message) error {
	env, err := mqmsg.FromMessage(messageID, meta, msg)
	if err != nil {
		return mqmsg.NewError(mqmsg.ErrSerialization, "build envelope: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return mqmsg.NewError(mqmsg.ErrSerialization, "marshal envelope: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = b.ch.PublishWithContext(cctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return mqmsg.NewError(mqmsg.ErrTimeout, "publish to %s: %v", queueName, err)
	}
	return nil
}

// PublishRaw publishes an already-serialized body to queueName, with
// optional headers and per-message TTL (0 disables the TTL). No consumer
// in this module calls it: the result consumer retries in process and
// the worker DLQ consumer does not retry.
func (b *Broker) PublishRaw(ctx context.Context, queueName string, body []byte, headers amqp.Table, ttl time.Duration) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if ttl > 0 {
		pub.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.ch.PublishWithContext(cctx, "", queueName, false, false, pub); err != nil {
		return mqmsg.NewError(mqmsg.ErrTimeout, "publish raw to %s: %v", queueName, err)
	}
	return nil
}

// Qos sets the channel's prefetch count, bounding how many unacked
// deliveries the broker will hand this consumer at once.
func (b *Broker) Qos(prefetch int) error {
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return mqmsg.NewError(mqmsg.ErrConfig, "set qos: %v", err)
	}
	return nil
}

// HandlerResult classifies how a consumer handler wants a delivery
// acknowledged.
type HandlerResult int

const (
	// Ack acknowledges the delivery; processing succeeded.
	Ack HandlerResult = iota
	// Retryable nacks the delivery with requeue=true; the broker
	// redelivers it and the handler's own retry bookkeeping (an
	// in-memory retry.Tracker, typically) decides when to give up and
	// route it to the DLQ instead of returning Retryable again.
	Retryable
	// Fatal acks the delivery without requeue; used for a poison-pill
	// message the handler has already routed to the DLQ directly and
	// does not want redelivered.
	Fatal
)

// ProcessMessages consumes queueName with Qos(prefetch) and fans
// deliveries out across a pool of concurrency goroutines reading a
// shared channel, the same worker-pool-over-channel shape as
// cmd/worker/main.go's dispatcher loop. concurrency<=0 is treated as 1
// (sequential processing, preserving per-consumer ordering). The loop
// exits when ctx is canceled, draining in-flight handlers before
// returning.
func (b *Broker) ProcessMessages(ctx context.Context, queueName string, concurrency, prefetch int, handler func(context.Context, amqp.Delivery) HandlerResult) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := b.Qos(prefetch); err != nil {
		return err
	}

	deliveries, err := b.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return mqmsg.NewError(mqmsg.ErrQueueNotFound, "consume %s: %v", queueName, err)
	}

	work := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range work {
				switch handler(ctx, d) {
				case Ack:
					_ = d.Ack(false)
				case Retryable:
					_ = d.Nack(false, true)
				case Fatal:
					_ = d.Ack(false)
				}
			}
		}()
	}

dispatch:
	for {
		select {
		case <-ctx.Done():
			break dispatch
		case d, ok := <-deliveries:
			if !ok {
				break dispatch
			}
			work <- d
		}
	}

	close(work)
	wg.Wait()
	return nil
}
