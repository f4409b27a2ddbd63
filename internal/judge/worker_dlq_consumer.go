package judge

import (
	"context"
	"encoding/json"
	"log"

	"github.com/broccoli-judge/judge-core/internal/broker"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"
)

// WorkerDlqConsumer drains the worker-side dead-letter queue: messages
// a worker itself gave up on after exhausting its own retries (jobs it
// could never execute), rather than results the server failed to
// ingest. Grounded on the same consumer-loop shape as ResultConsumer
// but simpler: there is no in-process retry loop here, since the
// message already represents a worker's final word on a job. It is
// persisted to the dead-letter store directly, then (if the envelope
// carries a submission ID) the submission is marked SystemError.
type WorkerDlqConsumer struct {
	db     *gorm.DB
	broker *broker.Broker
	dlq    *dlq.Store
	hooks  *hooks.Registry

	queueName   string
	concurrency int
	prefetch    int
}

// WorkerDlqConsumerConfig configures a WorkerDlqConsumer.
type WorkerDlqConsumerConfig struct {
	QueueName   string
	Concurrency int
	Prefetch    int
}

// NewWorkerDlqConsumer builds a WorkerDlqConsumer. hooks may be nil.
func NewWorkerDlqConsumer(db *gorm.DB, b *broker.Broker, store *dlq.Store, registry *hooks.Registry, cfg WorkerDlqConsumerConfig) *WorkerDlqConsumer {
	return &WorkerDlqConsumer{
		db:          db,
		broker:      b,
		dlq:         store,
		hooks:       registry,
		queueName:   cfg.QueueName,
		concurrency: cfg.Concurrency,
		prefetch:    cfg.Prefetch,
	}
}

// Run declares the worker DLQ's topology and blocks consuming it until
// ctx is canceled.
func (c *WorkerDlqConsumer) Run(ctx context.Context) error {
	if err := c.broker.DeclareTopology(c.queueName); err != nil {
		return err
	}
	return c.broker.ProcessMessages(ctx, c.queueName, c.concurrency, c.prefetch, c.handleDelivery)
}

// wireDlqEnvelope is the on-the-wire shape of a worker-reported
// dead-letter envelope, carrying the original message plus the
// worker's own retry history and classification of why it gave up.
type wireDlqEnvelope struct {
	MessageID    string          `json:"message_id"`
	MessageType  string          `json:"message_type"`
	SubmissionID *int64          `json:"submission_id"`
	Payload      json.RawMessage `json:"payload"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	RetryHistory []retry.Attempt `json:"retry_history"`
}

func (c *WorkerDlqConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) broker.HandlerResult {
	var wire wireDlqEnvelope
	if err := json.Unmarshal(d.Body, &wire); err != nil {
		log.Printf("judge: worker dlq consumer: malformed envelope, dropping: %v", err)
		return broker.Fatal
	}
	messageType, err := dlq.ParseMessageType(wire.MessageType)
	if err != nil {
		log.Printf("judge: worker dlq consumer: %v, dropping", err)
		return broker.Fatal
	}

	env := dlq.Envelope{
		MessageID:    wire.MessageID,
		MessageType:  messageType,
		SubmissionID: wire.SubmissionID,
		Payload:      wire.Payload,
		ErrorCode:    dlq.ErrorCode(wire.ErrorCode),
		ErrorMessage: wire.ErrorMessage,
		RetryHistory: wire.RetryHistory,
	}

	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		log.Printf("judge: worker dlq consumer: failed to begin transaction: %v", tx.Error)
		return broker.Retryable
	}

	if _, err := c.dlq.SendToDlq(ctx, tx, env); err != nil {
		tx.Rollback()
		log.Printf("judge: worker dlq consumer: failed to persist envelope message=%s: %v", env.MessageID, err)
		return broker.Retryable
	}
	if err := tx.Commit().Error; err != nil {
		log.Printf("judge: worker dlq consumer: failed to commit DLQ entry message=%s: %v", env.MessageID, err)
		return broker.Retryable
	}

	if env.SubmissionID != nil {
		if err := markSubmissionSystemError(ctx, c.db, *env.SubmissionID, "WORKER_PROCESSING_FAILED", "Worker failed to process job after max retries"); err != nil {
			log.Printf("judge: worker dlq consumer: WARN: failed to mark submission %d SystemError (DLQ entry persisted, needs manual review): %v", *env.SubmissionID, err)
		}
	} else {
		log.Printf("judge: worker dlq consumer: skipping submission status update, submission_id unknown for message=%s", env.MessageID)
	}

	if c.hooks != nil {
		_, _, _ = c.hooks.Trigger(ctx, hooks.MessageDeadLettered{
			MessageID:   env.MessageID,
			MessageType: env.MessageType.String(),
			ErrorCode:   env.ErrorCode.String(),
		})
	}

	return broker.Ack
}
