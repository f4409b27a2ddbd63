package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/broccoli-judge/judge-core/internal/broker"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/mqmsg"
	"github.com/broccoli-judge/judge-core/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResultConsumer ingests JudgeResult messages from the results queue,
// persisting the submission's final status and its per-test-case
// results. Grounded on cmd/worker/main.go's per-delivery retry/backoff
// state machine, reimplemented against an in-memory retry.Tracker and
// a durable dlq.Store instead of AMQP headers and a broker-level retry
// queue, per the stricter exactly-once-durable-DLQ-write contract this
// consumer has to honor: a result can only be dropped after it is
// durably recorded in the dead-letter store, never by nacking it back
// onto the broker and hoping a retry queue eventually gives up on it.
type ResultConsumer struct {
	db      *gorm.DB
	broker  *broker.Broker
	dlq     *dlq.Store
	tracker *retry.Tracker
	hooks   *hooks.Registry

	queueName   string
	concurrency int
	prefetch    int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// ResultConsumerConfig configures a ResultConsumer.
type ResultConsumerConfig struct {
	QueueName   string
	Concurrency int
	Prefetch    int
	MaxRetries  uint32
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewResultConsumer builds a ResultConsumer. hooks may be nil to skip
// firing lifecycle events.
func NewResultConsumer(db *gorm.DB, b *broker.Broker, store *dlq.Store, registry *hooks.Registry, cfg ResultConsumerConfig) *ResultConsumer {
	return &ResultConsumer{
		db:          db,
		broker:      b,
		dlq:         store,
		tracker:     retry.NewTracker(cfg.MaxRetries),
		hooks:       registry,
		queueName:   cfg.QueueName,
		concurrency: cfg.Concurrency,
		prefetch:    cfg.Prefetch,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// Tracker exposes the consumer's retry tracker so the caller can run
// retry.StartCleanup against it.
func (c *ResultConsumer) Tracker() *retry.Tracker { return c.tracker }

// Run declares the results queue topology and blocks consuming it until
// ctx is canceled. Processing is forced to concurrency=1 regardless of
// the configured value: results for a single submission must be
// applied in order, and the in-memory retry tracker's per-message sleep
// loop below assumes nothing else is concurrently retrying the same
// delivery.
func (c *ResultConsumer) Run(ctx context.Context) error {
	if err := c.broker.DeclareTopology(c.queueName); err != nil {
		return err
	}
	return c.broker.ProcessMessages(ctx, c.queueName, 1, c.prefetch, c.handleDelivery)
}

func (c *ResultConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) (hr broker.HandlerResult) {
	var env mqmsg.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Printf("judge: result consumer: malformed envelope, moving to DLQ: %v", err)
		if dlqErr := c.sendDeserializationFailure(ctx, env, d.Body, err); dlqErr != nil {
			return broker.Retryable
		}
		return broker.Fatal
	}

	var result Result
	if err := mqmsg.Into(env, "judge_result", &result); err != nil {
		if dlqErr := c.sendDeserializationFailure(ctx, env, d.Body, err); dlqErr != nil {
			return broker.Retryable
		}
		return broker.Fatal
	}

	jobID := result.JobID

	// Scoped to this one delivery: guarantees the tracker's state for
	// jobID is cleared on any early exit, including a panic propagating
	// up from ProcessJudgeResult (which re-panics after rolling back its
	// transaction). This is independent of StartCleanup's periodic sweep,
	// which only catches state that outlives its own delivery entirely.
	guard := retry.NewCleanupGuardFor(c.tracker, jobID)
	defer guard.Release()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("judge: result consumer: recovered panic processing submission %d job=%s: %v",
				result.SubmissionID, jobID, r)
			hr = broker.Retryable
		}
	}()

	for {
		err := c.ProcessJudgeResult(ctx, result)
		if err == nil {
			guard.Release()
			c.fireResultIngested(ctx, result)
			return broker.Ack
		}

		decision := c.tracker.RecordFailure(jobID, err.Error())
		switch decision.Kind {
		case retry.DecisionRetry:
			delay := retry.CalculateBackoff(decision.Attempt, c.baseDelay, c.maxDelay)
			log.Printf("judge: retrying result for submission %d job=%s attempt=%d delay=%s err=%v",
				result.SubmissionID, jobID, decision.Attempt, delay, err)
			select {
			case <-ctx.Done():
				return broker.Retryable
			case <-time.After(delay):
			}
			continue

		case retry.DecisionExhausted:
			log.Printf("judge: result for submission %d job=%s exhausted retries, moving to DLQ: %v",
				result.SubmissionID, jobID, err)
			if dlqErr := c.exhaustToDlq(ctx, result, decision.History, err); dlqErr != nil {
				return broker.Retryable
			}
			return broker.Ack
		}
	}
}

// sendDeserializationFailure persists a malformed result payload
// straight to the DLQ with no submission_id to update, since the
// payload could not be decoded far enough to know which submission it
// belonged to. It returns the DLQ write error, if any, so handleDelivery
// can have the delivery redelivered instead of acking it.
func (c *ResultConsumer) sendDeserializationFailure(ctx context.Context, env mqmsg.Envelope, rawBody []byte, decodeErr error) error {
	messageID := env.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("undecodable-%d", time.Now().UnixNano())
	}
	_, err := c.dlq.SendToDlq(ctx, c.db, dlq.Envelope{
		MessageID:    messageID,
		MessageType:  dlq.JudgeResultMessage,
		SubmissionID: nil,
		Payload:      rawBody,
		ErrorCode:    dlq.DeserializationError,
		ErrorMessage: decodeErr.Error(),
	})
	if err != nil {
		log.Printf("judge: CRITICAL: failed to persist deserialization failure to DLQ: %v", err)
		return err
	}
	return nil
}

// exhaustToDlq persists the exhausted result to the DLQ and commits that
// entry before marking the submission SystemError in a separate write.
// A failure to write or commit the DLQ row is logged at CRITICAL
// severity and returned, so handleDelivery nacks the delivery for
// redelivery instead of acking it. A subsequent failure to mark the
// submission is only a WARN and returns nil, since the DLQ entry itself
// is the durable record an operator can act on.
func (c *ResultConsumer) exhaustToDlq(ctx context.Context, result Result, history []retry.Attempt, lastErr error) error {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("judge: CRITICAL: failed to serialize result for DLQ, submission=%d: %v", result.SubmissionID, err)
		payload = []byte(fmt.Sprintf(`{"submission_id":%d}`, result.SubmissionID))
	}

	submissionID := result.SubmissionID
	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		log.Printf("judge: CRITICAL: failed to begin DLQ transaction for submission %d: %v", submissionID, tx.Error)
		return tx.Error
	}

	_, err = c.dlq.SendToDlq(ctx, tx, dlq.Envelope{
		MessageID:    result.JobID,
		MessageType:  dlq.JudgeResultMessage,
		SubmissionID: &submissionID,
		Payload:      payload,
		ErrorCode:    dlq.MaxRetriesExceeded,
		ErrorMessage: lastErr.Error(),
		RetryHistory: history,
	})
	if err != nil {
		tx.Rollback()
		log.Printf("judge: CRITICAL: failed to persist exhausted result to DLQ, submission=%d: %v", submissionID, err)
		return err
	}
	if err := tx.Commit().Error; err != nil {
		log.Printf("judge: CRITICAL: failed to commit DLQ entry for submission %d: %v", submissionID, err)
		return err
	}

	if err := markSubmissionSystemError(ctx, c.db, submissionID, "RESULT_PROCESSING_FAILED", "Failed to process judge result after max retries"); err != nil {
		log.Printf("judge: WARN: failed to mark submission %d SystemError after DLQ write (entry persisted, needs manual review): %v", submissionID, err)
	}
	c.fireDeadLettered(ctx, result.JobID, "judge_result", "MAX_RETRIES_EXCEEDED")
	return nil
}

// ProcessJudgeResult applies one judge result to its submission and
// test case rows inside a single transaction. It locks the submission
// row FOR UPDATE, then probes for existing test case rows as an
// idempotency check: under at-least-once delivery the same result can
// arrive twice, and a second delivery must be a no-op rather than a
// duplicate insert.
func (c *ResultConsumer) ProcessJudgeResult(ctx context.Context, result Result) error {
	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var submission Submission
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&submission, result.SubmissionID).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("lock submission %d: %w", result.SubmissionID, err)
	}

	var existingCount int64
	if err := tx.Model(&TestCaseResult{}).Where("submission_id = ?", result.SubmissionID).Count(&existingCount).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("count existing test case results: %w", err)
	}
	if existingCount > 0 {
		tx.Commit()
		return nil
	}

	var errorCode, errorMessage *string
	if result.ErrorInfo != nil {
		errorCode = &result.ErrorInfo.Code
		errorMessage = &result.ErrorInfo.Message
	}

	now := time.Now()
	updates := map[string]any{
		"status":         result.Status,
		"verdict":        result.Verdict,
		"score":          result.Score,
		"time_used":      result.TimeUsed,
		"memory_used":    result.MemoryUsed,
		"compile_output": result.CompileOutput,
		"error_code":     errorCode,
		"error_message":  errorMessage,
		"judged_at":      now,
	}
	if err := tx.Model(&Submission{}).Where("id = ?", result.SubmissionID).Updates(updates).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("update submission %d: %w", result.SubmissionID, err)
	}

	for _, tcResult := range result.TestCaseResults {
		row := TestCaseResult{
			SubmissionID:  result.SubmissionID,
			TestCaseID:    tcResult.TestCaseID,
			Verdict:       tcResult.Verdict,
			Score:         tcResult.Score,
			TimeUsed:      tcResult.TimeUsed,
			MemoryUsed:    tcResult.MemoryUsed,
			Stdout:        tcResult.Stdout,
			Stderr:        tcResult.Stderr,
			CheckerOutput: tcResult.CheckerOutput,
			CreatedAt:     now,
		}
		if err := tx.Create(&row).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("insert test case result %d: %w", tcResult.TestCaseID, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *ResultConsumer) fireResultIngested(ctx context.Context, result Result) {
	if c.hooks == nil {
		return
	}
	verdict := ""
	if result.Verdict != nil {
		verdict = result.Verdict.String()
	}
	_, _, _ = c.hooks.Trigger(ctx, hooks.ResultIngested{
		SubmissionID: result.SubmissionID,
		JobID:        result.JobID,
		Status:       result.Status.String(),
		Verdict:      verdict,
	})
}

func (c *ResultConsumer) fireDeadLettered(ctx context.Context, messageID, messageType, errorCode string) {
	if c.hooks == nil {
		return
	}
	_, _, _ = c.hooks.Trigger(ctx, hooks.MessageDeadLettered{
		MessageID:   messageID,
		MessageType: messageType,
		ErrorCode:   errorCode,
	})
}
