// Package dlq implements the durable dead-letter store: messages that
// exhausted their retry budget or were found stuck land here for
// operator review instead of being silently dropped.
package dlq

import (
	"fmt"

	"github.com/broccoli-judge/judge-core/internal/retry"
)

// SubmissionDlqErrorCode values are set on a submission row when it is
// sent to the DLQ, distinct from DlqErrorCode which classifies the DLQ
// entry itself.
const (
	SubmissionWorkerProcessingFailed = "WORKER_PROCESSING_FAILED"
	SubmissionResultProcessingFailed = "RESULT_PROCESSING_FAILED"
	SubmissionStuckJob               = "STUCK_JOB"
)

// ErrorCode classifies why a message was dead-lettered.
type ErrorCode string

const (
	MaxRetriesExceeded   ErrorCode = "MAX_RETRIES_EXCEEDED"
	DeserializationError ErrorCode = "DESERIALIZATION_ERROR"
	StuckJob             ErrorCode = "STUCK_JOB"
)

func (c ErrorCode) String() string { return string(c) }

// MessageType identifies which queue's message ended up in the DLQ.
type MessageType string

const (
	JudgeJobMessage    MessageType = "judge_job"
	JudgeResultMessage MessageType = "judge_result"
)

func (t MessageType) String() string { return string(t) }

// ParseMessageType parses the snake_case wire representation of a
// MessageType.
func ParseMessageType(s string) (MessageType, error) {
	switch s {
	case string(JudgeJobMessage):
		return JudgeJobMessage, nil
	case string(JudgeResultMessage):
		return JudgeResultMessage, nil
	default:
		return "", fmt.Errorf("dlq: invalid message_type %q, must be %q or %q", s, JudgeJobMessage, JudgeResultMessage)
	}
}

// Envelope carries a failed message and its failure context to the DLQ
// store.
type Envelope struct {
	MessageID     string
	MessageType   MessageType
	SubmissionID  *int64
	Payload       []byte
	ErrorCode     ErrorCode
	ErrorMessage  string
	RetryHistory  []retry.Attempt
}
