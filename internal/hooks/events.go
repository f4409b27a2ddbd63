package hooks

import "time"

const (
	TopicSubmissionDispatched = "submission.dispatched"
	TopicResultIngested       = "result.ingested"
	TopicSubmissionStuck      = "submission.stuck"
	TopicMessageDeadLettered  = "message.dead_lettered"
)

// SubmissionDispatched fires after a judge job is successfully
// published to the broker.
type SubmissionDispatched struct {
	SubmissionID int64
	JobID        string
	DispatchedAt time.Time
}

func (SubmissionDispatched) Topic() string { return TopicSubmissionDispatched }

// ResultIngested fires after a judge result has been committed to the
// submission and its test case rows.
type ResultIngested struct {
	SubmissionID int64
	JobID        string
	Status       string
	Verdict      string
}

func (ResultIngested) Topic() string { return TopicResultIngested }

// SubmissionStuck fires when the stuck-job detector moves a submission
// to the dead-letter store after it sat in Pending past the configured
// timeout.
type SubmissionStuck struct {
	SubmissionID int64
	PendingSince time.Time
}

func (SubmissionStuck) Topic() string { return TopicSubmissionStuck }

// MessageDeadLettered fires whenever any consumer writes a row to the
// dead-letter store, regardless of which queue the message came from.
type MessageDeadLettered struct {
	MessageID   string
	MessageType string
	ErrorCode   string
}

func (MessageDeadLettered) Topic() string { return TopicMessageDeadLettered }
