package judge

import (
	"context"
	"fmt"

	"github.com/broccoli-judge/judge-core/internal/broker"
	"github.com/broccoli-judge/judge-core/internal/mqmsg"
	"github.com/google/uuid"
)

// Dispatcher publishes judge jobs to the broker's jobs queue. It does
// not touch the database: the caller is responsible for persisting the
// submission row (status=Pending) before calling Dispatch and for
// reacting to a publish failure by marking the submission SystemError.
// There is no outbox; the stuck-job detector is the sole reconciliation
// path for a submission whose publish never reached the broker.
type Dispatcher struct {
	broker    *broker.Broker
	jobsQueue string
}

// NewDispatcher returns a Dispatcher that publishes to jobsQueue via b.
func NewDispatcher(b *broker.Broker, jobsQueue string) *Dispatcher {
	return &Dispatcher{broker: b, jobsQueue: jobsQueue}
}

// DispatchInput is everything needed to build a Job for a submission
// already persisted as Pending.
type DispatchInput struct {
	SubmissionID int64
	ProblemID    int64
	Files        []File
	Language     string
	TimeLimit    int32
	MemoryLimit  int32
	ContestID    *int64
	TestCases    []TestCase
}

// Dispatch builds a Job with a freshly generated JobID and publishes it
// to the jobs queue. On success it returns the generated job ID so the
// caller can correlate dispatch-time events (e.g. firing a
// SubmissionDispatched hook).
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (string, error) {
	jobID := uuid.NewString()
	job := Job{
		JobID:        jobID,
		SubmissionID: in.SubmissionID,
		ProblemID:    in.ProblemID,
		Files:        in.Files,
		Language:     in.Language,
		TimeLimit:    in.TimeLimit,
		MemoryLimit:  in.MemoryLimit,
		ContestID:    in.ContestID,
		TestCases:    in.TestCases,
	}

	meta := mqmsg.NewMetadata("dispatcher", 0)
	if err := d.broker.Publish(ctx, d.jobsQueue, jobID, meta, job); err != nil {
		return "", fmt.Errorf("judge: dispatch submission %d: %w", in.SubmissionID, err)
	}
	return jobID, nil
}
