// Package judge implements the dispatch and result-ingestion state
// machine: turning a stored submission into a JudgeJob on the wire,
// and turning a worker's JudgeResult back into durable submission and
// test-case-result rows.
package judge

import (
	"github.com/broccoli-judge/judge-core/internal/status"
)

// File is one source file submitted for judging.
type File struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// TestCase is the input/expected-output pair a worker needs to judge
// one test case, plus its point value.
type TestCase struct {
	ID             int64  `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Score          int32  `json:"score"`
}

// Job is the message published to the jobs queue for a worker to pick
// up and execute.
type Job struct {
	JobID        string     `json:"job_id"`
	SubmissionID int64      `json:"submission_id"`
	ProblemID    int64      `json:"problem_id"`
	Files        []File     `json:"files"`
	Language     string     `json:"language"`
	TimeLimit    int32      `json:"time_limit"`
	MemoryLimit  int32      `json:"memory_limit"`
	ContestID    *int64     `json:"contest_id,omitempty"`
	TestCases    []TestCase `json:"test_cases"`
}

// MessageType implements mqmsg.Message.
func (Job) MessageType() string { return "judge_job" }

// TestCaseIDs returns the IDs of every test case attached to the job.
func (j Job) TestCaseIDs() []int64 {
	ids := make([]int64, len(j.TestCases))
	for i, tc := range j.TestCases {
		ids[i] = tc.ID
	}
	return ids
}

// SystemErrorInfo is the structured error a worker attaches to a Result
// when Status is SystemError.
type SystemErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TestCaseResultPayload is one test case's outcome as reported by the
// worker, before it is persisted as a TestCaseResult row.
type TestCaseResultPayload struct {
	TestCaseID    int64          `json:"test_case_id"`
	Verdict       status.Verdict `json:"verdict"`
	Score         int32          `json:"score"`
	TimeUsed      *int32         `json:"time_used,omitempty"`
	MemoryUsed    *int32         `json:"memory_used,omitempty"`
	Stdout        *string        `json:"stdout,omitempty"`
	Stderr        *string        `json:"stderr,omitempty"`
	CheckerOutput *string        `json:"checker_output,omitempty"`
}

// Result is the message a worker publishes to the results queue after
// judging a job.
type Result struct {
	JobID            string                  `json:"job_id"`
	SubmissionID     int64                   `json:"submission_id"`
	Status           status.SubmissionStatus `json:"status"`
	Verdict          *status.Verdict         `json:"verdict,omitempty"`
	Score            *int32                  `json:"score,omitempty"`
	TimeUsed         *int32                  `json:"time_used,omitempty"`
	MemoryUsed       *int32                  `json:"memory_used,omitempty"`
	CompileOutput    *string                 `json:"compile_output,omitempty"`
	ErrorInfo        *SystemErrorInfo        `json:"error_info,omitempty"`
	TestCaseResults  []TestCaseResultPayload `json:"test_case_results"`
}

// MessageType implements mqmsg.Message.
func (Result) MessageType() string { return "judge_result" }

// SystemErrorResult builds a Result reporting a system-level failure,
// with no test case results and no verdict.
func SystemErrorResult(jobID string, submissionID int64, info SystemErrorInfo) Result {
	return Result{
		JobID:        jobID,
		SubmissionID: submissionID,
		Status:       status.SystemError,
		ErrorInfo:    &info,
	}
}
