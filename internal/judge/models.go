package judge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/broccoli-judge/judge-core/internal/status"
)

// Submission is the durable record of one judging request, created by
// the HTTP layer in Pending status and updated by the result consumer,
// worker-DLQ consumer, or stuck-job detector as it reaches a terminal
// state.
type Submission struct {
	ID            int64                   `gorm:"primaryKey;autoIncrement"`
	UserID        int64                   `gorm:"index;not null"`
	ProblemID     int64                   `gorm:"index;not null"`
	ContestID     *int64                  `gorm:"index"`
	Language      string                  `gorm:"type:varchar(32);not null"`
	Status        status.SubmissionStatus `gorm:"type:varchar(32);index;not null"`
	Verdict       *status.Verdict         `gorm:"type:varchar(32)"`
	Score         *int32
	TimeUsed      *int32
	MemoryUsed    *int32
	CompileOutput *string `gorm:"type:text"`
	ErrorCode     *string `gorm:"type:varchar(64)"`
	ErrorMessage  *string `gorm:"type:text"`
	Files         string  `gorm:"type:longtext;not null"`
	JudgedAt      *time.Time
	CreatedAt     time.Time `gorm:"index;not null"`
	UpdatedAt     time.Time
}

func (Submission) TableName() string { return "submission" }

// DecodeFiles unmarshals the submission's JSON-encoded Files column back
// into the slice of source files it was created with.
func (s Submission) DecodeFiles() ([]File, error) {
	if s.Files == "" {
		return nil, nil
	}
	var files []File
	if err := json.Unmarshal([]byte(s.Files), &files); err != nil {
		return nil, fmt.Errorf("judge: decode submission %d files: %w", s.ID, err)
	}
	return files, nil
}

// EncodeFiles marshals files to the JSON string stored in Files.
func EncodeFiles(files []File) (string, error) {
	raw, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("judge: encode submission files: %w", err)
	}
	return string(raw), nil
}

// TestCaseResult is one test case's outcome for a judged submission.
type TestCaseResult struct {
	ID            int64          `gorm:"primaryKey;autoIncrement"`
	SubmissionID  int64          `gorm:"index;not null"`
	TestCaseID    int64          `gorm:"not null"`
	Verdict       status.Verdict `gorm:"type:varchar(32);not null"`
	Score         int32          `gorm:"not null"`
	TimeUsed      *int32
	MemoryUsed    *int32
	Stdout        *string   `gorm:"type:text"`
	Stderr        *string   `gorm:"type:text"`
	CheckerOutput *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (TestCaseResult) TableName() string { return "test_case_result" }
