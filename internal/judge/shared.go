package judge

import (
	"context"
	"fmt"
	"time"

	"github.com/broccoli-judge/judge-core/internal/status"
	"gorm.io/gorm"
)

// markSubmissionSystemError sets a submission to SystemError with the
// given error code and message. Used by every path that gives up on a
// submission after exhausting retries or detecting it stuck: the
// worker-DLQ consumer, the result consumer's exhaustion branch, and the
// stuck-job detector. Accepts any *gorm.DB so callers can pass either a
// live transaction (stuck-job detector, which must commit this in the
// same txn as its DLQ insert) or the plain connection (the DLQ-path
// consumers, which mark the submission in a second, separate write
// after the DLQ transaction already committed).
func markSubmissionSystemError(ctx context.Context, db *gorm.DB, submissionID int64, errorCode, errorMessage string) error {
	now := time.Now()
	result := db.WithContext(ctx).Model(&Submission{}).
		Where("id = ?", submissionID).
		Updates(map[string]any{
			"status":        status.SystemError,
			"error_code":    errorCode,
			"error_message": errorMessage,
			"judged_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("judge: mark submission %d system error: %w", submissionID, result.Error)
	}
	return nil
}

// MarkSubmissionSystemError is the exported entry point for callers
// outside this package that give up on a submission immediately rather
// than through the retry/stuck-job paths above — currently the
// submission handler, when Dispatcher.Dispatch fails synchronously on
// create.
func MarkSubmissionSystemError(ctx context.Context, db *gorm.DB, submissionID int64, errorCode, errorMessage string) error {
	return markSubmissionSystemError(ctx, db, submissionID, errorCode, errorMessage)
}
