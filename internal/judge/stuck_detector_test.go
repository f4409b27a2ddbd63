package judge

import (
	"context"
	"testing"
	"time"

	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/status"
	"gorm.io/gorm"
)

func openStuckTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openTestDB(t)
	if err := db.AutoMigrate(&dlq.DeadLetterMessage{}); err != nil {
		t.Fatalf("automigrate dlq: %v", err)
	}
	return db
}

func TestHandleStuckSubmission_MovesOldPendingSubmissionToDlq(t *testing.T) {
	db := openStuckTestDB(t)
	store := dlq.NewStore(nil)
	detector := NewStuckJobDetector(db, store, nil, StuckJobDetectorConfig{
		ScanInterval: time.Minute,
		Timeout:      5 * time.Minute,
	})

	sub := Submission{
		UserID:    1,
		ProblemID: 1,
		Language:  "cpp",
		Status:    status.Pending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("create submission: %v", err)
	}

	if err := detector.detectAndHandleStuckJobs(context.Background()); err != nil {
		t.Fatalf("detect: %v", err)
	}

	var updated Submission
	if err := db.First(&updated, sub.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Status != status.SystemError {
		t.Fatalf("expected SystemError, got %s", updated.Status)
	}
	if updated.ErrorCode == nil || *updated.ErrorCode != dlq.SubmissionStuckJob {
		t.Fatalf("expected error code %s, got %v", dlq.SubmissionStuckJob, updated.ErrorCode)
	}

	has, err := store.HasUnresolvedEntry(context.Background(), db, sub.ID)
	if err != nil {
		t.Fatalf("has unresolved: %v", err)
	}
	if !has {
		t.Fatalf("expected an unresolved DLQ entry for the stuck submission")
	}
}

func TestHandleStuckSubmission_RecentPendingSubmissionIsUntouched(t *testing.T) {
	db := openStuckTestDB(t)
	store := dlq.NewStore(nil)
	detector := NewStuckJobDetector(db, store, nil, StuckJobDetectorConfig{
		ScanInterval: time.Minute,
		Timeout:      5 * time.Minute,
	})

	sub := Submission{
		UserID:    1,
		ProblemID: 1,
		Language:  "cpp",
		Status:    status.Pending,
		CreatedAt: time.Now(),
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("create submission: %v", err)
	}

	if err := detector.detectAndHandleStuckJobs(context.Background()); err != nil {
		t.Fatalf("detect: %v", err)
	}

	var reloaded Submission
	if err := db.First(&reloaded, sub.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != status.Pending {
		t.Fatalf("expected submission to remain Pending, got %s", reloaded.Status)
	}
}

func TestHandleStuckSubmission_RepeatedTicksInsertOnlyOneDlqRow(t *testing.T) {
	db := openStuckTestDB(t)
	store := dlq.NewStore(nil)
	detector := NewStuckJobDetector(db, store, nil, StuckJobDetectorConfig{
		ScanInterval: time.Minute,
		Timeout:      5 * time.Minute,
	})

	sub := Submission{
		UserID:    1,
		ProblemID: 1,
		Language:  "cpp",
		Status:    status.Pending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("create submission: %v", err)
	}

	if err := detector.handleStuckSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	// Second tick must be a no-op: the submission is no longer Pending
	// (it was marked SystemError by the first tick), so the status guard
	// alone prevents a second DLQ insert.
	if err := detector.handleStuckSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	var count int64
	if err := db.Model(&dlq.DeadLetterMessage{}).Where("submission_id = ?", sub.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 dlq row across repeated ticks, got %d", count)
	}
}
