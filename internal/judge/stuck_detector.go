package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/status"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StuckJobDetector periodically scans for submissions that have sat in
// Pending longer than Timeout, meaning their judge job was either never
// successfully dispatched or its result was lost in transit, and moves
// each one to the dead-letter store for operator review. Grounded on
// dlq/stuck.rs's run_stuck_job_detector/detect_and_handle_stuck_jobs/
// handle_stuck_submission.
type StuckJobDetector struct {
	db    *gorm.DB
	dlq   *dlq.Store
	hooks *hooks.Registry

	scanInterval time.Duration
	timeout      time.Duration
}

// StuckJobDetectorConfig configures a StuckJobDetector.
type StuckJobDetectorConfig struct {
	ScanInterval time.Duration
	Timeout      time.Duration
}

// NewStuckJobDetector builds a StuckJobDetector. hooks may be nil.
func NewStuckJobDetector(db *gorm.DB, store *dlq.Store, registry *hooks.Registry, cfg StuckJobDetectorConfig) *StuckJobDetector {
	return &StuckJobDetector{
		db:           db,
		dlq:          store,
		hooks:        registry,
		scanInterval: cfg.ScanInterval,
		timeout:      cfg.Timeout,
	}
}

// Run ticks every ScanInterval, scanning for and handling stuck
// submissions, until ctx is canceled. A scan failure is logged and does
// not stop the loop; the next tick tries again.
func (d *StuckJobDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	log.Printf("judge: stuck job detector started timeout=%s scan_interval=%s", d.timeout, d.scanInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.detectAndHandleStuckJobs(ctx); err != nil {
				log.Printf("judge: stuck job detection failed: %v", err)
			}
		}
	}
}

func (d *StuckJobDetector) detectAndHandleStuckJobs(ctx context.Context) error {
	threshold := time.Now().Add(-d.timeout)

	var stuckIDs []int64
	err := d.db.WithContext(ctx).Model(&Submission{}).
		Select("id").
		Where("status = ? AND created_at < ?", status.Pending, threshold).
		Pluck("id", &stuckIDs).Error
	if err != nil {
		return fmt.Errorf("scan for stuck submissions: %w", err)
	}

	if len(stuckIDs) == 0 {
		return nil
	}
	log.Printf("judge: found %d stuck submissions, moving to DLQ", len(stuckIDs))

	for _, id := range stuckIDs {
		if err := d.handleStuckSubmission(ctx, id); err != nil {
			log.Printf("judge: failed to handle stuck submission %d: %v", id, err)
		}
	}
	return nil
}

func (d *StuckJobDetector) handleStuckSubmission(ctx context.Context, submissionID int64) error {
	tx := d.db.WithContext(ctx).Begin()
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
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&submission, submissionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("lock submission %d: %w", submissionID, err)
	}

	if submission.Status != status.Pending {
		tx.Rollback()
		return nil
	}

	hasEntry, err := d.dlq.HasUnresolvedEntry(ctx, tx, submissionID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("check existing dlq entry: %w", err)
	}
	if hasEntry {
		tx.Rollback()
		log.Printf("judge: submission %d already has unresolved DLQ entry, skipping", submissionID)
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"submission_id": submission.ID,
		"problem_id":    submission.ProblemID,
		"user_id":       submission.UserID,
		"language":      submission.Language,
		"contest_id":    submission.ContestID,
		"created_at":    submission.CreatedAt,
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("marshal stuck submission snapshot: %w", err)
	}

	messageID := fmt.Sprintf("stuck-submission-%d", submission.ID)
	_, err = d.dlq.CreateEntry(ctx, tx, messageID, dlq.JudgeJobMessage, &submission.ID, payload,
		dlq.StuckJob, fmt.Sprintf("Submission stuck in Pending for over %s", d.timeout))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("create dlq entry: %w", err)
	}

	if err := markSubmissionSystemError(ctx, tx, submission.ID, dlq.SubmissionStuckJob, "Job timed out waiting for worker"); err != nil {
		tx.Rollback()
		return fmt.Errorf("mark submission system error: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("judge: moved stuck submission %d to DLQ", submission.ID)
	if d.hooks != nil {
		_, _, _ = d.hooks.Trigger(ctx, hooks.SubmissionStuck{
			SubmissionID: submission.ID,
			PendingSince: submission.CreatedAt,
		})
	}
	return nil
}
