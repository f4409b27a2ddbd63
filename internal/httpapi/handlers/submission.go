package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/broccoli-judge/judge-core/internal/blobstore"
	"github.com/broccoli-judge/judge-core/internal/common"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/judge"
	"github.com/broccoli-judge/judge-core/internal/status"
	"github.com/gin-gonic/gin"
)

// archiveFileThreshold is the size above which a submitted file is
// additionally archived to the blob store for dedup and audit, on top
// of being embedded whole in the dispatched job payload. Below this
// size the per-file filesystem write isn't worth the syscalls.
const archiveFileThreshold = 64 * 1024

// archiveLargeFiles stores any file over archiveFileThreshold in the
// content-addressed blob store and records a BlobRef against the
// submission. Archiving is best-effort: a failure here is logged but
// never blocks dispatch, since the worker gets the file content inline
// in the job payload regardless.
func (h *Handler) archiveLargeFiles(ctx context.Context, submissionID int64, files []judge.File) {
	if h.Blobs == nil || h.BlobRefs == nil {
		return
	}
	for _, f := range files {
		if len(f.Content) <= archiveFileThreshold {
			continue
		}
		hash, err := h.Blobs.Put([]byte(f.Content))
		if err != nil {
			log.Printf("httpapi: submission=%d archive file=%s failed: %v", submissionID, f.Filename, err)
			continue
		}
		if err := h.BlobRefs.EnsureObject(ctx, hash, int64(len(f.Content))); err != nil {
			log.Printf("httpapi: submission=%d ensure blob object failed: %v", submissionID, err)
			continue
		}
		ref := blobstore.BlobRef{
			OwnerType:   "submission",
			OwnerID:     submissionID,
			Path:        f.Filename,
			ContentHash: hash.Hex(),
			Filename:    f.Filename,
			Size:        int64(len(f.Content)),
			CreatedAt:   time.Now(),
		}
		if err := h.BlobRefs.PutRef(ctx, &ref); err != nil {
			log.Printf("httpapi: submission=%d put blob ref failed: %v", submissionID, err)
		}
	}
}

type createSubmissionReq struct {
	UserID      int64            `json:"user_id"`
	ProblemID   int64            `json:"problem_id"`
	ContestID   *int64           `json:"contest_id"`
	Language    string           `json:"language"`
	Files       []judge.File     `json:"files"`
	TimeLimit   int32            `json:"time_limit"`
	MemoryLimit int32            `json:"memory_limit"`
	TestCases   []judge.TestCase `json:"test_cases"`
}

// CreateSubmission persists a Pending submission row and dispatches a
// judge job for it. A publish failure is a system error on that
// submission, not a pending-retry state: Dispatcher has no outbox, so
// without an immediate SystemError write the row would otherwise sit in
// Pending until the stuck-job detector reconciles it up to its scan
// timeout later.
func (h *Handler) CreateSubmission(c *gin.Context) {
	var req createSubmissionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.ProblemID == 0 || req.Language == "" || len(req.Files) == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "problem_id, language and files are required")
		return
	}

	filesJSON, err := judge.EncodeFiles(req.Files)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to encode submission files")
		return
	}

	submission := judge.Submission{
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		ContestID: req.ContestID,
		Language:  req.Language,
		Status:    status.Pending,
		Files:     filesJSON,
		CreatedAt: time.Now(),
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&submission).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to create submission")
		return
	}

	h.archiveLargeFiles(c.Request.Context(), submission.ID, req.Files)

	jobID, err := h.Dispatcher.Dispatch(c.Request.Context(), judge.DispatchInput{
		SubmissionID: submission.ID,
		ProblemID:    req.ProblemID,
		Files:        req.Files,
		Language:     req.Language,
		TimeLimit:    req.TimeLimit,
		MemoryLimit:  req.MemoryLimit,
		ContestID:    req.ContestID,
		TestCases:    req.TestCases,
	})
	if err != nil {
		log.Printf("httpapi: submission=%d dispatch failed: %v", submission.ID, err)
		if markErr := judge.MarkSubmissionSystemError(c.Request.Context(), h.DB, submission.ID, "MQ_ERROR", err.Error()); markErr != nil {
			log.Printf("httpapi: submission=%d failed to mark MQ_ERROR: %v", submission.ID, markErr)
		}
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to dispatch judge job")
		return
	}

	if h.Hooks != nil {
		_, _, _ = h.Hooks.Trigger(c.Request.Context(), hooks.SubmissionDispatched{
			SubmissionID: submission.ID,
			JobID:        jobID,
			DispatchedAt: time.Now(),
		})
	}

	common.OK(c, gin.H{
		"submission_id": submission.ID,
		"job_id":        jobID,
		"status":        submission.Status.String(),
	})
}

// GetSubmission returns a submission's current status and, if judged,
// its verdict and score.
func (h *Handler) GetSubmission(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "invalid submission id")
		return
	}

	var submission judge.Submission
	if err := h.DB.WithContext(c.Request.Context()).First(&submission, id).Error; err != nil {
		common.Fail(c, http.StatusNotFound, 40401, "submission not found")
		return
	}

	verdict := ""
	if submission.Verdict != nil {
		verdict = submission.Verdict.String()
	}
	files, err := submission.DecodeFiles()
	if err != nil {
		log.Printf("httpapi: submission=%d %v", submission.ID, err)
	}
	common.OK(c, gin.H{
		"submission_id": submission.ID,
		"status":        submission.Status.String(),
		"verdict":       verdict,
		"score":         submission.Score,
		"error_code":    submission.ErrorCode,
		"error_message": submission.ErrorMessage,
		"files":         files,
	})
}
