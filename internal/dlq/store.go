package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResolveOutcome distinguishes the three ways a Resolve call can land.
type ResolveOutcome int

const (
	Resolved ResolveOutcome = iota
	AlreadyResolved
	NotFound
)

// Stats summarizes the dead-letter queue's current contents.
type Stats struct {
	TotalUnresolved       uint64
	TotalResolved         uint64
	JudgeJobCount         uint64
	JudgeResultCount      uint64
	UnresolvedByErrorCode map[string]uint64
}

const statsCacheKey = "dlq:stats"
const statsCacheTTL = 5 * time.Second

// Store persists dead-lettered messages to MySQL via gorm and caches
// the (moderately expensive, full-table-scan) Stats aggregate in Redis
// for statsCacheTTL. It never opens its own transaction: every write
// method takes the *gorm.DB (plain connection or live transaction) to
// run against, so a caller that needs the DLQ insert and a related
// submission update to commit atomically (the stuck-job detector) can
// pass its own transaction handle straight through.
type Store struct {
	cache *redis.Client
}

// NewStore returns a Store. cache may be nil, in which case Stats
// always recomputes from the database.
func NewStore(cache *redis.Client) *Store {
	return &Store{cache: cache}
}

// SendToDlq persists envelope as a dead-letter row against db, deriving
// FirstFailedAt from the earliest retry attempt (or now, if the message
// was never retried before being dead-lettered directly).
func (s *Store) SendToDlq(ctx context.Context, db *gorm.DB, env Envelope) (*DeadLetterMessage, error) {
	firstFailedAt := time.Now()
	if len(env.RetryHistory) > 0 {
		firstFailedAt = env.RetryHistory[0].FailedAt
	}
	historyJSON, err := json.Marshal(env.RetryHistory)
	if err != nil {
		return nil, fmt.Errorf("dlq: marshal retry history: %w", err)
	}

	row := &DeadLetterMessage{
		MessageID:     env.MessageID,
		MessageType:   env.MessageType.String(),
		SubmissionID:  env.SubmissionID,
		Payload:       string(env.Payload),
		ErrorMessage:  env.ErrorMessage,
		ErrorCode:     env.ErrorCode.String(),
		RetryCount:    int32(len(env.RetryHistory)),
		RetryHistory:  string(historyJSON),
		FirstFailedAt: firstFailedAt,
		CreatedAt:     time.Now(),
		Resolved:      false,
	}
	return s.insertEntry(ctx, db, row)
}

// CreateEntry builds and persists a dead-letter row directly from its
// components against db, for callers (the stuck-job detector) that have
// no retry history to attach.
func (s *Store) CreateEntry(ctx context.Context, db *gorm.DB, messageID string, messageType MessageType, submissionID *int64, payload []byte, errorCode ErrorCode, errorMessage string) (*DeadLetterMessage, error) {
	now := time.Now()
	row := &DeadLetterMessage{
		MessageID:     messageID,
		MessageType:   messageType.String(),
		SubmissionID:  submissionID,
		Payload:       string(payload),
		ErrorMessage:  errorMessage,
		ErrorCode:     errorCode.String(),
		RetryCount:    0,
		RetryHistory:  "[]",
		FirstFailedAt: now,
		CreatedAt:     now,
		Resolved:      false,
	}
	return s.insertEntry(ctx, db, row)
}

// insertEntry inserts row, and on a unique-constraint conflict on
// MessageID (the message was already dead-lettered, e.g. by a
// concurrent redelivery) fetches and returns the existing row instead.
// This makes dead-lettering idempotent under at-least-once delivery.
func (s *Store) insertEntry(ctx context.Context, db *gorm.DB, row *DeadLetterMessage) (*DeadLetterMessage, error) {
	err := db.WithContext(ctx).Create(row).Error
	if err == nil {
		s.invalidateStatsCache(ctx)
		return row, nil
	}
	if isUniqueConstraintErr(err) {
		var existing DeadLetterMessage
		getErr := db.WithContext(ctx).Where("message_id = ?", row.MessageID).First(&existing).Error
		if getErr != nil {
			return nil, fmt.Errorf("dlq: unique constraint hit but existing row not found: %w", getErr)
		}
		return &existing, nil
	}
	return nil, fmt.Errorf("dlq: insert entry: %w", err)
}

func isUniqueConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// List returns a page of dead-letter rows, most recent first, optionally
// filtered by message type and/or resolved status.
func (s *Store) List(ctx context.Context, db *gorm.DB, messageType *MessageType, resolved *bool, page, perPage uint64) ([]DeadLetterMessage, int64, error) {
	if page == 0 {
		page = 1
	}
	if perPage == 0 || perPage > 100 {
		perPage = 20
	}

	q := db.WithContext(ctx).Model(&DeadLetterMessage{})
	if messageType != nil {
		q = q.Where("message_type = ?", messageType.String())
	}
	if resolved != nil {
		q = q.Where("resolved = ?", *resolved)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dlq: count: %w", err)
	}

	var rows []DeadLetterMessage
	if err := q.Order("created_at DESC").
		Offset(int((page - 1) * perPage)).
		Limit(int(perPage)).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("dlq: list: %w", err)
	}
	return rows, total, nil
}

// GetByID fetches a single row by its primary key.
func (s *Store) GetByID(ctx context.Context, db *gorm.DB, id int64) (*DeadLetterMessage, error) {
	var row DeadLetterMessage
	if err := db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByIDForUpdate fetches a single row by its primary key, locking it
// FOR UPDATE. db must be a live transaction.
func (s *Store) GetByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*DeadLetterMessage, error) {
	var row DeadLetterMessage
	if err := db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Resolve marks a row resolved, conditioning the update on the row
// still being unresolved so two concurrent resolve calls never both
// report success.
func (s *Store) Resolve(ctx context.Context, db *gorm.DB, id int64, resolvedBy *int64) (ResolveOutcome, error) {
	now := time.Now()
	result := db.WithContext(ctx).Model(&DeadLetterMessage{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{
			"resolved":    true,
			"resolved_at": now,
			"resolved_by": resolvedBy,
		})
	if result.Error != nil {
		return NotFound, fmt.Errorf("dlq: resolve: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.invalidateStatsCache(ctx)
		return Resolved, nil
	}

	var exists DeadLetterMessage
	err := db.WithContext(ctx).Select("id").First(&exists, id).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return NotFound, nil
	case err != nil:
		return NotFound, fmt.Errorf("dlq: resolve existence check: %w", err)
	default:
		return AlreadyResolved, nil
	}
}

// ResolveMany marks every unresolved row among ids as resolved, returning
// the number of rows actually changed.
func (s *Store) ResolveMany(ctx context.Context, db *gorm.DB, ids []int64, resolvedBy *int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now()
	result := db.WithContext(ctx).Model(&DeadLetterMessage{}).
		Where("id IN ? AND resolved = ?", ids, false).
		Updates(map[string]any{
			"resolved":    true,
			"resolved_at": now,
			"resolved_by": resolvedBy,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("dlq: resolve many: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.invalidateStatsCache(ctx)
	}
	return result.RowsAffected, nil
}

// HasUnresolvedEntry reports whether submissionID already has an
// unresolved dead-letter row, used by the stuck-job detector to avoid
// inserting a duplicate entry for a submission already under review.
func (s *Store) HasUnresolvedEntry(ctx context.Context, db *gorm.DB, submissionID int64) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&DeadLetterMessage{}).
		Where("submission_id = ? AND resolved = ?", submissionID, false).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("dlq: has unresolved entry: %w", err)
	}
	return count > 0, nil
}

// Stats aggregates counts over the current DLQ contents, serving a
// cached value from Redis when available to spare the unresolved-rows
// scan on every poll of an admin dashboard.
func (s *Store) Stats(ctx context.Context, db *gorm.DB) (Stats, error) {
	if cached, ok := s.readStatsCache(ctx); ok {
		return cached, nil
	}

	var totalResolved int64
	if err := db.WithContext(ctx).Model(&DeadLetterMessage{}).
		Where("resolved = ?", true).Count(&totalResolved).Error; err != nil {
		return Stats{}, fmt.Errorf("dlq: count resolved: %w", err)
	}

	var unresolved []struct {
		MessageType string
		ErrorCode   string
	}
	if err := db.WithContext(ctx).Model(&DeadLetterMessage{}).
		Select("message_type, error_code").
		Where("resolved = ?", false).
		Find(&unresolved).Error; err != nil {
		return Stats{}, fmt.Errorf("dlq: scan unresolved: %w", err)
	}

	st := Stats{
		TotalResolved:         uint64(totalResolved),
		TotalUnresolved:       uint64(len(unresolved)),
		UnresolvedByErrorCode: make(map[string]uint64),
	}
	for _, row := range unresolved {
		switch row.MessageType {
		case string(JudgeJobMessage):
			st.JudgeJobCount++
		case string(JudgeResultMessage):
			st.JudgeResultCount++
		}
		st.UnresolvedByErrorCode[row.ErrorCode]++
	}

	s.writeStatsCache(ctx, st)
	return st, nil
}

func (s *Store) readStatsCache(ctx context.Context) (Stats, bool) {
	if s.cache == nil {
		return Stats{}, false
	}
	raw, err := s.cache.Get(ctx, statsCacheKey).Bytes()
	if err != nil {
		return Stats{}, false
	}
	var st Stats
	if err := json.Unmarshal(raw, &st); err != nil {
		return Stats{}, false
	}
	return st, true
}

func (s *Store) writeStatsCache(ctx context.Context, st Stats) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	s.cache.Set(ctx, statsCacheKey, raw, statsCacheTTL)
}

func (s *Store) invalidateStatsCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Del(ctx, statsCacheKey)
}
