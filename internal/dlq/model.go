package dlq

import (
	"time"
)

// DeadLetterMessage is the durable row for one dead-lettered message.
// MessageID carries a unique index so repeated delivery of the same
// failed message is an idempotent no-op rather than a duplicate row.
type DeadLetterMessage struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	MessageID     string     `gorm:"type:varchar(128);uniqueIndex;not null"`
	MessageType   string     `gorm:"type:varchar(32);index;not null"`
	SubmissionID  *int64     `gorm:"index"`
	Payload       string     `gorm:"type:longtext;not null"`
	ErrorCode     string     `gorm:"type:varchar(32);index;not null"`
	ErrorMessage  string     `gorm:"type:text;not null"`
	RetryCount    int32      `gorm:"not null;default:0"`
	RetryHistory  string     `gorm:"type:longtext;not null"`
	FirstFailedAt time.Time  `gorm:"not null"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_dlq_resolved_created,priority:2"`
	Resolved      bool       `gorm:"not null;default:false;index:idx_dlq_resolved_created,priority:1"`
	ResolvedAt    *time.Time
	ResolvedBy    *int64
}

func (DeadLetterMessage) TableName() string { return "dead_letter_message" }
