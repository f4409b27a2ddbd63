package blobstore

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// BlobObject is the durable record of one deduplicated blob: exactly one
// row per distinct content hash, never mutated after insert.
type BlobObject struct {
	ContentHash string `gorm:"primaryKey;type:varchar(64)"`
	Size        int64  `gorm:"not null"`
	CreatedAt   time.Time
}

func (BlobObject) TableName() string { return "blob_object" }

// BlobRef binds a logical owner (e.g. a submission's test-case input
// file) to a content hash. Multiple refs may point at the same
// BlobObject once a blob has been deduplicated; refs are what make a
// blob referenced, and what a garbage collector would scan to decide a
// BlobObject is orphaned.
type BlobRef struct {
	ID          string    `gorm:"primaryKey;size:26"` // ULID
	OwnerType   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_blob_ref_owner"`
	OwnerID     int64     `gorm:"not null;uniqueIndex:idx_blob_ref_owner"`
	Path        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_blob_ref_owner"`
	ContentHash string    `gorm:"type:varchar(64);index;not null"`
	Filename    string    `gorm:"type:varchar(255);not null"`
	ContentType *string   `gorm:"type:varchar(128)"`
	Size        int64     `gorm:"not null"`
	CreatedAt   time.Time
}

func (BlobRef) TableName() string { return "blob_ref" }

// NewBlobRefID generates a new ULID for a BlobRef, matching the
// teacher's session-ID convention of a monotonic, lexicographically
// sortable 26-character identifier.
func NewBlobRefID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// RefRepo persists BlobObject and BlobRef rows.
type RefRepo struct {
	db *gorm.DB
}

// NewRefRepo returns a RefRepo backed by db.
func NewRefRepo(db *gorm.DB) *RefRepo {
	return &RefRepo{db: db}
}

// EnsureObject inserts a BlobObject row for hash if one doesn't already
// exist, idempotent under the primary key conflict the same way
// dlq.Store's insertEntry is: this is the teacher's
// CreateJobOrGetExisting / InsertUserMessageOrGetExisting
// idempotent-insert-or-fetch pattern applied to content-addressed
// storage instead of a foreign-key relation.
func (r *RefRepo) EnsureObject(ctx context.Context, hash ContentHash, size int64) error {
	obj := BlobObject{ContentHash: hash.Hex(), Size: size, CreatedAt: time.Now()}
	err := r.db.WithContext(ctx).Create(&obj).Error
	if err == nil {
		return nil
	}
	var existing BlobObject
	getErr := r.db.WithContext(ctx).First(&existing, "content_hash = ?", hash.Hex()).Error
	if getErr == nil {
		return nil
	}
	return err
}

// PutRef upserts ref: a second call for the same (owner_type, owner_id,
// path) rewrites the existing row in place rather than hitting
// idx_blob_ref_owner's unique constraint. Replacing a ref at the same
// path never touches the underlying BlobObject — the caller must have
// already called EnsureObject for ref.ContentHash, and any now-orphaned
// object is left for a garbage collector to reap via ListRefsByHash.
func (r *RefRepo) PutRef(ctx context.Context, ref *BlobRef) error {
	var existing BlobRef
	err := r.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ? AND path = ?", ref.OwnerType, ref.OwnerID, ref.Path).
		First(&existing).Error
	switch {
	case err == nil:
		ref.ID = existing.ID
		if ref.CreatedAt.IsZero() {
			ref.CreatedAt = existing.CreatedAt
		}
		return r.db.WithContext(ctx).Save(ref).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if ref.ID == "" {
			id, genErr := NewBlobRefID()
			if genErr != nil {
				return genErr
			}
			ref.ID = id
		}
		return r.db.WithContext(ctx).Create(ref).Error
	default:
		return err
	}
}

// GetRefByID fetches a BlobRef by its ID.
func (r *RefRepo) GetRefByID(ctx context.Context, id string) (*BlobRef, error) {
	var ref BlobRef
	if err := r.db.WithContext(ctx).First(&ref, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListRefsByHash returns every BlobRef pointing at the given content
// hash, useful for confirming a blob is unreferenced before deleting it.
func (r *RefRepo) ListRefsByHash(ctx context.Context, hash string) ([]BlobRef, error) {
	var refs []BlobRef
	if err := r.db.WithContext(ctx).Where("content_hash = ?", hash).Find(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}

// DeleteRef removes the BlobRef with the given ID. Deleting one that
// does not exist is not an error.
func (r *RefRepo) DeleteRef(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Delete(&BlobRef{}, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
