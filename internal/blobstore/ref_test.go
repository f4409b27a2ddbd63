package blobstore

import (
	"context"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&BlobObject{}, &BlobRef{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestRefRepo_EnsureObjectIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRefRepo(db)
	ctx := context.Background()

	hash := ComputeHash([]byte("dedup me"))
	if err := repo.EnsureObject(ctx, hash, 8); err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	if err := repo.EnsureObject(ctx, hash, 8); err != nil {
		t.Fatalf("ensure object again: %v", err)
	}

	var count int64
	if err := db.Model(&BlobObject{}).Where("content_hash = ?", hash.Hex()).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 BlobObject row, got %d", count)
	}
}

func TestRefRepo_PutRefGeneratesID(t *testing.T) {
	db := openTestDB(t)
	repo := NewRefRepo(db)
	ctx := context.Background()

	hash := ComputeHash([]byte("content"))
	if err := repo.EnsureObject(ctx, hash, 7); err != nil {
		t.Fatalf("ensure object: %v", err)
	}

	ref := BlobRef{
		OwnerType:   "submission",
		OwnerID:     42,
		Path:        "main.cpp",
		ContentHash: hash.Hex(),
		Filename:    "main.cpp",
		Size:        7,
	}
	if err := repo.PutRef(ctx, &ref); err != nil {
		t.Fatalf("put ref: %v", err)
	}
	if ref.ID == "" {
		t.Fatalf("expected generated ULID, got empty ID")
	}

	fetched, err := repo.GetRefByID(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get ref by id: %v", err)
	}
	if fetched.OwnerID != 42 || fetched.Path != "main.cpp" {
		t.Fatalf("unexpected fetched ref: %+v", fetched)
	}
}

func TestRefRepo_PutRefAtSamePathRewritesRow(t *testing.T) {
	db := openTestDB(t)
	repo := NewRefRepo(db)
	ctx := context.Background()

	oldHash := ComputeHash([]byte("old content"))
	newHash := ComputeHash([]byte("new content, different length"))
	if err := repo.EnsureObject(ctx, oldHash, 11); err != nil {
		t.Fatalf("ensure old object: %v", err)
	}
	if err := repo.EnsureObject(ctx, newHash, 30); err != nil {
		t.Fatalf("ensure new object: %v", err)
	}

	first := BlobRef{
		OwnerType:   "submission",
		OwnerID:     7,
		Path:        "main.cpp",
		ContentHash: oldHash.Hex(),
		Filename:    "main.cpp",
		Size:        11,
	}
	if err := repo.PutRef(ctx, &first); err != nil {
		t.Fatalf("put first ref: %v", err)
	}

	second := BlobRef{
		OwnerType:   "submission",
		OwnerID:     7,
		Path:        "main.cpp",
		ContentHash: newHash.Hex(),
		Filename:    "main.cpp",
		Size:        30,
	}
	if err := repo.PutRef(ctx, &second); err != nil {
		t.Fatalf("put second ref at same path: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the second put to rewrite the same row, got a new id %q vs %q", second.ID, first.ID)
	}

	var count int64
	if err := db.Model(&BlobRef{}).Where("owner_type = ? AND owner_id = ? AND path = ?", "submission", 7, "main.cpp").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 ref row at the path after rewrite, got %d", count)
	}

	fetched, err := repo.GetRefByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("get ref by id: %v", err)
	}
	if fetched.ContentHash != newHash.Hex() {
		t.Fatalf("expected rewritten row to carry the new hash, got %s", fetched.ContentHash)
	}

	var objCount int64
	if err := db.Model(&BlobObject{}).Count(&objCount).Error; err != nil {
		t.Fatalf("count objects: %v", err)
	}
	if objCount != 2 {
		t.Fatalf("expected both blob objects to remain untouched, got %d", objCount)
	}
}

func TestRefRepo_ListRefsByHash(t *testing.T) {
	db := openTestDB(t)
	repo := NewRefRepo(db)
	ctx := context.Background()

	hash := ComputeHash([]byte("shared content"))
	if err := repo.EnsureObject(ctx, hash, 14); err != nil {
		t.Fatalf("ensure object: %v", err)
	}

	for i, ownerID := range []int64{1, 2} {
		ref := BlobRef{
			OwnerType:   "submission",
			OwnerID:     ownerID,
			Path:        "shared.txt",
			ContentHash: hash.Hex(),
			Filename:    "shared.txt",
			Size:        14,
		}
		if err := repo.PutRef(ctx, &ref); err != nil {
			t.Fatalf("put ref %d: %v", i, err)
		}
	}

	refs, err := repo.ListRefsByHash(ctx, hash.Hex())
	if err != nil {
		t.Fatalf("list refs: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs sharing the blob, got %d", len(refs))
	}
}

func TestRefRepo_DeleteRefMissingIsNoop(t *testing.T) {
	db := openTestDB(t)
	repo := NewRefRepo(db)
	if err := repo.DeleteRef(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("expected no error deleting missing ref, got %v", err)
	}
}
