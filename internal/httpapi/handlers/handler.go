package handlers

import (
	"github.com/broccoli-judge/judge-core/internal/blobstore"
	"github.com/broccoli-judge/judge-core/internal/config"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/judge"
	"gorm.io/gorm"
)

// Handler holds every dependency the judge HTTP surface needs: enough to
// create a submission (dispatching through the job dispatcher, archiving
// large source files through the blob store) and administer the
// dead-letter store, the minimum surface the Non-goals leave in scope
// (no full contest API, no auth).
type Handler struct {
	DB         *gorm.DB
	Cfg        config.Config
	Dispatcher *judge.Dispatcher
	Dlq        *dlq.Store
	Hooks      *hooks.Registry
	Blobs      *blobstore.FilesystemStore
	BlobRefs   *blobstore.RefRepo
}

// NewHandler wires a Handler from its already-constructed dependencies;
// cmd/server/main.go owns building the broker, dispatcher, DLQ store,
// and blob store.
func NewHandler(db *gorm.DB, cfg config.Config, dispatcher *judge.Dispatcher, store *dlq.Store, registry *hooks.Registry, blobs *blobstore.FilesystemStore, blobRefs *blobstore.RefRepo) *Handler {
	return &Handler{DB: db, Cfg: cfg, Dispatcher: dispatcher, Dlq: store, Hooks: registry, Blobs: blobs, BlobRefs: blobRefs}
}
