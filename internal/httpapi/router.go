package httpapi

import (
	"net/http"
	"time"

	"github.com/broccoli-judge/judge-core/internal/blobstore"
	"github.com/broccoli-judge/judge-core/internal/common"
	"github.com/broccoli-judge/judge-core/internal/config"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/hooks"
	"github.com/broccoli-judge/judge-core/internal/httpapi/handlers"
	"github.com/broccoli-judge/judge-core/internal/httpapi/middleware"
	"github.com/broccoli-judge/judge-core/internal/judge"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// NewRouter builds the judge core's thin HTTP surface: a submission
// create/get endpoint backed by the job dispatcher, and DLQ admin
// endpoints backed by the dead-letter store. No auth, no contest CRUD —
// those are external collaborators per the Non-goals.
func NewRouter(db *gorm.DB, cfg config.Config, dispatcher *judge.Dispatcher, store *dlq.Store, registry *hooks.Registry, blobs *blobstore.FilesystemStore, blobRefs *blobstore.RefRepo) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:3001",
		},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{
			"X-Request-Id",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	h := handlers.NewHandler(db, cfg, dispatcher, store, registry, blobs, blobRefs)

	r.GET("/ping", h.Ping)

	r.POST("/submissions", h.CreateSubmission)
	r.GET("/submissions/:id", h.GetSubmission)

	dlqGroup := r.Group("/dlq")
	dlqGroup.GET("/entries", h.ListDlqEntries)
	dlqGroup.GET("/entries/:id", h.GetDlqEntry)
	dlqGroup.POST("/entries/:id/resolve", h.ResolveDlqEntry)
	dlqGroup.POST("/entries/resolve", h.ResolveManyDlqEntries)
	dlqGroup.GET("/stats", h.DlqStats)

	return r
}
