package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/broccoli-judge/judge-core/internal/config"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/broccoli-judge/judge-core/internal/judge"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&judge.Submission{}, &judge.TestCaseResult{}, &dlq.DeadLetterMessage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return NewHandler(db, config.Config{}, nil, dlq.NewStore(nil), nil, nil, nil)
}

func TestGetSubmission_NotFound(t *testing.T) {
	h := newTestHandler(t)
	r := gin.New()
	r.GET("/submissions/:id", h.GetSubmission)

	req := httptest.NewRequest(http.MethodGet, "/submissions/999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDlqHandlers_ResolveLifecycle(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	row, err := h.Dlq.CreateEntry(ctx, h.DB, "msg-1", dlq.JudgeJobMessage, nil, []byte(`{}`), dlq.MaxRetriesExceeded, "boom")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}

	r := gin.New()
	r.GET("/dlq/entries/:id", h.GetDlqEntry)
	r.POST("/dlq/entries/:id/resolve", h.ResolveDlqEntry)
	r.GET("/dlq/stats", h.DlqStats)

	// Get before resolve
	req := httptest.NewRequest(http.MethodGet, "/dlq/entries/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching entry, got %d: %s", w.Code, w.Body.String())
	}

	// Resolve
	req = httptest.NewRequest(http.MethodPost, "/dlq/entries/1/resolve", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 resolving entry, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data := body["data"].(map[string]any)
	if data["outcome"] != "resolved" {
		t.Fatalf("expected outcome resolved, got %v", data["outcome"])
	}

	// Resolve again: already resolved
	req = httptest.NewRequest(http.MethodPost, "/dlq/entries/1/resolve", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data = body["data"].(map[string]any)
	if data["outcome"] != "already_resolved" {
		t.Fatalf("expected outcome already_resolved, got %v", data["outcome"])
	}

	// Stats endpoint still responds after the resolve
	req = httptest.NewRequest(http.MethodGet, "/dlq/stats", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for stats, got %d", w.Code)
	}
	_ = row
}
