package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCreateSubmission_RejectsInvalidJSON(t *testing.T) {
	h := newTestHandler(t)
	r := gin.New()
	r.POST("/submissions", h.CreateSubmission)

	req := httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", w.Code)
	}
}

func TestCreateSubmission_RejectsMissingFields(t *testing.T) {
	h := newTestHandler(t)
	r := gin.New()
	r.POST("/submissions", h.CreateSubmission)

	req := httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(`{"language":"cpp"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing problem_id/files, got %d", w.Code)
	}
}

func TestPing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := &Handler{}
	r.GET("/ping", h.Ping)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
