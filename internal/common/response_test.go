package common

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}

func TestOK_WritesSuccessEnvelope(t *testing.T) {
	c, w := newTestContext()
	OK(c, gin.H{"foo": "bar"})

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Code != 0 || env.Message != "success" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestFail_WritesErrorEnvelopeWithoutData(t *testing.T) {
	c, w := newTestContext()
	Fail(c, 400, 10001, "invalid json")

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, hasData := raw["data"]; hasData {
		t.Fatalf("expected data omitted on Fail, got %v", raw["data"])
	}
	if raw["code"].(float64) != 10001 {
		t.Fatalf("expected code 10001, got %v", raw["code"])
	}
}
