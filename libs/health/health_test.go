package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func probe(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestReadinessTransitions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(false)
	router := gin.New()
	router.GET("/healthz", LivenessHandler)
	router.GET("/readyz", ReadinessHandler(m))

	if resp := probe(router, "/healthz"); resp.Code != http.StatusOK {
		t.Fatalf("liveness must always be 200, got %d", resp.Code)
	}
	if resp := probe(router, "/readyz"); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.Code)
	}

	m.SetReady(true)
	if resp := probe(router, "/readyz"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp.Code)
	}

	m.SetNotReady("shutting down")
	resp := probe(router, "/readyz")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when draining, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readiness body: %v", err)
	}
	if body["reason"] != "shutting down" {
		t.Fatalf("expected drain reason, got %q", body["reason"])
	}
}
