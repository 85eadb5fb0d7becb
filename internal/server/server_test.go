package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/yeshwanth1127/trading-ecosystem/internal/engine"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
	"github.com/yeshwanth1127/trading-ecosystem/internal/testutil"
)

type fakeEngine struct {
	running       bool
	startErr      error
	triggerAction string
	triggerErr    error
	lastUser      uuid.UUID
	lastPrice     decimal.Decimal
}

func (f *fakeEngine) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop() { f.running = false }

func (f *fakeEngine) Status() engine.Status {
	return engine.Status{Running: f.running, OpenPositions: 2, PriceCacheSize: 5}
}

func (f *fakeEngine) TestTrigger(ctx context.Context, userID, instrumentID uuid.UUID, price decimal.Decimal) (string, error) {
	f.lastUser = userID
	f.lastPrice = price
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	return f.triggerAction, nil
}

func newRouter(eng Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(eng, slog.Default()).Register(router)
	return router
}

func TestStatusEndpoint(t *testing.T) {
	router := newRouter(&fakeEngine{running: true})

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/api/v1/engine/status", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var status engine.Status
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatalf("expected running status")
	}
	if status.OpenPositions != 2 || status.PriceCacheSize != 5 {
		t.Fatalf("unexpected status payload: %+v", status)
	}
}

func TestStartAndStop(t *testing.T) {
	eng := &fakeEngine{}
	router := newRouter(eng)

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/api/v1/engine/start", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if !eng.running {
		t.Fatalf("expected engine to be started")
	}

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/api/v1/engine/stop", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if eng.running {
		t.Fatalf("expected engine to be stopped")
	}
}

func TestStartFailure(t *testing.T) {
	router := newRouter(&fakeEngine{startErr: errors.New("db down")})

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/api/v1/engine/start", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInternalError)
}

func TestTriggerEndpoint(t *testing.T) {
	eng := &fakeEngine{triggerAction: "stop_loss"}
	router := newRouter(eng)

	userID := uuid.New()
	body := map[string]string{
		"user_id":       userID.String(),
		"instrument_id": uuid.NewString(),
		"price":         "94.5",
	}

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/api/v1/engine/test/trigger", body)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var out triggerResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}
	if out.Action != "stop_loss" {
		t.Fatalf("expected stop_loss action, got %q", out.Action)
	}
	if eng.lastUser != userID {
		t.Fatalf("engine called with wrong user id")
	}
	if !eng.lastPrice.Equal(decimal.RequireFromString("94.5")) {
		t.Fatalf("engine called with wrong price: %s", eng.lastPrice)
	}
}

func TestTriggerValidation(t *testing.T) {
	router := newRouter(&fakeEngine{})

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing fields", map[string]string{"user_id": uuid.NewString()}},
		{"bad user id", map[string]string{"user_id": "nope", "instrument_id": uuid.NewString(), "price": "10"}},
		{"bad instrument id", map[string]string{"user_id": uuid.NewString(), "instrument_id": "nope", "price": "10"}},
		{"bad price", map[string]string{"user_id": uuid.NewString(), "instrument_id": uuid.NewString(), "price": "abc"}},
		{"negative price", map[string]string{"user_id": uuid.NewString(), "instrument_id": uuid.NewString(), "price": "-5"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := testutil.MakeAPIRequest(router, http.MethodPost, "/api/v1/engine/test/trigger", tc.body)
			testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
		})
	}
}

func TestTriggerPositionNotFound(t *testing.T) {
	router := newRouter(&fakeEngine{triggerErr: storage.ErrPositionNotFound})

	body := map[string]string{
		"user_id":       uuid.NewString(),
		"instrument_id": uuid.NewString(),
		"price":         "100",
	}
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/api/v1/engine/test/trigger", body)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
}
