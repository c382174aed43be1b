package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(nil)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_ConnectionCheck(t *testing.T) {
	var connected atomic.Bool
	h := New([]Checker{ConnectionCheck(connected.Load)})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected: status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if body := decode(t, rec); body.Checks["assistant"] != "fail: not connected" {
		t.Errorf("assistant check = %q", body.Checks["assistant"])
	}

	connected.Store(true)
	rec = httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("connected: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_OneCheckerFails(t *testing.T) {
	h := New([]Checker{
		{Name: "sqlite", Check: func(context.Context) error { return errors.New("database is locked") }},
		{Name: "assistant", Check: func(context.Context) error { return nil }},
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decode(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["sqlite"] != "fail: database is locked" {
		t.Errorf("sqlite check = %q", body.Checks["sqlite"])
	}
	if body.Checks["assistant"] != "ok" {
		t.Errorf("assistant check = %q, want ok", body.Checks["assistant"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New(nil)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_IncludesSessionStatus(t *testing.T) {
	h := New(nil, WithStatus(func() any {
		return map[string]string{"state": "idle", "collection": "mbbs-guide"}
	}))

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	body := decode(t, rec)
	session, ok := body.Session.(map[string]any)
	if !ok {
		t.Fatalf("session = %#v, want object", body.Session)
	}
	if session["collection"] != "mbbs-guide" || session["state"] != "idle" {
		t.Errorf("session = %v", session)
	}
}

func TestMount_RoutesWork(t *testing.T) {
	h := New([]Checker{{Name: "test", Check: func(context.Context) error { return nil }}})

	r := chi.NewRouter()
	h.Mount(r)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
