package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestServer(t *testing.T, ready ReadinessChecker) *Server {
	t.Helper()
	return New("127.0.0.1:0", zap.NewNop(), ready, 100, 200)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("GET /healthz body = %q, want alive status", rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		ready      ReadinessChecker
		wantStatus int
	}{
		{name: "no checker", ready: nil, wantStatus: http.StatusOK},
		{name: "ready", ready: func(ctx context.Context) error { return nil }, wantStatus: http.StatusOK},
		{name: "not ready", ready: func(ctx context.Context) error { return errors.New("db down") }, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.ready)
			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			rec := httptest.NewRecorder()
			s.httpServer.Handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("GET /readyz status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/v1/health status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "telemetree") {
		t.Errorf("health body = %q, want service name", rec.Body.String())
	}
}

type routeFunc func(mux *http.ServeMux)

func (f routeFunc) RegisterRoutes(mux *http.ServeMux) { f(mux) }

func TestRouteRegistrar(t *testing.T) {
	s := New("127.0.0.1:0", zap.NewNop(), nil, 100, 200, routeFunc(func(mux *http.ServeMux) {
		mux.HandleFunc("GET /custom", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	}))

	req := httptest.NewRequest(http.MethodGet, "/custom", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("GET /custom status = %d, want 418", rec.Code)
	}
}

// TestUnknownRouteProblem verifies unmatched paths get an RFC 7807 problem
// body rather than the mux's plain-text 404.
func TestUnknownRouteProblem(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	if !strings.Contains(rec.Body.String(), ProblemTypeNotFound) {
		t.Errorf("body = %q, want problem type %q", rec.Body.String(), ProblemTypeNotFound)
	}
}

func TestVersionHeaderApplied(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Telemetree-Version") == "" {
		t.Error("X-Telemetree-Version header missing")
	}
}
