package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		limiter *stubLimiter
		want    int
	}{
		{"allowed", &stubLimiter{allowed: true}, http.StatusOK},
		{"limited", &stubLimiter{}, http.StatusTooManyRequests},
		{"limiter down fails open", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimit(tt.limiter, "imports", 5, time.Minute, logger)(ok)
			req := httptest.NewRequest(http.MethodPost, "/api/imports/file", nil)
			req.RemoteAddr = "10.0.0.7:5123"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(tt.limiter.keys) != 1 || tt.limiter.keys[0] != "api:imports:10.0.0.7" {
				t.Errorf("keys = %v", tt.limiter.keys)
			}
		})
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		header, value, remote, want string
	}{
		{"X-Forwarded-For", "203.0.113.9, 10.0.0.1", "10.0.0.1:80", "203.0.113.9"},
		{"X-Real-IP", " 198.51.100.4 ", "10.0.0.1:80", "198.51.100.4"},
		{"", "", "192.0.2.1:4444", "192.0.2.1"},
		{"", "", "not-an-addr", "not-an-addr"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		if got := extractClientIP(req); got != tt.want {
			t.Errorf("extractClientIP(%s=%q, %q) = %q, want %q", tt.header, tt.value, tt.remote, got, tt.want)
		}
	}
}

func TestAuth_DisabledWithoutKey(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://Dash.example.com/"})(ok)
	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
		wantMethod string
	}{
		{"preflight allowed", http.MethodOptions, "https://dash.example.com", http.StatusNoContent, "https://dash.example.com", corsMethods},
		{"preflight refused", http.MethodOptions, "https://evil.example.com", http.StatusForbidden, "", ""},
		{"request allowed", http.MethodGet, "https://dash.example.com", http.StatusOK, "https://dash.example.com", ""},
		{"request from other origin", http.MethodGet, "https://evil.example.com", http.StatusOK, "", ""},
		{"same origin", http.MethodGet, "", http.StatusOK, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/positions", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if tt.method == http.MethodOptions {
				r.Header.Set("Access-Control-Request-Method", http.MethodGet)
				r.Header.Set("Access-Control-Request-Headers", "X-API-Key")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); got != tt.wantMethod {
				t.Errorf("allow methods = %q, want %q", got, tt.wantMethod)
			}
			if got := rec.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want Origin", got)
			}
		})
	}
}

func TestCORS_Wildcard(t *testing.T) {
	h := CORS([]string{"*"})(ok)
	r := httptest.NewRequest(http.MethodGet, "/api/imports", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Retry-After" {
		t.Errorf("expose headers = %q, want Retry-After", got)
	}
	if got := rec.Header().Get("Vary"); got != "" {
		t.Errorf("Vary = %q, want none", got)
	}
}
