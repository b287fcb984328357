package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"remote addr", "203.0.113.5:4711", "", false, "203.0.113.5"},
		{"xff ignored when untrusted", "203.0.113.5:4711", "198.51.100.1", false, "203.0.113.5"},
		{"xff first hop when trusted", "10.0.0.1:80", "198.51.100.1, 10.0.0.2", true, "198.51.100.1"},
		{"trusted without xff", "10.0.0.1:80", "", true, "10.0.0.1"},
		{"remote addr without port", "203.0.113.5", "", false, "203.0.113.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	var gotActor string
	h := NewAdminAuthMiddleware("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer s3cret", http.StatusNoContent},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/admin/freeze", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if gotActor != AdminActor {
		t.Errorf("actor = %q, want %q", gotActor, AdminActor)
	}
}

func TestAdminAuth_EmptyTokenDisablesAPI(t *testing.T) {
	h := NewAdminAuthMiddleware("")(okHandler)
	r := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
	r.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimited(rec, 1500*time.Millisecond)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Code != "RATE_LIMITED" || body.Category != "system" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Every(time.Hour), Burst: 2, CleanupInterval: time.Hour})
	t.Cleanup(rl.Stop)
	h := NewClientIPMiddleware(false)(rl.Middleware()(okHandler))

	call := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("203.0.113.1:1"); code != http.StatusNoContent {
			t.Fatalf("call %d: status = %d", i+1, code)
		}
	}
	if code := call("203.0.113.1:2"); code != http.StatusTooManyRequests {
		t.Errorf("3rd call status = %d, want 429", code)
	}
	if code := call("203.0.113.2:1"); code != http.StatusNoContent {
		t.Errorf("other IP status = %d, want 204", code)
	}
	if rl.Len() != 2 {
		t.Errorf("Len = %d, want 2", rl.Len())
	}
}

func TestRecovery(t *testing.T) {
	h := NewRecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestLogging_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := NewClientIPMiddleware(false)(NewLoggingMiddleware(logger)(okHandler))

	r := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=secret-code&state=s", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	h.ServeHTTP(httptest.NewRecorder(), r)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if entry["path"] != "/oauth/callback" || entry["status"] != float64(204) || entry["client_ip"] != "203.0.113.9" {
		t.Errorf("unexpected log entry %v", entry)
	}
	if strings.Contains(buf.String(), "secret-code") {
		t.Error("log should not contain the authorization code")
	}
}

func TestLogging_IncludesAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), slog.String("command", "trial"))
		w.WriteHeader(http.StatusOK)
	})
	h := NewRequestInfoMiddleware()(NewLoggingMiddleware(logger)(inner))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/interactions", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if entry["surface"] != SurfaceInteraction || entry["command"] != "trial" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestRecovery_LogsSurfaceAndAnnotations(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), slog.String("outcome", "dispensed"))
		panic("boom")
	})
	h := NewRequestInfoMiddleware()(NewRecoveryMiddleware()(inner))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/dispense", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "panic recovered" || entry["surface"] != SurfaceAdmin || entry["outcome"] != "dispensed" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestAnnotate_WithoutRequestInfoIsNoop(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	Annotate(r.Context(), slog.String("k", "v"))
	if got := Annotations(r.Context()); got != nil {
		t.Errorf("Annotations = %v, want nil", got)
	}
}

func TestSurface(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/admin/keys", SurfaceAdmin},
		{"/oauth/callback", SurfaceLink},
		{"/interactions", SurfaceInteraction},
		{"/health", SurfaceSystem},
	}
	for _, tt := range tests {
		if got := Surface(tt.path); got != tt.want {
			t.Errorf("Surface(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	NewSecurityHeadersMiddleware()(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
}
