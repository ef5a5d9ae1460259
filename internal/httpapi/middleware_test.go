package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"villagehub.org/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body errorBody
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body.Error == "" {
		t.Fatalf("expected error message in body")
	}
	if body.RequestID == "" || body.RequestID != rr2.Header().Get(obs.RequestIDHeader) {
		t.Fatalf("expected request_id in body matching header, got %q", body.RequestID)
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("buckets must be per client, got %d", rr3.Code)
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	defer obs.SetLogger(obs.NewLogger(&buf, "info"))()

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if entry["request_id"] != rr.Header().Get(obs.RequestIDHeader) {
		t.Fatalf("request_id mismatch: %v", entry["request_id"])
	}
}

func TestRequestIDReuseAndReplace(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = obs.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(obs.RequestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get(obs.RequestIDHeader) != "abc-123" {
		t.Fatalf("inbound id not reused: ctx=%q header=%q", seen, rr.Header().Get(obs.RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(obs.RequestIDHeader, "has space")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen == "has space" || seen == "" {
		t.Fatalf("unsafe id must be replaced, got %q", seen)
	}
}

func TestRecoverHidesPanic(t *testing.T) {
	var buf bytes.Buffer
	defer obs.SetLogger(obs.NewLogger(&buf, "info"))()

	handler := RequestID(Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("db password is hunter2")
	})))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("panic value leaked to client: %s", rr.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestCORSAllowsOnlyLocalOrigins(t *testing.T) {
	handler := SecurityHeaders(CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/me", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("local origin not allowed")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin must not be allowed")
	}
}

func TestCleanItemPath(t *testing.T) {
	cases := map[string]struct {
		want    string
		wantErr bool
	}{
		"":          {want: ""},
		"/c-1/":     {want: "c-1"},
		"c-1/notes": {want: "c-1/notes"},
		"../admins": {wantErr: true},
		"c-1//x":    {wantErr: true},
		"./c-1":     {wantErr: true},
	}
	for in, tc := range cases {
		got, err := cleanItemPath(in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("cleanItemPath(%q): expected error", in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("cleanItemPath(%q) = %q, %v; want %q", in, got, err, tc.want)
		}
	}
}

func TestForceVillage(t *testing.T) {
	out, err := forceVillage([]byte(`{"title":"x","village_id":"v-2"}`), "v-1", true)
	if err != nil {
		t.Fatalf("forceVillage: %v", err)
	}
	if owner, _ := ownerOf(out); owner != "v-1" {
		t.Fatalf("expected v-1, got %s", out)
	}

	out, err = forceVillage(nil, "v-1", true)
	if err != nil || string(out) != `{"village_id":"v-1"}` {
		t.Fatalf("empty create body: %s, %v", out, err)
	}

	out, err = forceVillage(nil, "v-1", false)
	if err != nil || out != nil {
		t.Fatalf("empty update body must stay empty: %s, %v", out, err)
	}

	if _, err := forceVillage([]byte(`"str"`), "v-1", false); err == nil {
		t.Fatalf("expected error for non-object body")
	}
}

func TestOwnerOf(t *testing.T) {
	if v, ok := ownerOf([]byte(`{"village_id":"v-3"}`)); !ok || v != "v-3" {
		t.Fatalf("string owner: %q %v", v, ok)
	}
	if v, ok := ownerOf([]byte(`{"village_id":42}`)); !ok || v != "42" {
		t.Fatalf("numeric owner: %q %v", v, ok)
	}
	if _, ok := ownerOf([]byte(`{"id":"c-1"}`)); ok {
		t.Fatalf("missing owner must report false")
	}
	if _, ok := ownerOf([]byte(`[]`)); ok {
		t.Fatalf("array must report false")
	}
}

func TestTrustedRealIP(t *testing.T) {
	var seen string
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientIP(r)
	})
	handler := TrustedRealIP([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})(base)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	req.Header.Set("X-Real-IP", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "203.0.113.9" {
		t.Fatalf("trusted proxy header ignored, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	req.Header.Set("X-Real-IP", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "198.51.100.1" {
		t.Fatalf("untrusted peer spoofed its address: %q", seen)
	}

	open := TrustedRealIP(nil)(base)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	open.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "10.1.2.3" {
		t.Fatalf("no trusted proxies means headers are ignored, got %q", seen)
	}
}
