package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name  string
		proto string
		hsts  bool
	}{
		{name: "plain http", hsts: false},
		{name: "forwarded https", proto: "HTTPS", hsts: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			for _, kv := range apiHeaders {
				if got := rec.Header().Get(kv[0]); got != kv[1] {
					t.Fatalf("%s = %q, want %q", kv[0], got, kv[1])
				}
			}
			if got := rec.Header().Get("Strict-Transport-Security"); (got != "") != tc.hsts {
				t.Fatalf("unexpected HSTS header %q", got)
			}
		})
	}
}

func TestSecurityHeadersYieldToEventStream(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sse, err := NewSSEWriter(w)
		if err != nil {
			t.Fatalf("sse writer: %v", err)
		}
		_ = sse.Send("state", map[string]string{"state": "streaming"})
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/turns", nil))

	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("event stream must use no-cache, got %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff must survive on streams, got %q", got)
	}
}
