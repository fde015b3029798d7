package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vidchain/vidchain/internal/httputil"
)

func serveWithSecurity(cfg SecurityConfig, inner http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(cfg)(inner).ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders_CSPContainsNonce(t *testing.T) {
	var capturedNonce string
	rec := serveWithSecurity(SecurityConfig{BaseURL: "https://app.test"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedNonce = httputil.NonceFromContext(r.Context())
	}))

	csp := rec.Header().Get("Content-Security-Policy")
	if capturedNonce == "" {
		t.Fatal("expected non-empty nonce in context")
	}
	if !strings.Contains(csp, "'nonce-"+capturedNonce+"'") {
		t.Errorf("CSP should contain nonce, got: %s", csp)
	}
	if strings.Contains(csp, "'unsafe-inline'") {
		t.Errorf("CSP should not contain 'unsafe-inline', got: %s", csp)
	}
}

func TestSecurityHeaders_CSPIncludesGatewayOrigin(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{GatewayURL: "https://gateway.pinata.cloud/ipfs"}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "media-src 'self' https://gateway.pinata.cloud;") {
		t.Errorf("CSP media-src should include the gateway origin, got: %s", csp)
	}
	if !strings.Contains(csp, "img-src 'self' data: https://gateway.pinata.cloud;") {
		t.Errorf("CSP img-src should include the gateway origin, got: %s", csp)
	}
	if strings.Contains(csp, "/ipfs") {
		t.Errorf("CSP should only carry the origin, got: %s", csp)
	}
}

func TestSecurityHeaders_NoGateway(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "media-src 'self';") {
		t.Errorf("expected bare media-src, got: %s", csp)
	}
}

func TestSecurityHeaders_StaticHeaders(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	want := map[string]string{
		"Referrer-Policy":        "no-referrer",
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "SAMEORIGIN",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS should be absent without an https base URL, got %q", got)
	}
}

func TestSecurityHeaders_HSTSOnHTTPS(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{BaseURL: "https://app.test"}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("unexpected HSTS header %q", got)
	}
}

func TestOriginOf(t *testing.T) {
	tests := map[string]string{
		"https://gateway.pinata.cloud/ipfs": "https://gateway.pinata.cloud",
		"http://localhost:8081/ipfs/":       "http://localhost:8081",
		"":                                  "",
		"not a url":                         "",
	}
	for in, want := range tests {
		if got := originOf(in); got != want {
			t.Errorf("originOf(%q) = %q, want %q", in, got, want)
		}
	}
}
