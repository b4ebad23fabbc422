package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/execbox/execbox/internal/token"
)

func newTestProxy(t *testing.T) (*Proxy, *token.Service) {
	t.Helper()
	tokens, err := token.NewGenerated()
	if err != nil {
		t.Fatalf("token.NewGenerated: %v", err)
	}
	return New(tokens, 0), tokens
}

func TestServeHTTPRejectsMissingToken(t *testing.T) {
	p, _ := newTestProxy(t)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", w.Code)
	}
}

func TestServeHTTPRejectsHostOutsideAllowlist(t *testing.T) {
	p, tokens := newTestProxy(t)
	tok, err := tokens.Issue("s1", []string{"allowed.example.com"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://blocked.example.com/", nil)
	req.Header.Set("Proxy-Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusProxyAuthRequired {
		t.Fatalf("expected a denial status for a disallowed host, got %d", w.Code)
	}
}

func TestServeHTTPForwardsAllowedHost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	p, tokens := newTestProxy(t)
	host := upstream.Listener.Addr().String()
	tok, err := tokens.Issue("s1", []string{hostOnly(host)}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	req.Header.Set("Proxy-Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from the upstream, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected the upstream response header to be copied through")
	}
}

func TestAllowedIsCaseInsensitive(t *testing.T) {
	if !allowed([]string{"PyPI.org"}, "pypi.org") {
		t.Fatal("expected case-insensitive host matching")
	}
	if allowed([]string{"pypi.org"}, "evil.com") {
		t.Fatal("expected host not in allowlist to be rejected")
	}
}

func TestRateLimitReturns429WhenBucketExhausted(t *testing.T) {
	tokens, err := token.NewGenerated()
	if err != nil {
		t.Fatalf("token.NewGenerated: %v", err)
	}
	p := New(tokens, 1)

	tok, err := tokens.Issue("s1", []string{"127.0.0.1"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Drain the single-token bucket, then the next request must be limited
	// with a clean 429, not an auth denial. Port 1 is closed, so the one
	// request that does get through fails fast with 502 rather than
	// dialing out of the test.
	var lastCode int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
		req.Header.Set("Proxy-Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		p.ServeHTTP(w, req)
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket is exhausted, got %d", lastCode)
	}
}

func hostOnly(hostport string) string {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i]
		}
	}
	return hostport
}
