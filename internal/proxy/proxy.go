// Package proxy implements the egress proxy: a forward HTTP/HTTPS proxy
// that authenticates every outbound request from a sandbox against its
// session token and enforces the token's host allowlist. Regular requests
// are validated then round-tripped; CONNECT requests are validated then
// spliced as a raw TCP tunnel behind http.Hijacker.
package proxy

import (
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/execbox/execbox/internal/execerr"
	"github.com/execbox/execbox/internal/token"
)

// Proxy is an http.Handler implementing a forward proxy. Regular
// (non-CONNECT) requests are round-tripped by transport; CONNECT requests
// are authorized then spliced as raw TCP.
type Proxy struct {
	Tokens *token.Service

	// RatePerSecond bounds each session's outbound request rate. Zero
	// disables limiting.
	RatePerSecond int

	transport *http.Transport

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(tokens *token.Service, ratePerSecond int) *Proxy {
	return &Proxy{
		Tokens:        tokens,
		RatePerSecond: ratePerSecond,
		transport:     &http.Transport{Proxy: nil},
		limiters:      make(map[string]*rate.Limiter),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v, err := p.authorize(r)
	if err != nil {
		log.Printf("proxy: reject %s %s: %v", r.Method, r.Host, err)
		p.denyAuth(w, r)
		return
	}

	host := targetHost(r)
	if !allowed(v.Hosts, host) {
		log.Printf("proxy: %v: session %s -> %s", execerr.AllowlistViolation, v.SessionID, host)
		p.denyAuth(w, r)
		return
	}

	if !p.allow(v.SessionID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// authorize verifies the Proxy-Authorization bearer token and returns its
// claims. No DNS lookups or other I/O happen before authorization
// succeeds.
func (p *Proxy) authorize(r *http.Request) (token.Verified, error) {
	h := r.Header.Get("Proxy-Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return token.Verified{}, errNoToken
	}
	return p.Tokens.Verify(strings.TrimPrefix(h, prefix))
}

// denyAuth returns 407 for plain HTTP and closes CONNECT with 403.
func (p *Proxy) denyAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Proxy-Authenticate", `Basic realm="execbox"`)
	http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
}

func (p *Proxy) allow(sessionID string) bool {
	if p.RatePerSecond <= 0 {
		return true
	}
	p.mu.Lock()
	lim, ok := p.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.RatePerSecond), p.RatePerSecond)
		p.limiters[sessionID] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

// handleHTTP forwards a regular absolute-URI request to its destination
// and copies the response back verbatim. The proxy never rewrites,
// caches, or inspects the payload.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Header.Del("Proxy-Authorization")

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		log.Printf("proxy: %v: %s: %v", execerr.UpstreamError, outReq.Host, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleConnect splices a raw TCP tunnel for TLS traffic. The proxy never
// terminates TLS.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		log.Printf("proxy: %v: %s: %v", execerr.UpstreamError, r.Host, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	splice(client, upstream)
}

// splice pipes data bidirectionally until either side closes. A tunnel
// abandoned by either side is closed on both sides.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(a, b); a.Close() }()
	go func() { defer wg.Done(); io.Copy(b, a); b.Close() }()
	wg.Wait()
}

// targetHost returns the host (without port) a request is destined for:
// the CONNECT target for tunnels, or the absolute-URI host for regular
// HTTP requests.
func targetHost(r *http.Request) string {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

// allowed implements exact, case-insensitive DNS-name equality.
func allowed(hosts []string, host string) bool {
	for _, h := range hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

var errNoToken = &authError{"missing proxy authorization"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }
