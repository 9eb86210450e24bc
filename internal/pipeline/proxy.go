package pipeline

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Proxy forwards verified requests to the upstream backend. Upstream status
// codes are proxied verbatim — a failing backend is not a gateway error.
type Proxy struct {
	rp     *httputil.ReverseProxy
	target *url.URL
}

// NewProxy builds the forwarder for the given upstream base URL.
func NewProxy(target string) (*Proxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", target, err)
	}

	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("upstream unreachable", "upstream", u.Host, "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream unreachable"}`)
	}

	return &Proxy{rp: rp, target: u}, nil
}

// Forward sends the request upstream. Internal trust headers must already be
// set by the caller; the gateway's own auth headers are stripped here so the
// backend never sees raw signatures.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request) {
	r.Header.Del(HeaderSignature)
	r.Header.Del(HeaderPubkey)
	r.Header.Del(HeaderPayload)
	r.Header.Del(HeaderChallengeID)
	p.rp.ServeHTTP(w, r)
}
