package offline0

import (
	"net/http"
	"net/url"
	"strings"

	"offline0/internal/fetch"
)

const statusHeader = "X-Offline0"

// hop-by-hop response headers that must not be replayed from a snapshot.
var skipResponseHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Trailer":           {},
	"Upgrade":           {},
}

func writeResponse(w http.ResponseWriter, resp *fetch.Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, statusHeader) {
			continue
		}
		if _, skip := skipResponseHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeaders(w.Header(), source)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func setStatusHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(statusHeader, source)
	}
	// browsers hide custom headers from scripts unless exposed
	ensureExposedHeader(h, statusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// targetURL is the absolute URL a proxied request is aimed at. Origin-form
// requests belong to the application; absolute-form requests keep their own
// origin.
func (s *Service) targetURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.IsAbs() && u.Host != "" {
		return &u
	}
	origin := s.cfg.Origin()
	u.Scheme = origin.Scheme
	u.Host = origin.Host
	return &u
}

func (s *Service) requestFromHTTP(r *http.Request) *fetch.Request {
	return &fetch.Request{
		Method: r.Method,
		URL:    s.targetURL(r),
		Mode:   fetch.ModeFromHeader(r.Method, r.Header),
		Header: r.Header.Clone(),
	}
}
