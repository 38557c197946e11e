package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// hop-by-hop headers never forwarded upstream.
var skipRequestHeaders = map[string]struct{}{
	"Host":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},

	// every fetch must yield a full, storable 200, and callers joining the
	// same fetch must not inherit one client's partial or conditional view
	"Range":               {},
	"If-Range":            {},
	"If-Match":            {},
	"If-None-Match":       {},
	"If-Modified-Since":   {},
	"If-Unmodified-Since": {},
}

// ErrBodyTooLarge is returned when a response body exceeds HTTPFetcher.MaxBody.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// HTTPFetcher fetches over HTTP and buffers the whole body.
type HTTPFetcher struct {
	client *http.Client
	// MaxBody caps buffered bodies; larger responses fail with
	// ErrBodyTooLarge. Zero means no cap.
	MaxBody int64
}

// NewHTTPFetcher returns a fetcher whose client gives up after timeout.
// A zero timeout means no client-side limit.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// NewHTTPFetcherWithClient wraps an existing client.
func NewHTTPFetcherWithClient(c *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: c}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	// stored bodies must be plain
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: r.URL.String(), Err: err}
	}
	defer resp.Body.Close()
	if f.MaxBody > 0 && resp.ContentLength > f.MaxBody {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBodyTooLarge, r.URL, resp.ContentLength)
	}
	var src io.Reader = resp.Body
	if f.MaxBody > 0 {
		src = io.LimitReader(resp.Body, f.MaxBody+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, &NetworkError{URL: r.URL.String(), Err: err}
	}
	if f.MaxBody > 0 && int64(len(body)) > f.MaxBody {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, r.URL, f.MaxBody)
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: CloneHeader(resp.Header),
		Body:   body,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := skipRequestHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if strings.HasPrefix(strings.ToLower(k), "x-offline0") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
