// Package fetch holds the request and response types shared by the store, the
// lifecycle controller and the strategy engine, plus the network collaborator
// they all fetch through.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Mode tells navigations apart from sub-resource loads.
type Mode string

const (
	ModeNavigate    Mode = "navigate"
	ModeSubresource Mode = "subresource"
)

// Request is an intercepted outbound request. URL is always absolute.
type Request struct {
	Method string
	URL    *url.URL
	Mode   Mode
	Header http.Header
}

// NewRequest builds a GET sub-resource request for rawURL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("fetch: url %q is not absolute", rawURL)
	}
	return &Request{Method: http.MethodGet, URL: u, Mode: ModeSubresource, Header: http.Header{}}, nil
}

// Origin returns scheme://host of the request URL.
func (r *Request) Origin() string {
	return Origin(r.URL)
}

// Key is the normalized request identity used as the cache key.
func (r *Request) Key() string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return strings.ToUpper(r.Method) + " " + u.String()
}

// Origin returns the lower-cased scheme://host of u.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// ModeFromHeader derives the request mode. Browsers send Sec-Fetch-Mode; older
// clients are treated as navigating when they ask for HTML.
func ModeFromHeader(method string, h http.Header) Mode {
	if m := h.Get("Sec-Fetch-Mode"); m != "" {
		if strings.EqualFold(m, "navigate") {
			return ModeNavigate
		}
		return ModeSubresource
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(h.Get("Accept")), "text/html") {
		return ModeNavigate
	}
	return ModeSubresource
}

// Response is a fully buffered response snapshot.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy so callers never share header maps or bodies.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: CloneHeader(r.Header), Body: body}
}

// Fetcher is the network.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// NetworkError means no response arrived at all: DNS, refused connection,
// timeout, offline. HTTP error statuses are responses, not NetworkErrors.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CloneHeader deep-copies h. A nil header yields an empty one.
func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
