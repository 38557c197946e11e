// Package strategy decides, per intercepted request, where the response comes
// from.
//
// Navigations run Freshness-First: network, then the exact cache entry, then
// the application shell, then a synthetic 503. Other same-origin GETs run
// Stale-While-Revalidate: a cached copy is returned at once while the network
// refreshes the entry for the next caller. Everything else is passed through.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"offline0/internal/fetch"
)

var (
	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_strategy_responses_total",
		Help: "Intercepted requests by strategy and response source.",
	}, []string{"kind", "source"})
	cacheWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_cache_writes_total",
		Help: "Background cache writes by result.",
	}, []string{"result"})
)

// Kind is the strategy chosen for a request.
type Kind string

const (
	KindPassthrough          Kind = "passthrough"
	KindFreshnessFirst       Kind = "freshness-first"
	KindStaleWhileRevalidate Kind = "stale-while-revalidate"
)

// Source tells where a response came from.
type Source string

const (
	SourcePassthrough Source = "passthrough"
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourceOffline     Source = "offline"
)

// Result of Engine.Fetch. Response is nil when Source is SourcePassthrough:
// the caller must forward the request untouched.
type Result struct {
	Response *fetch.Response
	Kind     Kind
	Source   Source
}

// Cache is the store the engine reads and writes.
type Cache interface {
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, bool, error)
}

// Config is immutable for the life of an engine.
type Config struct {
	// Origin is the application's own origin.
	Origin *url.URL
	// Fallback is the application shell served to offline navigations.
	// Relative values resolve against Origin. Defaults to /index.html.
	Fallback string
	// MaxEntrySize skips storing larger bodies. Zero means no limit.
	MaxEntrySize int64
}

// Engine runs the caching strategies. It is safe for concurrent use.
type Engine struct {
	origin   string
	fallback *fetch.Request
	maxEntry int64

	cache Cache
	net   fetch.Fetcher
	log   zerolog.Logger

	writeErrLog *rateLimitedLogger

	revalidations singleflight.Group

	// mu guards draining and every bg.Add so that no Add races Close.
	mu       sync.Mutex
	draining bool
	bg       sync.WaitGroup
}

// New builds an engine over cache and the network.
func New(cfg Config, cache Cache, net fetch.Fetcher, logger zerolog.Logger) (*Engine, error) {
	if cfg.Origin == nil || !cfg.Origin.IsAbs() || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("strategy: origin must be an absolute url")
	}
	fb := cfg.Fallback
	if fb == "" {
		fb = "/index.html"
	}
	ref, err := url.Parse(fb)
	if err != nil {
		return nil, fmt.Errorf("strategy: fallback: %w", err)
	}
	e := &Engine{
		origin: fetch.Origin(cfg.Origin),
		fallback: &fetch.Request{
			Method: http.MethodGet,
			URL:    cfg.Origin.ResolveReference(ref),
			Mode:   fetch.ModeNavigate,
			Header: http.Header{},
		},
		maxEntry: cfg.MaxEntrySize,
		cache:    cache,
		net:      net,
		log:      logger.With().Str("component", "strategy").Logger(),
	}
	e.writeErrLog = newRateLimitedLogger(e.log, time.Minute)
	return e, nil
}

// Classify picks the strategy for req.
func (e *Engine) Classify(req *fetch.Request) Kind {
	if req.Method != http.MethodGet {
		return KindPassthrough
	}
	// third-party resources are never cached, navigations included: the store
	// only ever holds the application's own responses
	if req.Origin() != e.origin {
		return KindPassthrough
	}
	if req.Mode == fetch.ModeNavigate {
		return KindFreshnessFirst
	}
	return KindStaleWhileRevalidate
}

// Fetch handles one intercepted request. An error is only returned for
// Stale-While-Revalidate requests that have neither a cached copy nor a
// network response, or when ctx ends while waiting for the network.
func (e *Engine) Fetch(ctx context.Context, req *fetch.Request) (Result, error) {
	kind := e.Classify(req)
	var (
		res Result
		err error
	)
	switch kind {
	case KindFreshnessFirst:
		res = e.freshnessFirst(ctx, req)
	case KindStaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, req)
	default:
		res = Result{Source: SourcePassthrough}
	}
	res.Kind = kind
	if err == nil {
		responsesTotal.WithLabelValues(string(kind), string(res.Source)).Inc()
	} else {
		responsesTotal.WithLabelValues(string(kind), "error").Inc()
	}
	return res, err
}

// Wait blocks until every background fetch and cache write has settled. It
// must not run concurrently with Fetch; use Close for that.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Close stops accepting background work and waits for what is in flight.
// Fetch keeps answering afterwards but no longer writes to the cache.
func (e *Engine) Close() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.bg.Wait()
}

// spawn runs fn in a tracked goroutine. It reports false, without running fn,
// once Close has started.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
	return true
}

func (e *Engine) freshnessFirst(ctx context.Context, req *fetch.Request) Result {
	resp, err := e.net.Fetch(context.WithoutCancel(ctx), req)
	if err == nil {
		if resp.Status == http.StatusOK {
			e.persistAsync(ctx, req, resp.Clone())
		}
		return Result{Response: resp, Source: SourceNetwork}
	}
	if errors.Is(err, fetch.ErrBodyTooLarge) {
		// too large to buffer or store: let the caller stream it
		return Result{Source: SourcePassthrough}
	}
	e.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Navigation fell back to cache")

	if cached, ok := e.lookup(ctx, req); ok {
		return Result{Response: cached, Source: SourceCache}
	}
	if cached, ok := e.lookup(ctx, e.fallback); ok {
		return Result{Response: cached, Source: SourceFallback}
	}
	return Result{Response: offlineResponse(), Source: SourceOffline}
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *fetch.Request) (Result, error) {
	// the read settles before the network task starts, so a hit is always
	// the entry as it was when the request arrived
	cached, hit := e.lookup(ctx, req)
	network := e.revalidate(ctx, req, !hit)
	if hit {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	select {
	case r := <-network:
		if errors.Is(r.Err, fetch.ErrBodyTooLarge) {
			return Result{Source: SourcePassthrough}, nil
		}
		if r.Err != nil {
			return Result{}, r.Err
		}
		return Result{Response: r.Val.(*fetch.Response).Clone(), Source: SourceNetwork}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// revalidate starts (or joins) the network fetch for req. The fetch always
// writes a 200 response back, whether or not anyone waits for the result, and
// the result is delivered as soon as the network answers, before that write.
// Once Close has started nothing is written, and the network is only asked
// when wait is set.
func (e *Engine) revalidate(ctx context.Context, req *fetch.Request, wait bool) <-chan singleflight.Result {
	bgctx := context.WithoutCancel(ctx)
	out := make(chan singleflight.Result, 1)

	tracked := e.spawn(func() {
		out <- <-e.revalidations.DoChan(req.Key(), func() (any, error) {
			resp, err := e.net.Fetch(bgctx, req)
			if err != nil {
				e.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Revalidation failed")
				return nil, err
			}
			clone := resp.Clone()
			if !e.spawn(func() { e.persist(bgctx, req, clone) }) {
				// Close is waiting on this fetch, so the write still lands
				e.persist(bgctx, req, clone)
			}
			return resp, nil
		})
	})
	if !tracked && wait {
		go func() {
			resp, err := e.net.Fetch(bgctx, req)
			out <- singleflight.Result{Val: resp, Err: err}
		}()
	}
	return out
}

func (e *Engine) lookup(ctx context.Context, req *fetch.Request) (*fetch.Response, bool) {
	resp, ok, err := e.cache.Match(ctx, req)
	if err != nil {
		e.log.Warn().Err(err).Str("key", req.Key()).Msg("Cache read failed")
		return nil, false
	}
	return resp, ok
}

func (e *Engine) persistAsync(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	bgctx := context.WithoutCancel(ctx)
	if !e.spawn(func() { e.persist(bgctx, req, resp) }) {
		cacheWritesTotal.WithLabelValues("closed").Inc()
	}
}

func (e *Engine) persist(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	if resp.Status != http.StatusOK {
		return
	}
	if e.maxEntry > 0 && int64(len(resp.Body)) > e.maxEntry {
		cacheWritesTotal.WithLabelValues("too-large").Inc()
		e.log.Debug().Str("key", req.Key()).Int("bytes", len(resp.Body)).Msg("Response too large to cache")
		return
	}
	if err := e.cache.Put(ctx, req, resp); err != nil {
		cacheWritesTotal.WithLabelValues("error").Inc()
		e.writeErrLog.Warn(err, "Cache write failed")
		return
	}
	cacheWritesTotal.WithLabelValues("ok").Inc()
}

func offlineResponse() *fetch.Response {
	return &fetch.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte("Offline"),
	}
}
