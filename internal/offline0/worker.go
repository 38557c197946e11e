package offline0

import (
	"context"
	"sync/atomic"

	"offline0/internal/fetch"
	"offline0/internal/lifecycle"
	"offline0/internal/strategy"
)

// Worker receives the host's three events for one cache version.
type Worker interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, req *fetch.Request) (strategy.Result, error)
}

// worker binds a lifecycle controller and a strategy engine to one version.
type worker struct {
	version string
	ctrl    *lifecycle.Controller
	engine  *strategy.Engine
	host    *host
}

var _ Worker = (*worker)(nil)

func (w *worker) Install(ctx context.Context) error {
	return w.ctrl.Install(ctx)
}

func (w *worker) Activate(ctx context.Context) error {
	return w.ctrl.Activate(ctx)
}

func (w *worker) Fetch(ctx context.Context, req *fetch.Request) (strategy.Result, error) {
	return w.engine.Fetch(ctx, req)
}

// host is the service side of one worker's takeover signals.
type host struct {
	s           *Service
	w           *worker
	skipWaiting atomic.Bool
}

func (h *host) SkipWaiting() {
	h.skipWaiting.Store(true)
}

func (h *host) Claim() {
	h.s.claim(h.w)
}
