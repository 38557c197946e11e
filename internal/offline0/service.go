package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"offline0/internal/fetch"
	"offline0/internal/lifecycle"
	"offline0/internal/store"
	"offline0/internal/strategy"
)

type Service struct {
	cfg Config
	log zerolog.Logger

	stores *store.Manager
	net    fetch.Fetcher
	proxy  *httputil.ReverseProxy

	mu      sync.Mutex
	current *worker
	// served holds every worker that was ever routed to; their background
	// writes are drained on Close.
	served []*worker

	// active is the worker requests are routed through; nil passes everything
	// through untouched.
	active atomic.Pointer[worker]

	stats *statsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, logger zerolog.Logger) (*Service, error) {
	stores, err := store.Open(cfg.Storage.Provider, cfg.Storage.Path, store.Options{
		RAMEntries: cfg.Storage.RAM.Entries,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	net := fetch.NewHTTPFetcher(cfg.Network.timeoutDur)
	net.MaxBody = cfg.Cache.maxEntryBytes
	return newService(cfg, logger, stores, net), nil
}

func newService(cfg Config, logger zerolog.Logger, stores *store.Manager, net fetch.Fetcher) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    cfg,
		log:    logger.With().Str("component", "service").Logger(),
		stores: stores,
		net:    net,
		stats:  newStatsCollector(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := s.targetURL(pr.In)
			pr.Out.URL = target
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			setStatusHeaders(resp.Header, string(strategy.SourcePassthrough))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Passthrough failed")
			s.stats.Failure()
			setStatusHeaders(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	return s
}

// Start serves the newest stored version right away, then installs and
// activates the configured version in the background, retrying until it
// succeeds or the service closes.
func (s *Service) Start() {
	if err := s.claimNewest(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("Could not resume a stored version")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.installLoop()
	}()

	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
}

// Close stops background loops, lets pending cache writes settle and closes
// the store.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	workers := append([]*worker(nil), s.served...)
	s.mu.Unlock()
	for _, w := range workers {
		w.engine.Close()
	}
	if err := s.stores.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Could not close store")
	}
}

// Install precaches the configured version without activating it.
func (s *Service) Install(ctx context.Context) error {
	w, err := s.prepare(ctx)
	if err != nil {
		return err
	}
	return w.Install(ctx)
}

// Activate makes the configured version the only stored one and routes
// requests through it.
func (s *Service) Activate(ctx context.Context) error {
	s.mu.Lock()
	w := s.current
	s.mu.Unlock()
	if w == nil {
		var err error
		if w, err = s.newWorker(s.cfg.Cache.Version, nil); err != nil {
			return err
		}
	}
	return w.Activate(ctx)
}

func (s *Service) Versions(ctx context.Context) ([]string, error) {
	return s.stores.ListVersions(ctx)
}

// Status describes what the service is doing right now.
type Status struct {
	Version  string   `json:"version"`
	State    string   `json:"state"`
	Serving  string   `json:"serving,omitempty"`
	Versions []string `json:"versions,omitempty"`
}

func (s *Service) Status(ctx context.Context) Status {
	st := Status{Version: s.cfg.Cache.Version, State: lifecycle.StateNew.String()}
	s.mu.Lock()
	if s.current != nil {
		st.State = s.current.ctrl.State().String()
	}
	s.mu.Unlock()
	if w := s.active.Load(); w != nil {
		st.Serving = w.version
	}
	versions, err := s.stores.ListVersions(ctx)
	if err == nil {
		st.Versions = versions
	}
	return st
}

func (s *Service) installLoop() {
	for {
		err := s.installAndActivate(s.ctx)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		if err := s.claimNewest(s.ctx); err != nil {
			s.log.Warn().Err(err).Msg("Could not fall back to a stored version")
		}
		retry := s.cfg.Cache.retryEveryDur
		if retry <= 0 {
			return
		}
		s.log.Info().Dur("retryIn", retry).Msg("Install will be retried")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (s *Service) installAndActivate(ctx context.Context) error {
	w, err := s.prepare(ctx)
	if err != nil {
		return err
	}
	if err := w.Install(ctx); err != nil {
		return err
	}
	if !w.host.skipWaiting.Load() {
		return nil
	}
	return w.Activate(ctx)
}

// prepare builds the worker for the configured version with the optional
// assets known right now.
func (s *Service) prepare(ctx context.Context) (*worker, error) {
	optional := append([]string(nil), s.cfg.Cache.Optional...)
	optional = append(optional, s.discoverAssets(ctx)...)
	w, err := s.newWorker(s.cfg.Cache.Version, optional)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = w
	s.mu.Unlock()
	return w, nil
}

func (s *Service) newWorker(version string, optional []string) (*worker, error) {
	cache, err := s.stores.Cache(version)
	if err != nil {
		return nil, err
	}
	logger := s.log.With().Str("version", version).Logger()
	engine, err := strategy.New(strategy.Config{
		Origin:       s.cfg.Origin(),
		Fallback:     s.cfg.App.Fallback,
		MaxEntrySize: s.cfg.Cache.maxEntryBytes,
	}, cache, s.net, logger)
	if err != nil {
		return nil, err
	}

	var assets []string
	if version == s.cfg.Cache.Version {
		assets = s.cfg.Cache.Assets
	} else {
		optional = nil
	}
	w := &worker{version: version, engine: engine}
	w.host = &host{s: s, w: w}
	w.ctrl, err = lifecycle.New(lifecycle.Config{
		Version:     version,
		Base:        s.cfg.Origin(),
		Assets:      assets,
		Optional:    optional,
		Concurrency: s.cfg.Cache.PrecacheConcurrency,
	}, s.stores, s.net, w.host, logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// claim routes every request through w from now on.
func (s *Service) claim(w *worker) {
	s.track(w)
	prev := s.active.Swap(w)
	if prev == w {
		return
	}
	ev := s.log.Info().Str("version", w.version)
	if prev != nil {
		ev = ev.Str("previous", prev.version)
	}
	ev.Msg("Claimed clients")
}

// claimNewest serves the most recently created completely installed version
// when nothing is being served yet.
func (s *Service) claimNewest(ctx context.Context) error {
	if s.active.Load() != nil {
		return nil
	}
	versions, err := s.stores.Versions(ctx)
	if err != nil {
		return err
	}
	newest := ""
	for _, v := range versions {
		if v.Installed {
			newest = v.Name
		}
	}
	if newest == "" {
		return nil
	}
	w, err := s.newWorker(newest, nil)
	if err != nil {
		return err
	}
	s.track(w)
	if s.active.CompareAndSwap(nil, w) {
		s.log.Info().Str("version", w.version).Msg("Serving stored version")
	}
	return nil
}

func (s *Service) track(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.served {
		if x == w {
			return
		}
	}
	s.served = append(s.served, w)
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/_offline0", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("ok " + s.Status(r.Context()).State + "\n"))
		})
		r.Get("/versions", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(s.Status(r.Context()))
		})
		r.Handle("/metrics", promhttp.Handler())
	})
	r.HandleFunc("/*", s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	active := s.active.Load()
	if active == nil {
		s.passThrough(w, r)
		s.logRequest(r, strategy.SourcePassthrough, start)
		return
	}

	res, err := active.Fetch(r.Context(), s.requestFromHTTP(r))
	if err != nil {
		s.stats.Failure()
		status, source := http.StatusBadGateway, "bad-gateway"
		var netErr *fetch.NetworkError
		if !errors.As(err, &netErr) {
			status, source = http.StatusGatewayTimeout, "canceled"
		}
		setStatusHeaders(w.Header(), source)
		http.Error(w, http.StatusText(status), status)
		s.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Request failed")
		return
	}
	if res.Source == strategy.SourcePassthrough {
		s.passThrough(w, r)
		s.logRequest(r, res.Source, start)
		return
	}
	writeResponse(w, res.Response, string(res.Source))
	s.stats.Observe(res.Source, len(res.Response.Body))
	s.logRequest(r, res.Source, start)
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	s.stats.Observe(strategy.SourcePassthrough, 0)
	s.proxy.ServeHTTP(w, r)
}

func (s *Service) logRequest(r *http.Request, source strategy.Source, start time.Time) {
	s.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("source", string(source)).
		Str("requestId", middleware.GetReqID(r.Context())).
		Dur("took", time.Since(start)).
		Msg("Handled request")
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.log.Info().
				Uint64("network", ss.BySource[strategy.SourceNetwork]).
				Uint64("cache", ss.BySource[strategy.SourceCache]).
				Uint64("fallback", ss.BySource[strategy.SourceFallback]).
				Uint64("offline", ss.BySource[strategy.SourceOffline]).
				Uint64("passthrough", ss.BySource[strategy.SourcePassthrough]).
				Uint64("failures", ss.Failures).
				Str("respMin", formatBytes(ss.MinRespBytes)).
				Str("respAvg", formatBytes(ss.AvgRespBytes)).
				Str("respMax", formatBytes(ss.MaxRespBytes)).
				Msg("Stats")
		}
	}
}
