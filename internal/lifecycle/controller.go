// Package lifecycle installs and activates cache versions.
//
// A Controller walks one version through new → installing → waiting → active.
// Install precaches the asset set into the version; Activate garbage-collects
// every other version and hands request handling to the host.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"offline0/internal/fetch"
	"offline0/internal/store"
)

// ErrNotInstalled is returned by Activate when the version was never
// installed successfully.
var ErrNotInstalled = errors.New("lifecycle: version not installed")

// State of a controller.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AssetFetchError reports a required asset that could not be precached.
type AssetFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *AssetFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: status %d", e.URL, e.Status)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// Stores is the part of the store manager the controller needs.
type Stores interface {
	Open(ctx context.Context, version string) (*store.Cache, error)
	Versions(ctx context.Context) ([]store.Version, error)
	MarkInstalled(ctx context.Context, version string) error
	DeleteVersion(ctx context.Context, version string) error
	DeleteVersionsExcept(ctx context.Context, current string) ([]string, error)
}

// Host receives the controller's takeover signals.
type Host interface {
	// SkipWaiting asks the host to activate this version as soon as it is
	// safe instead of waiting for existing consumers to go away.
	SkipWaiting()
	// Claim asks the host to route requests of every open consumer through
	// this version right now.
	Claim()
}

// Config is immutable for the life of a controller.
type Config struct {
	Version string
	// Base resolves relative asset paths, typically the application origin.
	Base *url.URL
	// Assets must all precache or the install fails.
	Assets []string
	// Optional assets are precached best-effort.
	Optional []string
	// Concurrency bounds parallel asset fetches. Defaults to 4.
	Concurrency int
}

// Controller drives one version through its lifecycle.
type Controller struct {
	cfg    Config
	stores Stores
	net    fetch.Fetcher
	host   Host
	log    zerolog.Logger
	state  atomic.Int32
}

// New returns a controller in StateNew. host may be nil.
func New(cfg Config, stores Stores, net fetch.Fetcher, host Host, logger zerolog.Logger) (*Controller, error) {
	if cfg.Version == "" {
		return nil, store.ErrInvalidVersion
	}
	if cfg.Base == nil || !cfg.Base.IsAbs() {
		return nil, fmt.Errorf("lifecycle: base url must be absolute")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if host == nil {
		host = nopHost{}
	}
	return &Controller{
		cfg:    cfg,
		stores: stores,
		net:    net,
		host:   host,
		log:    logger.With().Str("component", "lifecycle").Str("version", cfg.Version).Logger(),
	}, nil
}

func (c *Controller) Version() string { return c.cfg.Version }

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug().Stringer("from", old).Stringer("to", s).Msg("State change")
	}
}

// Install precaches the asset set into the current version. It is
// all-or-nothing for required assets: on failure a version that did not exist
// before is discarded and the previous version stays untouched.
func (c *Controller) Install(ctx context.Context) error {
	c.setState(StateInstalling)

	// a version left half-installed by an earlier attempt is discarded on
	// failure like a new one
	complete, err := c.installed(ctx)
	if err != nil {
		complete = true
		c.log.Warn().Err(err).Msg("Could not list versions before install")
	}

	err = c.install(ctx)
	if err != nil {
		if !complete {
			if derr := c.stores.DeleteVersion(context.WithoutCancel(ctx), c.cfg.Version); derr != nil {
				c.log.Warn().Err(derr).Msg("Could not discard failed install")
			}
		}
		c.setState(StateRedundant)
		c.log.Error().Err(err).Msg("Install failed")
		return err
	}

	c.setState(StateWaiting)
	c.host.SkipWaiting()
	return nil
}

type precached struct {
	req  *fetch.Request
	resp *fetch.Response
}

func (c *Controller) install(ctx context.Context) error {
	cache, err := c.stores.Open(ctx, c.cfg.Version)
	if err != nil {
		return err
	}

	required, err := c.resolve(c.cfg.Assets)
	if err != nil {
		return err
	}
	optional, err := c.resolve(c.cfg.Optional)
	if err != nil {
		return err
	}

	results := make([]precached, len(required)+len(optional))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for i, req := range required {
		i, req := i, req
		g.Go(func() error {
			resp, err := c.fetchAsset(gctx, req)
			if err != nil {
				return err
			}
			results[i] = precached{req: req, resp: resp}
			return nil
		})
	}
	for i, req := range optional {
		i, req := i, req
		g.Go(func() error {
			resp, err := c.fetchAsset(gctx, req)
			if err != nil {
				c.log.Warn().Err(err).Msg("Skipping optional asset")
				return nil
			}
			results[len(required)+i] = precached{req: req, resp: resp}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	stored := 0
	for _, p := range results {
		if p.req == nil {
			continue
		}
		if err := cache.Put(ctx, p.req, p.resp); err != nil {
			return fmt.Errorf("precache store %s: %w", p.req.URL, err)
		}
		stored++
	}
	if err := c.stores.MarkInstalled(ctx, c.cfg.Version); err != nil {
		return err
	}
	c.log.Info().Int("stored", stored).Int("required", len(required)).Int("optional", len(optional)).Msg("Precached assets")
	return nil
}

func (c *Controller) fetchAsset(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, err := c.net.Fetch(ctx, req)
	if err != nil {
		return nil, &AssetFetchError{URL: req.URL.String(), Err: err}
	}
	if resp.Status != http.StatusOK {
		return nil, &AssetFetchError{URL: req.URL.String(), Status: resp.Status}
	}
	return resp, nil
}

// resolve turns asset paths into requests, dropping duplicates.
func (c *Controller) resolve(assets []string) ([]*fetch.Request, error) {
	seen := make(map[string]struct{}, len(assets))
	out := make([]*fetch.Request, 0, len(assets))
	for _, a := range assets {
		ref, err := url.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("asset %q: %w", a, err)
		}
		req := &fetch.Request{
			Method: http.MethodGet,
			URL:    c.cfg.Base.ResolveReference(ref),
			Mode:   fetch.ModeSubresource,
			Header: http.Header{},
		}
		if _, dup := seen[req.Key()]; dup {
			continue
		}
		seen[req.Key()] = struct{}{}
		out = append(out, req)
	}
	return out, nil
}

// Activate makes the current version the only one and claims all consumers.
// Cleanup failures are logged, never returned.
func (c *Controller) Activate(ctx context.Context) error {
	switch c.State() {
	case StateWaiting, StateActive:
	case StateNew:
		complete, err := c.installed(ctx)
		if err != nil {
			return err
		}
		if !complete {
			return ErrNotInstalled
		}
	default:
		return ErrNotInstalled
	}

	deleted, err := c.stores.DeleteVersionsExcept(ctx, c.cfg.Version)
	if err != nil {
		c.log.Warn().Err(err).Msg("Version cleanup incomplete")
	}
	if len(deleted) > 0 {
		c.log.Info().Strs("deleted", deleted).Msg("Removed superseded versions")
	}

	c.setState(StateActive)
	c.host.Claim()
	return nil
}

// installed reports whether the store holds a complete precache of the
// controller's version.
func (c *Controller) installed(ctx context.Context) (bool, error) {
	versions, err := c.stores.Versions(ctx)
	if err != nil {
		return false, err
	}
	for _, v := range versions {
		if v.Name == c.cfg.Version {
			return v.Installed, nil
		}
	}
	return false, nil
}

type nopHost struct{}

func (nopHost) SkipWaiting() {}
func (nopHost) Claim()       {}
