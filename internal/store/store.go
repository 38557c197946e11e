// Package store owns the named, versioned response store.
//
// A Manager holds any number of versions; each version is a flat map from
// request identity to a response snapshot. Versions are created on first Open
// and live until deleted, across process restarts for the durable backends.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"offline0/internal/fetch"
)

var (
	// ErrInvalidVersion is returned for empty version identifiers or ones
	// containing a NUL byte.
	ErrInvalidVersion = errors.New("store: invalid version identifier")
	// ErrUnknownVersion is returned when writing into a version that was
	// deleted after its handle was opened.
	ErrUnknownVersion = errors.New("store: unknown version")
)

var storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline0_store_ops_total",
	Help: "Store operations by kind and result.",
}, []string{"op", "result"})

// Entry is a stored response snapshot.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
	// StoredAt is unix nanoseconds.
	StoredAt int64
}

type versionRecord struct {
	Name      string
	CreatedAt int64
	// Installed is set once every precached asset of the version is stored.
	Installed bool
}

// Version describes one stored version.
type Version struct {
	Name      string
	CreatedAt time.Time
	Installed bool
}

type backend interface {
	addVersion(ctx context.Context, rec versionRecord) error
	markInstalled(ctx context.Context, version string) error
	hasVersion(ctx context.Context, version string) (bool, error)
	versions(ctx context.Context) ([]versionRecord, error)
	get(ctx context.Context, version, key string) ([]byte, bool, error)
	put(ctx context.Context, version, key string, b []byte) error
	keys(ctx context.Context, version string) ([]string, error)
	dropVersion(ctx context.Context, version string) error
	// orphans lists versions that still own entries but have no record.
	orphans(ctx context.Context) ([]string, error)
	close() error
}

// Options tune a Manager.
type Options struct {
	// RAMEntries caps the in-memory read front. Zero disables it.
	RAMEntries int
	Logger     zerolog.Logger
}

// Manager is the store manager. It is safe for concurrent use.
type Manager struct {
	// mu orders entry writes against version drops: Put holds it shared
	// across its version check and write, DeleteVersion exclusively.
	mu sync.RWMutex

	b   backend
	ram *lru.Cache[string, Entry]
	log zerolog.Logger
	now func() time.Time
}

// Provider names accepted by Open.
const (
	ProviderLevelDB = "leveldb"
	ProviderSQLite  = "sqlite"
	ProviderMemory  = "memory"
)

// Open opens a manager for the named provider. path is a directory for
// leveldb and a DSN or file name for sqlite; memory ignores it.
func Open(provider, path string, opts Options) (*Manager, error) {
	switch provider {
	case "", ProviderLevelDB:
		return OpenLevelDB(path, opts)
	case ProviderSQLite:
		return OpenSQLite(path, opts)
	case ProviderMemory:
		return OpenMemory(opts)
	default:
		return nil, fmt.Errorf("store: unsupported provider %q", provider)
	}
}

func newManager(b backend, opts Options) (*Manager, error) {
	m := &Manager{
		b:   b,
		log: opts.Logger.With().Str("component", "store").Logger(),
		now: time.Now,
	}
	if opts.RAMEntries > 0 {
		ram, err := lru.New[string, Entry](opts.RAMEntries)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		m.ram = ram
	}
	return m, nil
}

func validVersion(v string) bool {
	return v != "" && !strings.ContainsRune(v, 0)
}

// Open returns the store for version, creating it if needed.
func (m *Manager) Open(ctx context.Context, version string) (*Cache, error) {
	if !validVersion(version) {
		return nil, ErrInvalidVersion
	}
	m.mu.Lock()
	err := m.b.addVersion(ctx, versionRecord{Name: version, CreatedAt: m.now().UnixNano()})
	m.mu.Unlock()
	observe("open", err)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", version, err)
	}
	return &Cache{m: m, version: version}, nil
}

// Cache returns a handle on version without creating it. Until the version is
// opened, Match misses and Put fails with ErrUnknownVersion.
func (m *Manager) Cache(version string) (*Cache, error) {
	if !validVersion(version) {
		return nil, ErrInvalidVersion
	}
	return &Cache{m: m, version: version}, nil
}

// MarkInstalled records that version holds a complete precache.
func (m *Manager) MarkInstalled(ctx context.Context, version string) error {
	m.mu.Lock()
	err := m.b.markInstalled(ctx, version)
	m.mu.Unlock()
	observe("mark", err)
	if err != nil {
		return fmt.Errorf("store: mark %s installed: %w", version, err)
	}
	return nil
}

// Versions describes every live version, oldest first.
func (m *Manager) Versions(ctx context.Context) ([]Version, error) {
	recs, err := m.b.versions(ctx)
	observe("list", err)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].Name < recs[j].Name
	})
	out := make([]Version, 0, len(recs))
	for _, r := range recs {
		out = append(out, Version{Name: r.Name, CreatedAt: time.Unix(0, r.CreatedAt), Installed: r.Installed})
	}
	return out, nil
}

// ListVersions returns the name of every live version, oldest first.
func (m *Manager) ListVersions(ctx context.Context) ([]string, error) {
	versions, err := m.Versions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.Name)
	}
	return out, nil
}

// DeleteVersion removes version and all its entries. Deleting a missing
// version is not an error.
func (m *Manager) DeleteVersion(ctx context.Context, version string) error {
	m.mu.Lock()
	err := m.b.dropVersion(ctx, version)
	if err == nil {
		m.purgeRAM(version)
	}
	m.mu.Unlock()
	observe("delete", err)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", version, err)
	}
	m.log.Debug().Str("version", version).Msg("Deleted version")
	return nil
}

// DeleteVersionsExcept removes every version other than current, along with
// entries left behind by versions whose record is already gone. It keeps
// going after a failure; all failures are joined into the returned error.
func (m *Manager) DeleteVersionsExcept(ctx context.Context, current string) ([]string, error) {
	versions, err := m.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	orphans, err := m.b.orphans(ctx)
	observe("orphans", err)
	if err != nil {
		m.log.Warn().Err(err).Msg("Could not list orphaned entries")
	}
	for _, v := range orphans {
		if !slices.Contains(versions, v) {
			versions = append(versions, v)
		}
	}
	var deleted []string
	var errs []error
	for _, v := range versions {
		if v == current {
			continue
		}
		if err := m.DeleteVersion(ctx, v); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, v)
	}
	return deleted, errors.Join(errs...)
}

func (m *Manager) Close() error {
	return m.b.close()
}

func (m *Manager) purgeRAM(version string) {
	if m.ram == nil {
		return
	}
	prefix := ramKey(version, "")
	for _, k := range m.ram.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.ram.Remove(k)
		}
	}
}

func ramKey(version, key string) string {
	return version + "\x00" + key
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOps.WithLabelValues(op, result).Inc()
}

// Cache is a handle on one version of the store.
type Cache struct {
	m       *Manager
	version string
}

func (c *Cache) Version() string { return c.version }

// Put stores a snapshot of resp under req's identity. Only 200 responses are
// stored; anything else is ignored without error.
func (c *Cache) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if resp == nil || resp.Status != http.StatusOK {
		return nil
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	ok, err := c.m.b.hasVersion(ctx, c.version)
	if err != nil {
		observe("put", err)
		return err
	}
	if !ok {
		observe("put", ErrUnknownVersion)
		return fmt.Errorf("%w: %s", ErrUnknownVersion, c.version)
	}

	ent := Entry{
		Status:   resp.Status,
		Header:   fetch.CloneHeader(resp.Header),
		Body:     append([]byte(nil), resp.Body...),
		StoredAt: c.m.now().UnixNano(),
	}
	ent.Header.Del("Content-Length")

	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	key := req.Key()
	err = c.m.b.put(ctx, c.version, key, b)
	observe("put", err)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	if c.m.ram != nil {
		c.m.ram.Add(ramKey(c.version, key), ent)
	}
	return nil
}

// Match looks req up by exact identity.
func (c *Cache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, bool, error) {
	ent, ok, err := c.Entry(ctx, req.Key())
	if err != nil || !ok {
		return nil, false, err
	}
	return entryResponse(ent), true, nil
}

// Entry returns the raw entry stored under key.
func (c *Cache) Entry(ctx context.Context, key string) (Entry, bool, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	if c.m.ram != nil {
		if ent, ok := c.m.ram.Get(ramKey(c.version, key)); ok {
			storeOps.WithLabelValues("match", "ram").Inc()
			return ent, true, nil
		}
	}
	b, ok, err := c.m.b.get(ctx, c.version, key)
	if err != nil {
		observe("match", err)
		return Entry{}, false, fmt.Errorf("store: match %s: %w", key, err)
	}
	if !ok {
		storeOps.WithLabelValues("match", "miss").Inc()
		return Entry{}, false, nil
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		observe("match", err)
		return Entry{}, false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	storeOps.WithLabelValues("match", "ok").Inc()
	if c.m.ram != nil {
		c.m.ram.Add(ramKey(c.version, key), ent)
	}
	return ent, true, nil
}

// Keys lists the identities stored in this version.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.m.b.keys(ctx, c.version)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Len counts the entries stored in this version.
func (c *Cache) Len(ctx context.Context) (int, error) {
	keys, err := c.m.b.keys(ctx, c.version)
	return len(keys), err
}

func entryResponse(ent Entry) *fetch.Response {
	return &fetch.Response{
		Status: ent.Status,
		Header: fetch.CloneHeader(ent.Header),
		Body:   append([]byte(nil), ent.Body...),
	}
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
