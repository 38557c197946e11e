package store

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/fetch"
)

type opener func(t *testing.T) *Manager

func backends() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) *Manager {
			m, err := OpenMemory(Options{Logger: zerolog.Nop()})
			require.NoError(t, err)
			return m
		},
		"memory+ram": func(t *testing.T) *Manager {
			m, err := OpenMemory(Options{RAMEntries: 8, Logger: zerolog.Nop()})
			require.NoError(t, err)
			return m
		},
		"leveldb": func(t *testing.T) *Manager {
			m, err := OpenLevelDB(t.TempDir(), Options{Logger: zerolog.Nop()})
			require.NoError(t, err)
			return m
		},
		"sqlite": func(t *testing.T) *Manager {
			m, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), Options{RAMEntries: 4, Logger: zerolog.Nop()})
			require.NoError(t, err)
			return m
		},
	}
}

// tick makes creation times strictly increasing so version order is stable.
func tick(m *Manager) {
	base := time.Unix(1700000000, 0)
	n := 0
	m.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func req(t *testing.T, url string) *fetch.Request {
	t.Helper()
	r, err := fetch.NewRequest(url)
	require.NoError(t, err)
	return r
}

func ok(body string) *fetch.Response {
	return &fetch.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}, "Content-Length": {"99"}},
		Body:   []byte(body),
	}
}

func TestManager(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("open is idempotent", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				_, err := m.Open(ctx, "v1")
				require.NoError(t, err)
				_, err = m.Open(ctx, "v1")
				require.NoError(t, err)

				versions, err := m.ListVersions(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"v1"}, versions)
			})

			t.Run("invalid version", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				_, err := m.Open(ctx, "")
				require.ErrorIs(t, err, ErrInvalidVersion)
				_, err = m.Open(ctx, "a\x00b")
				require.ErrorIs(t, err, ErrInvalidVersion)
			})

			t.Run("put and match", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				c, err := m.Open(ctx, "v1")
				require.NoError(t, err)

				_, found, err := c.Match(ctx, req(t, "https://app.example/a"))
				require.NoError(t, err)
				assert.False(t, found)

				require.NoError(t, c.Put(ctx, req(t, "https://app.example/a"), ok("one")))
				require.NoError(t, c.Put(ctx, req(t, "https://app.example/a"), ok("two")))

				got, found, err := c.Match(ctx, req(t, "https://app.example/a#frag"))
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "two", string(got.Body))
				assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
				assert.Empty(t, got.Header.Get("Content-Length"))

				n, err := c.Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			t.Run("non-200 is not stored", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				c, err := m.Open(ctx, "v1")
				require.NoError(t, err)
				require.NoError(t, c.Put(ctx, req(t, "https://app.example/missing"), &fetch.Response{Status: http.StatusNotFound}))
				require.NoError(t, c.Put(ctx, req(t, "https://app.example/opaque"), &fetch.Response{Status: 0}))

				n, err := c.Len(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("match returns a private copy", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				c, err := m.Open(ctx, "v1")
				require.NoError(t, err)
				r := req(t, "https://app.example/a")
				require.NoError(t, c.Put(ctx, r, ok("body")))

				first, _, err := c.Match(ctx, r)
				require.NoError(t, err)
				first.Body[0] = 'X'
				first.Header.Set("Content-Type", "mutated")

				second, _, err := c.Match(ctx, r)
				require.NoError(t, err)
				assert.Equal(t, "body", string(second.Body))
				assert.Equal(t, "text/plain", second.Header.Get("Content-Type"))
			})

			t.Run("versions are isolated", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				v1, err := m.Open(ctx, "v1")
				require.NoError(t, err)
				v2, err := m.Open(ctx, "v2")
				require.NoError(t, err)
				require.NoError(t, v1.Put(ctx, req(t, "https://app.example/a"), ok("old")))

				_, found, err := v2.Match(ctx, req(t, "https://app.example/a"))
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("delete versions except current", func(t *testing.T) {
				m := open(t)
				defer m.Close()
				tick(m)

				for _, v := range []string{"v1", "v2", "v3"} {
					c, err := m.Open(ctx, v)
					require.NoError(t, err)
					require.NoError(t, c.Put(ctx, req(t, "https://app.example/"+v), ok(v)))
				}
				versions, err := m.ListVersions(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"v1", "v2", "v3"}, versions)

				deleted, err := m.DeleteVersionsExcept(ctx, "v2")
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"v1", "v3"}, deleted)

				deleted, err = m.DeleteVersionsExcept(ctx, "v2")
				require.NoError(t, err)
				assert.Empty(t, deleted)

				versions, err = m.ListVersions(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"v2"}, versions)

				v2, err := m.Open(ctx, "v2")
				require.NoError(t, err)
				keys, err := v2.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"GET https://app.example/v2"}, keys)
			})

			t.Run("deleted version refuses writes", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				c, err := m.Open(ctx, "v1")
				require.NoError(t, err)
				r := req(t, "https://app.example/a")
				require.NoError(t, c.Put(ctx, r, ok("a")))
				require.NoError(t, m.DeleteVersion(ctx, "v1"))

				_, found, err := c.Match(ctx, r)
				require.NoError(t, err)
				assert.False(t, found)
				require.ErrorIs(t, c.Put(ctx, r, ok("b")), ErrUnknownVersion)
			})

			t.Run("writes racing cleanup leave nothing behind", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				old, err := m.Open(ctx, "old")
				require.NoError(t, err)
				_, err = m.Open(ctx, "new")
				require.NoError(t, err)

				start := make(chan struct{})
				var wg sync.WaitGroup
				for w := 0; w < 4; w++ {
					w := w
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						for i := 0; i < 25; i++ {
							r := req(t, fmt.Sprintf("https://app.example/%d/%d", w, i))
							if err := old.Put(ctx, r, ok("x")); err != nil {
								assert.ErrorIs(t, err, ErrUnknownVersion)
							}
							_, _, _ = old.Match(ctx, r)
						}
					}()
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := m.DeleteVersionsExcept(ctx, "new")
					assert.NoError(t, err)
				}()
				close(start)
				wg.Wait()

				n, err := old.Len(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
				_, found, err := old.Match(ctx, req(t, "https://app.example/0/0"))
				require.NoError(t, err)
				assert.False(t, found)
				versions, err := m.ListVersions(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"new"}, versions)
			})

			t.Run("orphaned entries are swept", func(t *testing.T) {
				m := open(t)
				defer m.Close()

				_, err := m.Open(ctx, "live")
				require.NoError(t, err)
				require.NoError(t, m.b.put(ctx, "ghost", "GET https://app.example/a", []byte("x")))
				require.NoError(t, m.b.put(ctx, "ghost", "GET https://app.example/b", []byte("y")))

				deleted, err := m.DeleteVersionsExcept(ctx, "live")
				require.NoError(t, err)
				assert.Equal(t, []string{"ghost"}, deleted)

				ghost, err := m.Cache("ghost")
				require.NoError(t, err)
				n, err := ghost.Len(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("installed flag", func(t *testing.T) {
				m := open(t)
				defer m.Close()
				tick(m)

				_, err := m.Open(ctx, "v1")
				require.NoError(t, err)
				_, err = m.Open(ctx, "v2")
				require.NoError(t, err)
				require.NoError(t, m.MarkInstalled(ctx, "v1"))
				require.ErrorIs(t, m.MarkInstalled(ctx, "nope"), ErrUnknownVersion)

				versions, err := m.Versions(ctx)
				require.NoError(t, err)
				require.Len(t, versions, 2)
				assert.Equal(t, "v1", versions[0].Name)
				assert.True(t, versions[0].Installed)
				assert.Equal(t, "v2", versions[1].Name)
				assert.False(t, versions[1].Installed)
				assert.True(t, versions[0].CreatedAt.Before(versions[1].CreatedAt))
			})
		})
	}
}

func TestLevelDBSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := OpenLevelDB(dir, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	c, err := m.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, req(t, "https://app.example/index.html"), ok("shell")))
	require.NoError(t, m.Close())

	m, err = OpenLevelDB(dir, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer m.Close()

	versions, err := m.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, versions)

	c, err = m.Open(ctx, "v1")
	require.NoError(t, err)
	got, found, err := c.Match(ctx, req(t, "https://app.example/index.html"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "shell", string(got.Body))
}

func TestOpenUnknownProvider(t *testing.T) {
	_, err := Open("redis", "", Options{})
	require.Error(t, err)
}
