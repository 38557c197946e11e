package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, origin, dataDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	body := fmt.Sprintf(`
app: {origin: %q}
cache:
  version: v1
  assets: [./, ./index.html]
storage:
  provider: leveldb
  path: %q
logging: {level: warn}
`, origin, dataDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, "https://app.example", t.TempDir())
	opts := &rootOptions{configPath: path, cacheVersion: "v9", port: 9999, provider: "sqlite"}

	cfg, _, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, "v9", cfg.Cache.Version)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Provider)
	assert.Equal(t, "./data/offline0.db", cfg.Storage.Path)
}

func TestLoadRejectsBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app: {origin: 'https://a.example'}\ncache: {version: v1}\nlogging: {level: loud}"), 0o644))

	_, _, err := (&rootOptions{configPath: path}).load()
	require.Error(t, err)
}

func TestInstallActivateAndList(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<shell>"))
	}))
	defer origin.Close()

	dataDir := filepath.Join(t.TempDir(), "leveldb")
	path := writeConfig(t, origin.URL, dataDir)

	_, err := run(t, "--config", path, "install", "--cache-version", "v0")
	require.NoError(t, err)

	out, err := run(t, "--config", path, "versions")
	require.NoError(t, err)
	assert.Equal(t, "  v0\n", out)

	out, err = run(t, "--config", path, "install", "--activate")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", out)

	out, err = run(t, "--config", path, "versions")
	require.NoError(t, err)
	assert.Equal(t, "* v1\n", out)
}

func TestActivateRequiresInstall(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1", filepath.Join(t.TempDir(), "leveldb"))

	_, err := run(t, "--config", path, "activate")
	require.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "versions")
	require.Error(t, err)
}
