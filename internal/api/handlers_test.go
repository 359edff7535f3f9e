package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgforge-agent/internal/config"
	"pkgforge-agent/internal/depgraph"
	"pkgforge-agent/internal/queue"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Store, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		CodeDir:     dir,
		QueueFile:   filepath.Join(dir, "q.txt"),
		MetaFile:    filepath.Join(dir, "q.txt.meta.json"),
		ResultsFile: filepath.Join(dir, "builds.ini"),
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := queue.NewStore(cfg.QueueFile, cfg.MetaFile, cfg.CodeDir, logger)
	require.NoError(t, err)

	graphs := func() (*depgraph.Graph, error) {
		dirs := depgraph.Discover(cfg.CodeDir, nil)
		g := depgraph.New(dirs, logger)
		g.BuildFromControlDirs(nil)
		return g, nil
	}
	srv := httptest.NewServer(NewRouter(cfg, store, graphs, logger))
	t.Cleanup(srv.Close)
	return srv, store, dir
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var health HealthResponse
	code := getJSON(t, srv.URL+"/api/health", &health)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", health.Status)
}

func TestQueueEndpoint(t *testing.T) {
	srv, store, dir := newTestServer(t)
	_, _, err := store.AddTasks([]queue.Task{
		{Path: filepath.Join(dir, "pkg-a"), Kind: queue.KindDebian},
		{Path: filepath.Join(dir, "pkg-b"), Kind: queue.KindDebian},
	}, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted("pkg-a"))

	var resp QueueResponse
	code := getJSON(t, srv.URL+"/api/queue", &resp)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "pkg-a", resp.Entries[0].Name)
	assert.True(t, resp.Entries[0].Completed)
	assert.False(t, resp.Entries[1].Completed)
}

func TestStatusEndpointCounts(t *testing.T) {
	srv, store, dir := newTestServer(t)
	_, _, err := store.AddTasks([]queue.Task{
		{Path: filepath.Join(dir, "pkg-a"), Kind: queue.KindDebian},
		{Path: filepath.Join(dir, "pkg-b"), Kind: queue.KindDebian},
	}, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted("pkg-b"))

	var resp StatusResponse
	code := getJSON(t, srv.URL+"/api/status", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, resp.Pending)
	assert.Equal(t, 1, resp.Completed)
	assert.Equal(t, dir, resp.CodeDir)
}

func TestSeriesEndpoint(t *testing.T) {
	srv, store, dir := newTestServer(t)
	for _, pkg := range []string{"pkg-a", "pkg-b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, pkg, "debian"), 0755))
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, pkg, "debian", "control"),
			[]byte("Source: "+pkg+"\n"), 0644))
	}
	_, _, err := store.AddTasks([]queue.Task{
		{Path: filepath.Join(dir, "pkg-a"), Kind: queue.KindDebian},
		{Path: filepath.Join(dir, "pkg-b"), Kind: queue.KindDebian},
	}, false)
	require.NoError(t, err)

	var resp SeriesResponse
	code := getJSON(t, srv.URL+"/api/series", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Series, 2, "independent packages form separate series")
}

func TestResultsEndpointWithoutRecord(t *testing.T) {
	srv, _, _ := newTestServer(t)
	code := getJSON(t, srv.URL+"/api/results", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
