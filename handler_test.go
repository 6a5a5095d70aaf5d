package offlinecache

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/lifecycle"
)

func newTestServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	logger := zerolog.New(io.Discard)
	host := lifecycle.NewHost(context.Background(), f.network, &logger)
	_, err := host.Register(context.Background(), f.controller)
	require.NoError(t, err)
	srv := httptest.NewServer(Handler(host, &scope, &logger))
	t.Cleanup(func() {
		srv.Close()
		host.Wait()
	})
	return srv
}

func getURL(t *testing.T, rawURL string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, vv := range header {
		req.Header[k] = vv
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func waitForWrites(t *testing.T, f *fixture, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.writes.all()) >= n }, time.Second, 5*time.Millisecond)
}

func TestHandlerServesAppShellFromCache(t *testing.T) {
	f := newFixture(t, nil)
	srv := newTestServer(t, f)
	installCalls := f.network.Calls()

	res, body := getURL(t, srv.URL+"/index.html", nil)
	assert.Equal(t, "/index.html", body)
	assert.Equal(t, "OfflineCache; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, installCalls, f.network.Calls(), "network called for a cached resource")
}

func TestHandlerWritesBackThroughEvent(t *testing.T) {
	f := newFixture(t, nil)
	srv := newTestServer(t, f)

	res, _ := getURL(t, srv.URL+"/styles.css?v=2", nil)
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))
	// the write-back extends the fetch event of the first request
	waitForWrites(t, f, 1)

	res, _ = getURL(t, srv.URL+"/styles.css?v=2", nil)
	assert.Equal(t, "OfflineCache; hit", res.Header.Get("Cache-Status"))
}

func TestHandlerDeclinedRequests(t *testing.T) {
	f := newFixture(t, nil)
	srv := newTestServer(t, f)

	res, err := http.Post(srv.URL+"/form", "text/plain", strings.NewReader("name=x"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "OfflineCache; fwd=method", res.Header.Get("Cache-Status"))
}

func TestHandlerNetworkError(t *testing.T) {
	f := newFixture(t, nil)
	srv := newTestServer(t, f)
	f.network.err = errors.New("offline")

	res, body := getURL(t, srv.URL+"/not-cached.js", nil)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, body, "Could not get response")
}

func TestHandlerStoresDecodedBodies(t *testing.T) {
	// the origin compresses only for clients that ask for it
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			io.WriteString(w, "body{margin:0}")
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, "body{margin:0}")
		gz.Close()
	}))
	defer origin.Close()
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	logger := zerolog.New(io.Discard)
	network := fetch.NewHTTPFetcher(originURL, nil)
	writes := &recorder{}
	controller, err := New(Config{
		CacheName:    "v8",
		AppShell:     []string{"./index.html"},
		Scope:        *originURL,
		SkipWaiting:  true,
		ClaimClients: true,
		Storage:      cache.NewStorage(cache.NewMemProvider()),
		Network:      network,
		Logger:       &logger,
		OnWriteBack:  writes.record,
	})
	require.NoError(t, err)
	host := lifecycle.NewHost(context.Background(), network, &logger)
	_, err = host.Register(context.Background(), controller)
	require.NoError(t, err)
	srv := httptest.NewServer(Handler(host, originURL, &logger))
	defer srv.Close()

	// an explicit Accept-Encoding keeps the test client from decoding
	res, body := getURL(t, srv.URL+"/app.css", http.Header{"Accept-Encoding": {"gzip"}})
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, "body{margin:0}", body)
	require.Eventually(t, func() bool { return len(writes.all()) == 1 }, time.Second, 5*time.Millisecond)
	host.Wait()

	res, body = getURL(t, srv.URL+"/app.css", http.Header{"Accept-Encoding": {"identity"}})
	assert.Equal(t, "OfflineCache; hit", res.Header.Get("Cache-Status"))
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, "body{margin:0}", body)
}
