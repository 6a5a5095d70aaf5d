package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/internal/obs"
	"github.com/always-cache/offline-cache/rfc9211"
)

var scope = url.URL{Scheme: "https", Host: "app.example", Path: "/"}

// network serves every path with its path as body. Paths in status get that status,
// paths in types get that response type.
type network struct {
	calls  int32
	status map[string]int
	types  map[string]fetch.ResponseType
	err    error
}

func (n *network) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	atomic.AddInt32(&n.calls, 1)
	if n.err != nil {
		return nil, n.err
	}
	code := http.StatusOK
	if s, ok := n.status[req.URL.Path]; ok {
		code = s
	}
	res := fetch.NewBytesResponse(code, http.Header{"Content-Type": {"text/plain"}}, []byte(req.URL.Path))
	if t, ok := n.types[req.URL.Path]; ok {
		res.Type = t
	}
	return res, nil
}

func (n *network) Calls() int32 {
	return atomic.LoadInt32(&n.calls)
}

// brokenProvider fails the operations it has an error for.
type brokenProvider struct {
	cache.Provider
	namesErr error
	putErr   error
	// Drop fails for this cache only
	dropFails string
}

func (p *brokenProvider) Names(ctx context.Context) ([]string, error) {
	if p.namesErr != nil {
		return nil, p.namesErr
	}
	return p.Provider.Names(ctx)
}

func (p *brokenProvider) Put(ctx context.Context, name string, entries ...cache.CacheEntry) error {
	if p.putErr != nil {
		return p.putErr
	}
	return p.Provider.Put(ctx, name, entries...)
}

func (p *brokenProvider) Drop(ctx context.Context, name string) (bool, error) {
	if name == p.dropFails {
		return false, errors.New("disk full")
	}
	return p.Provider.Drop(ctx, name)
}

type recorder struct {
	mu     sync.Mutex
	writes []WriteBack
}

func (r *recorder) record(wb WriteBack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, wb)
}

func (r *recorder) all() []WriteBack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WriteBack(nil), r.writes...)
}

type fixture struct {
	controller *Controller
	storage    *cache.Storage
	network    *network
	writes     *recorder
	metrics    *obs.Metrics
}

// newFixture creates a "v8" controller with the app shell ["./index.html"].
// A nil provider means an in-memory one.
func newFixture(t *testing.T, provider cache.Provider) *fixture {
	t.Helper()
	if provider == nil {
		provider = cache.NewMemProvider()
	}
	logger := zerolog.New(io.Discard)
	f := &fixture{
		storage: cache.NewStorage(provider),
		network: &network{},
		writes:  &recorder{},
		metrics: obs.NewMetrics(),
	}
	c, err := New(Config{
		CacheName:    "v8",
		AppShell:     []string{"./index.html"},
		Scope:        scope,
		SkipWaiting:  true,
		ClaimClients: true,
		Storage:      f.storage,
		Network:      f.network,
		Logger:       &logger,
		Metrics:      f.metrics,
		OnWriteBack:  f.writes.record,
	})
	require.NoError(t, err)
	f.controller = c
	return f
}

func (f *fixture) keys(t *testing.T, name string) []string {
	t.Helper()
	store, err := f.storage.Open(context.Background(), name)
	require.NoError(t, err)
	reqs, err := store.Keys(context.Background())
	require.NoError(t, err)
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		keys = append(keys, req.URL.String())
	}
	return keys
}

func get(t *testing.T, ref string) *fetch.Request {
	t.Helper()
	u, err := url.Parse(ref)
	require.NoError(t, err)
	req, err := fetch.NewRequest(http.MethodGet, scope.ResolveReference(u).String())
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, res *fetch.Response) string {
	t.Helper()
	b, err := res.Bytes()
	require.NoError(t, err)
	return string(b)
}

func TestNewValidatesConfig(t *testing.T) {
	storage := cache.NewStorage(cache.NewMemProvider())
	net := &network{}
	valid := func() Config {
		return Config{CacheName: "v8", AppShell: []string{"./index.html"}, Scope: scope, Storage: storage, Network: net}
	}

	_, err := New(valid())
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"empty name":        func(c *Config) { c.CacheName = "" },
		"no storage":        func(c *Config) { c.Storage = nil },
		"no network":        func(c *Config) { c.Network = nil },
		"relative scope":    func(c *Config) { c.Scope = url.URL{Path: "/app/"} },
		"duplicate entries": func(c *Config) { c.AppShell = []string{"./index.html", "/index.html#top"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			config := valid()
			mutate(&config)
			_, err := New(config)
			assert.Error(t, err)
		})
	}
}

func TestHitDoesNotUseNetwork(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	store, err := f.storage.Open(ctx, "v8")
	require.NoError(t, err)
	stored := fetch.NewBytesResponse(http.StatusOK, http.Header{"X-Stored": {"1"}}, []byte("from cache"))
	require.NoError(t, store.Put(ctx, get(t, "/page.html"), stored))

	res, handled, err := f.controller.Fetch(ctx, get(t, "/page.html"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "from cache", readBody(t, res))
	assert.Equal(t, "1", res.Header.Get("X-Stored"))
	assert.Equal(t, "OfflineCache; hit", res.Header.Get(rfc9211.HeaderName))
	assert.Zero(t, f.network.Calls())
	assert.Empty(t, f.writes.all())
}

func TestNonGETIsDeclined(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	store, _ := f.storage.Open(ctx, "v8")
	require.NoError(t, store.Put(ctx, get(t, "/form"), fetch.NewBytesResponse(http.StatusOK, nil, []byte("cached form"))))

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req, err := fetch.NewRequest(method, "https://app.example/form")
		require.NoError(t, err)
		res, handled, err := f.controller.Fetch(ctx, req)
		require.NoError(t, err)
		assert.False(t, handled, method)
		assert.Nil(t, res, method)
	}
	assert.Zero(t, f.network.Calls())
	assert.Equal(t, []string{"https://app.example/form"}, f.keys(t, "v8"))
}

func TestNonHTTPSchemeIsDeclined(t *testing.T) {
	f := newFixture(t, nil)
	for _, raw := range []string{"chrome-extension://abcdef/script.js", "data:text/plain,hello", "file:///etc/hosts"} {
		req, err := fetch.NewRequest(http.MethodGet, raw)
		require.NoError(t, err)
		_, handled, err := f.controller.Fetch(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, handled, raw)
	}
	assert.Zero(t, f.network.Calls())
}

func TestMissIsWrittenBackOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, handled, err := f.controller.Fetch(ctx, get(t, "./missing.png#frag"))
	require.NoError(t, err)
	require.True(t, handled)
	// the page gets the whole body although the cache got a copy
	assert.Equal(t, "/missing.png", readBody(t, res))
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored", res.Header.Get(rfc9211.HeaderName))

	f.controller.Wait()
	writes := f.writes.all()
	require.Len(t, writes, 1)
	assert.Equal(t, "https://app.example/missing.png", writes[0].URL)
	assert.NoError(t, writes[0].Err)
	assert.Equal(t, []string{"https://app.example/missing.png"}, f.keys(t, "v8"))

	cached, ok, err := f.storage.Match(ctx, "v8", get(t, "./missing.png"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/missing.png", readBody(t, cached))
	assert.Empty(t, cached.Header.Get(rfc9211.HeaderName), "the stored copy has no cache status")

	expected := `
# HELP offline_cache_write_back_total Network responses considered for the cache by outcome
# TYPE offline_cache_write_back_total counter
offline_cache_write_back_total{cache="v8",result="stored"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "offline_cache_write_back_total"))
}

func TestNonCacheableResponsesAreNotWrittenBack(t *testing.T) {
	f := newFixture(t, nil)
	f.network.status = map[string]int{
		"/not-found":  http.StatusNotFound,
		"/error":      http.StatusInternalServerError,
		"/redirect":   http.StatusFound,
		"/no-content": http.StatusNoContent,
	}
	f.network.types = map[string]fetch.ResponseType{
		"/opaque": fetch.TypeOpaque,
		"/cors":   fetch.TypeCORS,
	}
	ctx := context.Background()

	for _, path := range []string{"/not-found", "/error", "/redirect", "/no-content", "/opaque", "/cors"} {
		res, handled, err := f.controller.Fetch(ctx, get(t, path))
		require.NoError(t, err)
		require.True(t, handled)
		assert.Equal(t, "OfflineCache; fwd=uri-miss", res.Header.Get(rfc9211.HeaderName), path)
		assert.Equal(t, path, readBody(t, res))
	}
	f.controller.Wait()
	assert.Empty(t, f.writes.all())
	has, err := f.storage.Has(ctx, "v8")
	require.NoError(t, err)
	assert.False(t, has, "nothing opened the cache")
}

func TestTransportErrorIsReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.network.err = errors.New("offline")

	res, handled, err := f.controller.Fetch(context.Background(), get(t, "/index.html"))
	assert.ErrorIs(t, err, f.network.err)
	assert.True(t, handled)
	assert.Nil(t, res)
	assert.Empty(t, f.writes.all())
}

func TestWriteBackFailureIsNotSurfaced(t *testing.T) {
	provider := &brokenProvider{Provider: cache.NewMemProvider(), putErr: errors.New("disk full")}
	f := newFixture(t, provider)

	res, handled, err := f.controller.Fetch(context.Background(), get(t, "/app.js"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "/app.js", readBody(t, res))
	// the response leaves before the write is attempted
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored", res.Header.Get(rfc9211.HeaderName))

	f.controller.Wait()
	writes := f.writes.all()
	require.Len(t, writes, 1)
	assert.ErrorIs(t, writes[0].Err, provider.putErr)
}

func TestWriteBackOutlivesRequestContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	res, _, err := f.controller.Fetch(ctx, get(t, "/late.css"))
	require.NoError(t, err)
	cancel()
	res.Close()

	f.controller.Wait()
	writes := f.writes.all()
	require.Len(t, writes, 1)
	assert.NoError(t, writes[0].Err)
}

func TestActivateLeavesOnlyCurrentCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, name := range []string{"v1", "v8", "v7"} {
		_, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
	}

	deleted, err := f.controller.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v7"}, deleted)

	names, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v8"}, names)
}

func TestActivateIgnoresDeletionFailures(t *testing.T) {
	provider := &brokenProvider{Provider: cache.NewMemProvider(), dropFails: "v2"}
	f := newFixture(t, provider)
	ctx := context.Background()
	for _, name := range []string{"v1", "v2", "v3"} {
		_, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
	}

	deleted, err := f.controller.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v3"}, deleted)

	names, _ := f.storage.Keys(ctx)
	assert.Equal(t, []string{"v2"}, names)
}

func TestActivateFailsWhenCachesCannotBeListed(t *testing.T) {
	provider := &brokenProvider{Provider: cache.NewMemProvider(), namesErr: errors.New("locked")}
	f := newFixture(t, provider)

	_, err := f.controller.Activate(context.Background())
	assert.ErrorIs(t, err, provider.namesErr)
}

func TestInstallIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.controller.Install(ctx))
	require.NoError(t, f.controller.Install(ctx))

	assert.Equal(t, []string{"https://app.example/index.html"}, f.keys(t, "v8"))
	assert.Equal(t, int32(2), f.network.Calls())
}

func TestInstallFailsAsAWhole(t *testing.T) {
	logger := zerolog.New(io.Discard)
	storage := cache.NewStorage(cache.NewMemProvider())
	net := &network{status: map[string]int{"/logo.png": http.StatusNotFound}}
	c, err := New(Config{
		CacheName: "v8",
		AppShell:  []string{"./index.html", "./logo.png"},
		Scope:     scope,
		Storage:   storage,
		Network:   net,
		Logger:    &logger,
	})
	require.NoError(t, err)

	err = c.Install(context.Background())
	var statusErr *cache.StatusError
	require.True(t, errors.As(err, &statusErr), "error is %v", err)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	store, _ := storage.Open(context.Background(), "v8")
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAppShellScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.storage.Open(ctx, "v1")
	require.NoError(t, err)

	require.NoError(t, f.controller.Install(ctx))
	assert.Equal(t, []string{"https://app.example/index.html"}, f.keys(t, "v8"))

	_, err = f.controller.Activate(ctx)
	require.NoError(t, err)
	names, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v8"}, names)

	calls := f.network.Calls()
	res, handled, err := f.controller.Fetch(ctx, get(t, "./index.html"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "/index.html", readBody(t, res))
	assert.Equal(t, calls, f.network.Calls())

	res, _, err = f.controller.Fetch(ctx, get(t, "./missing.png"))
	require.NoError(t, err)
	assert.Equal(t, "/missing.png", readBody(t, res))
	assert.Equal(t, calls+1, f.network.Calls())
	f.controller.Wait()

	res, _, err = f.controller.Fetch(ctx, get(t, "./missing.png"))
	require.NoError(t, err)
	assert.Equal(t, "/missing.png", readBody(t, res))
	assert.Equal(t, "OfflineCache; hit", res.Header.Get(rfc9211.HeaderName))
	assert.Equal(t, calls+1, f.network.Calls())
}
