package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/internal/obs"
	"github.com/always-cache/offline-cache/lifecycle"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/rfc9211"
)

var tracer = otel.Tracer("github.com/always-cache/offline-cache")

type Config struct {
	// Name of the current cache generation. Every other cache is deleted on activation.
	CacheName string
	// Resources stored on install, relative to Scope.
	AppShell []string
	// Base URL of the application.
	Scope url.URL
	// Activate as soon as installed instead of waiting for open pages to close.
	SkipWaiting bool
	// Take control of open pages on activation.
	ClaimClients bool
	// Storage for cache generations.
	Storage *cache.Storage
	// The network.
	Network fetch.Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *obs.Metrics
	// Optional function called when a write-back has finished.
	OnWriteBack func(WriteBack)
}

// WriteBack reports the outcome of storing a network response.
type WriteBack struct {
	URL string
	Err error
}

// Controller is the offline cache: it installs the app shell, prunes stale caches
// on activation and answers GET requests cache-first.
type Controller struct {
	cacheName    string
	appShell     []*url.URL
	skipWaiting  bool
	claimClients bool
	storage      *cache.Storage
	network      fetch.Fetcher
	log          zerolog.Logger
	metrics      *obs.Metrics
	onWriteBack  func(WriteBack)

	pending sync.WaitGroup
}

// New validates the config and creates the controller.
func New(config Config) (*Controller, error) {
	if config.CacheName == "" {
		return nil, fmt.Errorf("cache name is empty")
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is not set")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("network is not set")
	}
	scope := config.Scope
	if scope.Scheme != "http" && scope.Scheme != "https" {
		return nil, fmt.Errorf("scope %q is not an http(s) url", scope.String())
	}

	keyer := cachekey.NewCacheKeyer(&scope)
	appShell := make([]*url.URL, 0, len(config.AppShell))
	seen := make(map[string]struct{}, len(config.AppShell))
	for _, path := range config.AppShell {
		u, err := keyer.Resolve(path)
		if err != nil {
			return nil, fmt.Errorf("app shell entry %s: %w", path, err)
		}
		key := cachekey.URLKey(u)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("app shell lists %s twice", key)
		}
		seen[key] = struct{}{}
		appShell = append(appShell, u)
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("cache", config.CacheName).Logger()

	return &Controller{
		cacheName:    config.CacheName,
		appShell:     appShell,
		skipWaiting:  config.SkipWaiting,
		claimClients: config.ClaimClients,
		storage:      config.Storage,
		network:      config.Network,
		log:          logger,
		metrics:      config.Metrics,
		onWriteBack:  config.OnWriteBack,
	}, nil
}

// CacheName returns the current cache generation.
func (c *Controller) CacheName() string {
	return c.cacheName
}

// Install opens the current cache and stores the app shell in it.
// It fails as a whole if any resource cannot be fetched.
func (c *Controller) Install(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "offlinecache.Install",
		trace.WithAttributes(attribute.String("cache", c.cacheName), attribute.Int("resources", len(c.appShell))))
	defer func() {
		endSpan(span, err)
		c.metrics.Install(c.cacheName, err)
	}()

	store, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		return err
	}
	c.log.Info().Int("resources", len(c.appShell)).Msg("Cache opened, adding app shell")

	reqs := make([]*fetch.Request, 0, len(c.appShell))
	for _, u := range c.appShell {
		reqs = append(reqs, &fetch.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)})
	}
	if err := store.AddAll(ctx, c.network, reqs); err != nil {
		c.log.Error().Err(err).Msg("Could not add app shell")
		return fmt.Errorf("add app shell: %w", err)
	}
	return nil
}

// Activate deletes every cache except the current one and returns the deleted names.
// Deletions run concurrently and each failure only affects its own cache.
// Only failing to list the caches is an error.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "offlinecache.Activate")
	defer span.End()

	names, err := c.storage.Keys(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted []string
	)
	for _, name := range names {
		if name == c.cacheName {
			continue
		}
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.log.Info().Str("stale", name).Msg("Deleting stale cache")
			ok, err := c.storage.Delete(ctx, name)
			c.metrics.Deletion(err)
			if err != nil {
				c.log.Error().Err(err).Str("stale", name).Msg("Could not delete stale cache")
				return
			}
			if ok {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	span.SetAttributes(attribute.Int("deleted", len(deleted)))
	return deleted, nil
}

// Fetch intercepts a request. It returns false when it declines,
// in which case the request should go to the network untouched.
// Write-backs started here can be awaited with Wait.
func (c *Controller) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, bool, error) {
	if !c.intercepts(req) {
		return nil, false, nil
	}
	detached := context.WithoutCancel(ctx)
	res, err := c.respond(ctx, req, func(task func(ctx context.Context) error) error {
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			task(detached)
		}()
		return nil
	})
	return res, true, err
}

// Wait blocks until all write-backs started by Fetch have finished.
func (c *Controller) Wait() {
	c.pending.Wait()
}

func (c *Controller) intercepts(req *fetch.Request) bool {
	if req.Method != http.MethodGet {
		c.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Not intercepting non-GET request")
		c.metrics.Fetch(c.cacheName, obs.FetchBypass)
		return false
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		c.log.Trace().Str("url", req.URL.String()).Msg("Not intercepting non-http request")
		c.metrics.Fetch(c.cacheName, obs.FetchBypass)
		return false
	}
	return true
}

// respond serves the request cache-first. Write-backs are handed to spawn
// and are not awaited, so "stored" in the Cache-Status only says the response
// was handed to the cache. The outcome of the write goes to OnWriteBack.
func (c *Controller) respond(
	ctx context.Context, req *fetch.Request,
	spawn func(task func(ctx context.Context) error) error,
) (*fetch.Response, error) {
	ctx, span := tracer.Start(ctx, "offlinecache.Fetch", trace.WithAttributes(attribute.String("url", req.URL.String())))
	defer span.End()
	logger := c.log.With().Str("url", req.URL.String()).Logger()

	cached, ok, err := c.storage.Match(ctx, c.cacheName, req)
	if err != nil {
		logger.Error().Err(err).Msg("Could not retrieve from cache")
	}
	if ok {
		cs := rfc9211.CacheStatus{}
		cs.Hit()
		cached.Header.Set(rfc9211.HeaderName, cs.String())
		c.metrics.Fetch(c.cacheName, obs.FetchHit)
		span.SetAttributes(attribute.Bool("hit", true))
		logger.Debug().Int("status", cached.StatusCode).Msg("Serving from cache")
		return cached, nil
	}

	span.SetAttributes(attribute.Bool("hit", false))
	logger.Trace().Msg("Cache miss, fetching from network")
	res, err := c.network.Fetch(ctx, req)
	if err != nil {
		// no offline fallback
		c.metrics.Fetch(c.cacheName, obs.FetchError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Msg("Network request failed")
		return nil, err
	}
	c.metrics.Fetch(c.cacheName, obs.FetchMiss)

	cs := rfc9211.CacheStatus{}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	if res.StatusCode != http.StatusOK || res.Type != fetch.TypeBasic {
		logger.Trace().Int("status", res.StatusCode).Str("type", string(res.Type)).Msg("Non-cacheable response")
		c.metrics.WriteBack(c.cacheName, obs.WriteBackSkipped)
		res.Header.Set(rfc9211.HeaderName, cs.String())
		return res, nil
	}

	// the body can be read only once: one copy for the page, one for the cache
	stored, err := res.Clone()
	if err != nil {
		logger.Error().Err(err).Msg("Could not duplicate response")
		return nil, err
	}
	if err := spawn(func(ctx context.Context) error {
		return c.writeBack(ctx, req, stored)
	}); err != nil {
		stored.Close()
		logger.Error().Err(err).Msg("Could not schedule cache write")
	} else {
		cs.Stored = true
	}
	res.Header.Set(rfc9211.HeaderName, cs.String())
	return res, nil
}

// writeBack stores a network response in the current cache.
// Failures are only logged: the page already has its response.
func (c *Controller) writeBack(ctx context.Context, req *fetch.Request, res *fetch.Response) error {
	key := cachekey.URLKey(req.URL)
	err := func() error {
		store, err := c.storage.Open(ctx, c.cacheName)
		if err != nil {
			res.Close()
			return err
		}
		return store.Put(ctx, req, res)
	}()
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		c.metrics.WriteBack(c.cacheName, obs.WriteBackFailed)
	} else {
		c.log.Trace().Str("key", key).Msg("Cache write")
		c.metrics.WriteBack(c.cacheName, obs.WriteBackStored)
	}
	if c.onWriteBack != nil {
		c.onWriteBack(WriteBack{URL: key, Err: err})
	}
	return err
}

// HandleInstall implements lifecycle.Handler.
func (c *Controller) HandleInstall(e *lifecycle.InstallEvent) {
	e.WaitUntil(c.Install)
	if c.skipWaiting {
		e.SkipWaiting()
	}
}

// HandleActivate implements lifecycle.Handler.
func (c *Controller) HandleActivate(e *lifecycle.ActivateEvent) {
	e.WaitUntil(func(ctx context.Context) error {
		_, err := c.Activate(ctx)
		return err
	})
	if c.claimClients {
		e.Claim()
	}
}

// HandleFetch implements lifecycle.Handler.
// The write-back extends the event instead of the response.
func (c *Controller) HandleFetch(e *lifecycle.FetchEvent) {
	req := e.Request
	if !c.intercepts(req) {
		return
	}
	e.RespondWith(func(ctx context.Context) (*fetch.Response, error) {
		return c.respond(ctx, req, e.WaitUntil)
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
