package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/fetch"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

var (
	ErrMethodNotGET      = errors.New("only GET requests can be cached")
	ErrUnsupportedScheme = errors.New("only http and https requests can be cached")
	ErrPartialResponse   = errors.New("partial responses cannot be cached")
	ErrDuplicateRequest  = errors.New("duplicate request")
)

// StatusError is returned by AddAll when a fetched response is not ok.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Storage is the registry of named caches.
type Storage struct {
	provider Provider
	now      func() time.Time
}

func NewStorage(provider Provider) *Storage {
	return &Storage{provider: provider, now: time.Now}
}

// Open returns the named cache, creating it if it does not exist.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := s.provider.Create(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{name: name, storage: s}, nil
}

// Has checks if the named cache exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.provider.Has(ctx, name)
}

// Keys returns the names of all caches in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.provider.Names(ctx)
}

// Delete removes the named cache and reports whether it existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.provider.Drop(ctx, name)
}

// Match looks the request up in the named cache without creating the cache.
func (s *Storage) Match(ctx context.Context, name string, req *fetch.Request) (*fetch.Response, bool, error) {
	return (&Cache{name: name, storage: s}).Match(ctx, req)
}

// Cache is one named cache, mapping GET requests to responses.
type Cache struct {
	name    string
	storage *Storage
}

func (c *Cache) Name() string {
	return c.name
}

// Match returns the stored response for the request.
// Requests other than GET never match.
func (c *Cache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, bool, error) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		return nil, false, nil
	}
	entry, ok, err := c.storage.provider.Get(ctx, c.name, key)
	if err != nil || !ok {
		return nil, false, err
	}
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return sRes.Response, true, nil
}

// Put stores the response under the request's key, overwriting any previous entry.
// It consumes the response body.
func (c *Cache) Put(ctx context.Context, req *fetch.Request, res *fetch.Response) error {
	entry, err := c.entry(req, res)
	if err != nil {
		return err
	}
	return c.storage.provider.Put(ctx, c.name, entry)
}

// AddAll fetches all requests concurrently and stores the responses in one write.
// If any request fails or responds with a non-2xx status, nothing is stored.
func (c *Cache) AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if err := checkRequest(req); err != nil {
			return err
		}
		key, _ := cachekey.GetKey(req)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		}
		seen[key] = struct{}{}
	}

	responses := make([]*fetch.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			responses[i] = res
			if !res.Ok() {
				return &StatusError{URL: req.URL.String(), StatusCode: res.StatusCode}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range responses {
			if res != nil {
				res.Close()
			}
		}
		return err
	}

	entries := make([]CacheEntry, 0, len(reqs))
	for i, req := range reqs {
		entry, err := c.entry(req, responses[i])
		if err != nil {
			for _, res := range responses[i+1:] {
				res.Close()
			}
			return err
		}
		entries = append(entries, entry)
	}
	return c.storage.provider.Put(ctx, c.name, entries...)
}

// Delete removes the entry for the request and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		return false, nil
	}
	return c.storage.provider.Purge(ctx, c.name, key)
}

// Keys returns a request for every stored entry, in insertion order.
func (c *Cache) Keys(ctx context.Context) ([]*fetch.Request, error) {
	keys, err := c.storage.provider.Keys(ctx, c.name)
	if err != nil {
		return nil, err
	}
	reqs := make([]*fetch.Request, 0, len(keys))
	for _, key := range keys {
		req, err := cachekey.GetRequestFromKey(key)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (c *Cache) entry(req *fetch.Request, res *fetch.Response) (CacheEntry, error) {
	if err := checkRequest(req); err != nil {
		res.Close()
		return CacheEntry{}, err
	}
	if res.StatusCode == http.StatusPartialContent {
		res.Close()
		return CacheEntry{}, ErrPartialResponse
	}
	now := c.storage.now()
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{Response: res, StoredAt: now})
	if err != nil {
		return CacheEntry{}, err
	}
	return CacheEntry{
		Key:      cachekey.URLKey(req.URL),
		StoredAt: now,
		Bytes:    bts,
	}, nil
}

func checkRequest(req *fetch.Request) error {
	if req.Method != http.MethodGet {
		return ErrMethodNotGET
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return ErrUnsupportedScheme
	}
	return nil
}
