package cachekey

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/fetch"
)

var ErrorMethodNotSupported = fmt.Errorf("method not supported")

type CacheKeyer struct {
	// Base URL the controller serves. Relative references are resolved against it.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	return CacheKeyer{Scope: scope}
}

// Resolve turns a possibly relative reference (e.g. `./index.html`) into an absolute URL.
func (c CacheKeyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if c.Scope != nil {
		u = c.Scope.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("cannot resolve %q to an absolute url", ref)
	}
	return u, nil
}

// GetKey returns the cache key for a request.
// Only GET requests have keys. The key is the absolute URL without fragment,
// so requests differing only by their fragment share a stored response.
func GetKey(r *fetch.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return URLKey(r.URL), nil
}

// URLKey returns the cache key for a GET of u.
func URLKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}

// GetRequestFromKey creates a request that results in the provided key.
func GetRequestFromKey(key string) (*fetch.Request, error) {
	req, err := fetch.NewRequest(http.MethodGet, key)
	if err != nil {
		return nil, fmt.Errorf("malformed key %s: %w", key, err)
	}
	return req, nil
}
