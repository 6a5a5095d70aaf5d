package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Fetcher is the network. Fetch fails only on transport errors;
// any response that arrives, including 4xx and 5xx, is returned.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches over HTTP. Responses are classified relative to Origin.
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher creates a fetcher for pages served from origin.
// Redirects are not followed, they are returned to the page as-is.
func NewHTTPFetcher(origin *url.URL, transport http.RoundTripper) *HTTPFetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPFetcher{
		origin: origin,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = req.Body
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeader(hreq.Header, req.Header)

	hres, err := f.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	res := NewResponse(hres.StatusCode, hres.Header, hres.Body)
	res.URL = hres.Request.URL
	res.Type = classify(f.origin, hres.Request.URL, hres.Header)
	return res, nil
}

// classify returns basic for same-origin responses,
// cors for cross-origin responses which allow the origin and opaque otherwise.
func classify(origin, u *url.URL, header http.Header) ResponseType {
	if origin == nil || SameOrigin(origin, u) {
		return TypeBasic
	}
	allowed := header.Get("Access-Control-Allow-Origin")
	if allowed == "*" || allowed == origin.Scheme+"://"+origin.Host {
		return TypeCORS
	}
	return TypeOpaque
}

// SameOrigin reports whether two URLs share scheme and host (including port).
func SameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}

// HandlerFetcher serves requests from an in-process handler,
// e.g. when the controller is embedded in front of an application.
type HandlerFetcher struct {
	handler http.Handler
	origin  *url.URL
}

func NewHandlerFetcher(origin *url.URL, handler http.Handler) *HandlerFetcher {
	return &HandlerFetcher{handler: handler, origin: origin}
}

func (f *HandlerFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader = http.NoBody
	if req.Body != nil {
		body = req.Body
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeader(hreq.Header, req.Header)
	hreq.RequestURI = req.URL.RequestURI()

	rw := tee.NewResponseSaver()
	f.handler.ServeHTTP(rw, hreq)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := NewResponse(rw.StatusCode(), rw.Header(), io.NopCloser(bytes.NewReader(rw.Body())))
	u := *req.URL
	res.URL = &u
	res.Type = classify(f.origin, req.URL, rw.Header())
	return res, nil
}

// copyHeader copies request headers for the origin.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		// the transport negotiates compression itself and decodes the body,
		// so stored responses are never encoded for one particular client
		if k == "Accept-Encoding" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
