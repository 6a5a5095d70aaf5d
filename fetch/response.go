package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// ErrBodyUsed is returned when a response body is read, or a response is cloned,
// after the body has already been handed out.
var ErrBodyUsed = errors.New("response body already used")

// ResponseType classifies a response by how much of it the controller may inspect.
type ResponseType string

const (
	// Same-origin response, status and body fully inspectable.
	TypeBasic ResponseType = "basic"
	// Cross-origin response the origin explicitly shared.
	TypeCORS ResponseType = "cors"
	// Cross-origin response that was not shared.
	TypeOpaque ResponseType = "opaque"
)

// Request is an outbound request from a controlled page.
type Request struct {
	Method string
	// Absolute URL of the requested resource.
	URL    *url.URL
	Header http.Header
	// Body is only forwarded when the request passes through to the network.
	Body io.ReadCloser
}

// NewRequest creates a request without body for an absolute URL.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
	}, nil
}

// Response is a response whose body can be consumed at most once.
// Use Clone to get a second readable copy before consuming it.
type Response struct {
	StatusCode int
	Header     http.Header
	Type       ResponseType
	// Final URL of the response, if known.
	URL *url.URL

	mu   sync.Mutex
	body io.ReadCloser
	used bool
}

// NewResponse creates a basic response. A nil body is treated as empty.
func NewResponse(statusCode int, header http.Header, body io.ReadCloser) *Response {
	if header == nil {
		header = make(http.Header)
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		StatusCode: statusCode,
		Header:     header,
		Type:       TypeBasic,
		body:       body,
	}
}

// NewBytesResponse creates a basic response with an in-memory body.
func NewBytesResponse(statusCode int, header http.Header, body []byte) *Response {
	return NewResponse(statusCode, header, io.NopCloser(bytes.NewReader(body)))
}

// Ok reports whether the status is in the 2xx range.
func (r *Response) Ok() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// BodyUsed reports whether the body has been handed out.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Body hands out the body reader. The caller must close it.
// Any further call returns ErrBodyUsed.
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Bytes consumes the body and returns its contents.
func (r *Response) Bytes() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// Clone returns an independent copy of the response.
// The body is buffered, so the original stays readable afterwards.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	b, err := io.ReadAll(r.body)
	r.body.Close()
	if err != nil {
		// the original body is gone at this point
		r.used = true
		return nil, fmt.Errorf("buffer body: %w", err)
	}
	r.body = io.NopCloser(bytes.NewReader(b))

	clone := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Type:       r.Type,
		body:       io.NopCloser(bytes.NewReader(b)),
	}
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	return clone, nil
}

// Close releases the body if it was never handed out.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil
	}
	r.used = true
	return r.body.Close()
}
