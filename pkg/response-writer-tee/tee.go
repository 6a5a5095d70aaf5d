package tee

import (
	"bytes"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
type ResponseSaver struct {
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.body.Write(b)
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.body.Bytes()
}

// StatusCode returns the status code of the response.
// A handler that wrote nothing at all produced an implicit 200.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}
