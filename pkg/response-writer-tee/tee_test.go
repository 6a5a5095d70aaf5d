package tee

import (
	"net/http"
	"testing"
)

func TestSaverRecordsResponse(t *testing.T) {
	rs := NewResponseSaver()
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusTeapot)
	rs.Write([]byte("short and stout"))

	if rs.StatusCode() != http.StatusTeapot {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
	if ct := rs.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if body := string(rs.Body()); body != "short and stout" {
		t.Fatalf("Body is %s", body)
	}
}

func TestSaverKeepsFirstStatus(t *testing.T) {
	rs := NewResponseSaver()
	rs.Write([]byte("Hello world"))
	rs.WriteHeader(http.StatusInternalServerError)

	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}

func TestSaverImplicitStatus(t *testing.T) {
	rs := NewResponseSaver()
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}
