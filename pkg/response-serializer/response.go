package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/always-cache/offline-cache/fetch"
)

const (
	typeHeaderName     = "Ocache-Response-Type"
	urlHeaderName      = "Ocache-Response-Url"
	storedAtHeaderName = "Ocache-Stored-At"
)

// StoredResponse is a response together with the metadata kept next to it in the cache.
type StoredResponse struct {
	Response *fetch.Response
	// The value of the clock when the response was written to the cache.
	StoredAt time.Time
}

// StoredResponseToBytes encodes the response in HTTP/1.1 wire format.
// It consumes the response body.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res.StatusCode < 100 || res.StatusCode > 999 {
		return nil, fmt.Errorf("cannot store response with status %d", res.StatusCode)
	}
	body, err := res.Bytes()
	if err != nil {
		return nil, err
	}

	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(typeHeaderName, string(res.Type))
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	if res.URL != nil {
		header.Set(urlHeaderName, res.URL.String())
	}

	hres := &http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	buf := &bytes.Buffer{}
	if err := hres.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse decodes bytes written by StoredResponseToBytes.
// The returned response has a fresh, unread body.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	hres, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	defer hres.Body.Close()
	body, err := io.ReadAll(hres.Body)
	if err != nil {
		return sRes, err
	}

	storedAt, err := strconv.ParseInt(hres.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored-at: %w", err)
	}
	sRes.StoredAt = time.Unix(storedAt, 0)

	res := fetch.NewBytesResponse(hres.StatusCode, hres.Header, body)
	if t := hres.Header.Get(typeHeaderName); t != "" {
		res.Type = fetch.ResponseType(t)
	}
	if raw := hres.Header.Get(urlHeaderName); raw != "" {
		if u, err := url.Parse(raw); err == nil {
			res.URL = u
		}
	}
	// delete extra headers
	res.Header.Del(typeHeaderName)
	res.Header.Del(urlHeaderName)
	res.Header.Del(storedAtHeaderName)
	sRes.Response = res
	return sRes, nil
}
