package offlinecache

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/lifecycle"
	"github.com/always-cache/offline-cache/rfc9211"
)

// Handler serves incoming requests on the scope's origin. Every request is a client of
// host for its duration, so it is controlled by the worker active when it arrives.
// Upstream transport errors are answered with 502 Bad Gateway.
func Handler(host *lifecycle.Host, scope *url.URL, logger *zerolog.Logger) http.Handler {
	var base zerolog.Logger
	if logger == nil {
		base = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		base = *logger
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, &base)
		req := toFetchRequest(r, scope)
		client := host.Connect()
		defer client.Close()

		res, handled, err := client.Fetch(r.Context(), req)
		if err != nil {
			log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not get response")
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		defer res.Close()

		if !handled {
			cs := rfc9211.CacheStatus{}
			if r.Method != http.MethodGet {
				cs.Forward(rfc9211.FwdReasonMethod)
			} else {
				cs.Forward(rfc9211.FwdReasonBypass)
			}
			res.Header.Set(rfc9211.HeaderName, cs.String())
		}

		body, err := res.Body()
		if err != nil {
			log.Error().Err(err).Str("url", req.URL.String()).Msg("Response body already used")
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		defer body.Close()

		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		bytesWritten, err := io.Copy(w, body)
		if err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
		log.Debug().
			Str("method", r.Method).
			Str("url", req.URL.String()).
			Str("sourceIp", sourceIP(r)).
			Int("status", res.StatusCode).
			Str("cacheStatus", res.Header.Get(rfc9211.HeaderName)).
			Bool("handled", handled).
			Int64("bytes", bytesWritten).
			Msg("Sending response to client")
	})
}

// requestLogger returns the logger from the request context, or base if there is none.
func requestLogger(r *http.Request, base *zerolog.Logger) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return base
	}
	return logger
}

func toFetchRequest(r *http.Request, scope *url.URL) *fetch.Request {
	u := *scope
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	header := make(http.Header, len(r.Header))
	copyHeader(header, r.Header)

	req := &fetch.Request{
		Method: r.Method,
		URL:    &u,
		Header: header,
	}
	if r.Body != nil && r.Body != http.NoBody {
		req.Body = r.Body
	}
	return req
}

func sourceIP(r *http.Request) string {
	// RemoteAddr is 1.2.3.4:10000 for ipv4 and [1:2:3]:10000 for ipv6
	idx := strings.LastIndex(r.RemoteAddr, ":")
	if idx < 0 {
		return r.RemoteAddr
	}
	return r.RemoteAddr[:idx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// upstream proxy headers are not passed on
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
