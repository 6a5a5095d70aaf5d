// Package rfc9211 builds values for the Cache-Status response header field.
package rfc9211

import "fmt"

// CacheName identifies this cache in Cache-Status header values.
const CacheName = "OfflineCache"

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// The response was handed to the cache for storing.
	// The write completes after the response is sent and may still fail.
	Stored bool
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := CacheName
	if cs.Status == StatusHit {
		status += "; hit"
	} else if cs.FwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	return status
}
