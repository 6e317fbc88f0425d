// Package model defines shared per-request types for the stream proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is a validated inbound request for an upstream stream resource.
type ProxyRequest struct {
	Target *url.URL
	Range  string // inbound Range header, forwarded verbatim on every attempt
}

// Class is the classification of a single upstream attempt.
type Class int

const (
	ClassSuccess Class = iota // 2xx/3xx
	ClassBlocked              // 403
	ClassError                // any other non-success status
)

// String returns the metrics label for the class.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassBlocked:
		return "blocked"
	default:
		return "upstream_error"
	}
}

// Outcome is the upstream response to a single attempt.
type Outcome struct {
	URL        *url.URL // final URL after redirects
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Class      Class
	Attempt    int
}

// PlanKind selects how the responder emits a ResponsePlan.
type PlanKind int

const (
	PlanPassthrough PlanKind = iota
	PlanPlaylist
)

// ResponsePlan is what the stream responder writes back to the caller.
// Playlist plans carry a fully materialized Text; passthrough plans carry
// the still-open upstream Body.
type ResponsePlan struct {
	Kind       PlanKind
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Text       string
}

// Close releases the upstream body, if any.
func (p *ResponsePlan) Close() error {
	if p.Body == nil {
		return nil
	}
	return p.Body.Close()
}
