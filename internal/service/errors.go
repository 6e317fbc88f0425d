package service

import (
	"errors"
	"fmt"

	"animestream-proxy/internal/client"
)

// Validation errors: the request is rejected before any upstream work.
var (
	ErrMissingURL      = errors.New("url parameter is required")
	ErrInvalidURL      = errors.New("url parameter must be an absolute http(s) URL")
	ErrSelfReferential = errors.New("url parameter points back at the stream proxy")
)

var (
	// ErrBlocked is returned once every retry was answered with 403.
	ErrBlocked = errors.New("upstream rejected the request")

	// ErrUnreachable and ErrTimeout are network-level failures; never retried.
	ErrUnreachable = client.ErrUnreachable
	ErrTimeout     = client.ErrTimeout

	// ErrStream marks a failure while draining or rewriting an upstream body.
	ErrStream = errors.New("stream processing failed")
)

// UpstreamStatusError is a non-success, non-403 upstream status. It is
// mirrored to the caller and never retried.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// IsValidation reports whether err rejects the inbound request itself.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingURL) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrSelfReferential)
}
