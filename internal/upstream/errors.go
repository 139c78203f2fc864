package upstream

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailed = errors.New("upstream: authentication failed")
	ErrUpstreamAuth         = errors.New("upstream: request rejected after re-authentication")
	ErrUpstreamTimeout      = errors.New("upstream: request timed out")
	ErrUpstreamUnavailable  = errors.New("upstream: cluster unavailable")
	ErrClusterDisabled      = errors.New("upstream: cluster is disabled")

	ErrNotFound     = errors.New("upstream: cluster not found")
	ErrConflict     = errors.New("upstream: cluster already exists")
	ErrInvalidInput = errors.New("upstream: invalid input")
)

// StatusError is a non-success HTTP status returned by the upstream API.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}
