// Package common defines shared constants and sentinel errors used across
// the sync client layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")
	ErrAborted    = errors.New("sync aborted")

	// Transport errors.
	ErrMissingReply = errors.New("missing reply from server")
	ErrPollTimeout  = errors.New("poll did not finish in time")
)
