package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
)

var (
	// ErrStalled means a body read delivered nothing within the chunk timeout.
	ErrStalled = errors.New("transfer stalled")
	// ErrShortBody means the stream ended before the expected size was on disk.
	ErrShortBody = errors.New("body ended before expected size")
	// ErrBodyRead wraps a failure while reading the response body.
	ErrBodyRead = errors.New("read body")
	// ErrLocked means another process holds the destination lock.
	ErrLocked = errors.New("destination is locked by another process")

	errCancelled = errors.New("transfer cancelled")
)

// HTTPError represents an unexpected response status
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error: %s", e.Status)
}

// ContentError means the server sent something that is not the archive.
type ContentError struct {
	Reason string
}

func (e *ContentError) Error() string {
	return "invalid content: " + e.Reason
}

// FSError wraps a local filesystem failure.
type FSError struct {
	Op   string
	Path string
	Err  error
}

func (e *FSError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FSError) Unwrap() error { return e.Err }

// IsRetryable reports whether another attempt could succeed. HTTP status,
// stall, short body, body read failures, timeouts and transport errors are
// transient. Content, filesystem and cancellation errors are permanent, and
// so is anything unclassified.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var contentErr *ContentError
	var fsErr *FSError
	switch {
	case errors.As(err, &contentErr), errors.As(err, &fsErr):
		return false
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		return false
	}

	var httpErr *HTTPError
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.As(err, &httpErr):
		return true
	case errors.Is(err, ErrStalled), errors.Is(err, ErrShortBody), errors.Is(err, ErrBodyRead):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.As(err, &urlErr):
		return true
	}
	return false
}
