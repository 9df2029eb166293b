package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class partitions request failures by how the pipeline reacts to them.
type Class string

const (
	// ClassNotFound marks a 404. Never retried at any level.
	ClassNotFound Class = "not_found"
	// ClassRateLimited marks a 429. The engine waits it out without
	// consuming a retry attempt.
	ClassRateLimited Class = "rate_limited"
	// ClassBlocked marks 401, 403 and 407. Proxy or credential
	// rejection; 403 and 407 trigger proxy failover.
	ClassBlocked Class = "blocked"
	// ClassTimeout marks deadline expiry on a request.
	ClassTimeout Class = "timeout"
	// ClassNetwork marks transport failures and 5xx responses.
	ClassNetwork Class = "network"
	// ClassCancelled marks cooperative cancellation.
	ClassCancelled Class = "cancelled"
	// ClassUnknown is everything else. Terminal.
	ClassUnknown Class = "unknown"
)

// ErrCancelled is returned by long-running routines that observed the
// job's cancellation flag and stopped cooperatively.
var ErrCancelled = NewError(ClassCancelled, 0, errors.New("cancelled by user"))

// ErrJobNotFound is returned by JobStore lookups for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned when creating a job whose ID is already taken.
var ErrJobExists = errors.New("job already exists")

// ErrQueueClosed is returned by queue operations after Close. Workers
// treat it as a clean shutdown signal.
var ErrQueueClosed = errors.New("queue closed")

// Error attaches a Class, and the HTTP status when there was one, to an
// underlying error.
type Error struct {
	Class  Class
	Status int
	Err    error
}

// NewError builds a classified error. status may be zero when the
// failure never produced an HTTP response.
func NewError(class Class, status int, err error) *Error {
	return &Error{Class: class, Status: status, Err: err}
}

// StatusError classifies an HTTP status code into an Error.
func StatusError(status int) *Error {
	return &Error{
		Class:  ClassifyStatus(status),
		Status: status,
		Err:    fmt.Errorf("unexpected status %d", status),
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status code onto the taxonomy. Success
// codes map to ClassUnknown; callers only classify failures.
func ClassifyStatus(status int) Class {
	switch {
	case status == 404:
		return ClassNotFound
	case status == 429:
		return ClassRateLimited
	case status == 401 || status == 403 || status == 407:
		return ClassBlocked
	case status == 408:
		return ClassTimeout
	case status >= 500:
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// ClassifyErr maps a transport-level error onto the taxonomy.
func ClassifyErr(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ClassUnknown
}

// ClassOf extracts the Class carried by err, classifying raw transport
// errors on the way. Unrecognised errors are ClassUnknown.
func ClassOf(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ClassifyErr(err)
}

// Retryable reports whether a single request with this failure class may
// be retried inside the same job attempt. Rate limiting and blocking are
// handled by dedicated engine paths, not the plain retry loop.
func Retryable(c Class) bool {
	return c == ClassTimeout || c == ClassNetwork
}

// RetryableJob reports whether a job that failed with this class should
// be requeued for another delivery. NotFound and Unknown are permanent;
// Cancelled is a user decision.
func RetryableJob(c Class) bool {
	switch c {
	case ClassTimeout, ClassNetwork, ClassRateLimited, ClassBlocked:
		return true
	default:
		return false
	}
}
