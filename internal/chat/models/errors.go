package models

import "errors"

// Error kinds surfaced to clients. Handlers map these to HTTP codes
// and WebSocket chatError payloads; everything else is internal.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	// ErrBusy rejects input while a turn or approval is in flight.
	ErrBusy = errors.New("session busy")
	// ErrCapacity rejects creation beyond maxConcurrentSessions.
	ErrCapacity = errors.New("session capacity reached")
	// ErrChildFailed reports an agent CLI exiting non-zero.
	ErrChildFailed = errors.New("agent process failed")
	ErrIO          = errors.New("pty io error")
	// ErrBackpressureDropped marks a slow subscriber that was detached.
	ErrBackpressureDropped = errors.New("subscriber dropped on backpressure")
)

// ErrorCode returns the wire code for a known error kind, or "Internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrCapacity):
		return "Capacity"
	case errors.Is(err, ErrChildFailed):
		return "ChildFailed"
	case errors.Is(err, ErrIO):
		return "IOError"
	case errors.Is(err, ErrBackpressureDropped):
		return "BackpressureDropped"
	default:
		return "Internal"
	}
}
