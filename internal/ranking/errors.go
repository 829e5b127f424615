package ranking

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a remote failure. Callers switch on it, never on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindNotFound
	KindForbidden
	KindTimeout
	KindMalformed
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is the classified failure of one request, after retries when returned by Execute.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	URL        string

	Attempts      int
	RateLimitHits int

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ranking %s", e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Throttled reports the 429 responses absorbed while producing this error.
func (e *Error) Throttled() int { return e.RateLimitHits }

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RateLimitHits returns the hit count carried by err, if any.
func RateLimitHits(err error) int {
	var t interface{ Throttled() int }
	if errors.As(err, &t) {
		return t.Throttled()
	}
	return 0
}

func retryable(k Kind) bool {
	switch k {
	case KindRateLimited, KindNotFound, KindForbidden, KindTimeout, KindMalformed, KindNetwork:
		return true
	}
	return false
}
