package source

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fetch failure for the retry policy.
type Kind int

const (
	// Transient failures are worth retrying: network errors, timeouts,
	// 408/429 and 5xx.
	Transient Kind = iota + 1
	// Permanent failures are not: other 4xx, malformed bodies, schema
	// violations, invalid identifiers.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is returned by every failed Client call.
type Error struct {
	Kind       Kind
	Op         string
	ID         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.ID
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": http %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable source failure.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Transient
}

// IsPermanent reports whether err is a non-retryable source failure.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Permanent
}

var (
	ErrInvalidID       = errors.New("series id must be a positive integer")
	ErrInvalidResponse = errors.New("invalid response")
	ErrHostNotAllowed  = errors.New("host not allowed")
)

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}

// classifyTransport maps a client.Do error. Timeouts (including the
// per-attempt deadline), resets and DNS failures are all retryable; a refused
// redirect is not.
func classifyTransport(err error) Kind {
	if errors.Is(err, ErrHostNotAllowed) {
		return Permanent
	}
	return Transient
}
