package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies a tracker failure for retry/eviction decisions.
type Kind int

const (
	// KindTransient covers timeouts, rate limits, and 5xx responses.
	// Retryable.
	KindTransient Kind = iota
	// KindNotFound means the work item no longer exists. Not retried;
	// the monitor evicts the epic.
	KindNotFound
	// KindForbidden means the PAT lacks access (or expired). Not retried;
	// the monitor evicts the epic.
	KindForbidden
	// KindInvalid covers malformed requests and unprocessable payloads.
	// Not retried.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "invalid"
	}
}

// Error is a classified tracker failure.
type Error struct {
	Kind   Kind
	Op     string // "get_epic", "create_story", ...
	Status int    // HTTP status, 0 for network errors
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tracker: %s: http %d (%s): %v", e.Op, e.Status, e.Kind, e.Err)
	}
	return fmt.Sprintf("tracker: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an HTTP status to a Kind.
func classify(status int) Kind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 401 || status == 403:
		return KindForbidden
	case status == 408 || status == 429 || status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// IsTransient reports whether err is a retryable tracker failure.
// Network-level errors (no HTTP status) count as transient.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindTransient
	}
	return false
}

// IsNotFound reports whether err means the work item does not exist.
func IsNotFound(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindNotFound
}

// IsEvictable reports whether err should remove the epic from monitoring:
// the item is gone or permanently inaccessible.
func IsEvictable(err error) bool {
	var te *Error
	return errors.As(err, &te) && (te.Kind == KindNotFound || te.Kind == KindForbidden)
}
