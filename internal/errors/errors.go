package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Base error types
var (
	ErrTimeout     = errors.New("request timed out")
	ErrUnreachable = errors.New("network unavailable")
	ErrServer      = errors.New("server error")
	ErrClient      = errors.New("client error")
	ErrAuth        = errors.New("authentication failed")
	ErrCancelled   = errors.New("request cancelled")
)

// Category classifies a poll failure for scheduling and UI purposes.
type Category string

const (
	CategoryTimeout   Category = "timeout"
	CategoryNetwork   Category = "network"
	CategoryServer    Category = "server"
	CategoryClient    Category = "client"
	CategoryAuth      Category = "auth"
	CategoryCancelled Category = "cancelled"
)

// FeedsBackoff reports whether failures of this category escalate the
// task's backoff multiplier. Auth and client failures stop the task
// outright; cancellations are not failures at all.
func (c Category) FeedsBackoff() bool {
	switch c {
	case CategoryTimeout, CategoryNetwork, CategoryServer:
		return true
	default:
		return false
	}
}

// Fatal reports whether failures of this category stop the task
// immediately, bypassing backoff escalation.
func (c Category) Fatal() bool {
	return c == CategoryAuth || c == CategoryClient
}

// PollError is a structured error for polling operations.
type PollError struct {
	Category   Category
	Op         string // operation that failed, e.g. "list_nodes"
	Source     string // source name the poll targeted
	Err        error  // underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *PollError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base error types.
func (e *PollError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTimeout:
		return e.Category == CategoryTimeout
	case ErrUnreachable:
		return e.Category == CategoryNetwork
	case ErrServer:
		return e.Category == CategoryServer
	case ErrClient:
		return e.Category == CategoryClient
	case ErrAuth:
		return e.Category == CategoryAuth
	case ErrCancelled:
		return e.Category == CategoryCancelled
	}

	return errors.Is(e.Err, target)
}

// Retryable reports whether a retry without operator intervention can
// plausibly succeed.
func (e *PollError) Retryable() bool {
	return e.Category.FeedsBackoff()
}

// New creates a PollError with an explicit category.
func New(category Category, op, source string, err error) *PollError {
	return &PollError{
		Category:  category,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode attaches the HTTP status and re-derives the category
// from it when the status is authoritative.
func (e *PollError) WithStatusCode(code int) *PollError {
	e.StatusCode = code
	if cat, ok := FromStatusCode(code); ok {
		e.Category = cat
	}
	return e
}

// FromStatusCode maps an HTTP status to a failure category. The second
// return value is false for statuses that carry no failure signal.
func FromStatusCode(code int) (Category, bool) {
	switch {
	case code == 401 || code == 403:
		return CategoryAuth, true
	case code == 408 || code == 504:
		return CategoryTimeout, true
	case code == 429:
		return CategoryServer, true
	case code >= 500:
		return CategoryServer, true
	case code >= 400:
		return CategoryClient, true
	default:
		return "", false
	}
}

// statusCoder is implemented by client errors that carry an HTTP
// status, without this package depending on the client packages.
type statusCoder interface {
	HTTPStatus() int
}

// Classify wraps err in a PollError, deriving the category from the
// error chain. Timeouts take precedence over generic connection
// failures; context cancellation is never treated as a failure.
func Classify(op, source string, err error) *PollError {
	if err == nil {
		return nil
	}

	var pollErr *PollError
	if errors.As(err, &pollErr) {
		return pollErr
	}

	var coder statusCoder
	if errors.As(err, &coder) {
		if cat, ok := FromStatusCode(coder.HTTPStatus()); ok {
			return New(cat, op, source, err).WithStatusCode(coder.HTTPStatus())
		}
	}

	category := CategoryServer

	var urlErr *url.Error
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.Canceled):
		category = CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		category = CategoryTimeout
	case errors.As(err, &urlErr) && urlErr.Timeout():
		category = CategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		category = CategoryTimeout
	case errors.As(err, &opErr):
		category = CategoryNetwork
	case errors.As(err, &urlErr):
		// Transport error without a timeout: unreachable host, DNS
		// failure, refused connection.
		category = CategoryNetwork
	}

	return New(category, op, source, err)
}

// CategoryOf extracts the failure category from an error chain,
// classifying raw errors on the fly.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var pollErr *PollError
	if errors.As(err, &pollErr) {
		return pollErr.Category
	}
	return Classify("", "", err).Category
}

// IsCancelled reports whether the error represents an explicit
// cancellation rather than a genuine failure.
func IsCancelled(err error) bool {
	return CategoryOf(err) == CategoryCancelled
}

// IsAuthError reports whether the error chain indicates failed
// authentication against an upstream.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var pollErr *PollError
	if errors.As(err, &pollErr) {
		if pollErr.Category == CategoryAuth {
			return true
		}
		if pollErr.StatusCode == 401 || pollErr.StatusCode == 403 {
			return true
		}
	}
	return errors.Is(err, ErrAuth)
}

// UserMessage returns the category-specific message surfaced to the
// dashboard alongside the failure.
func UserMessage(category Category) string {
	switch category {
	case CategoryTimeout:
		return "The request timed out. The server may be slow or overloaded."
	case CategoryNetwork:
		return "Cannot reach the server. Check the network connection and the configured host."
	case CategoryServer:
		return "The server returned an error. It may be temporarily unavailable."
	case CategoryClient:
		return "The server rejected the request. Review the source configuration."
	case CategoryAuth:
		return "Authentication failed. Update the credentials for this source before retrying."
	case CategoryCancelled:
		return "The request was cancelled."
	default:
		return "The request failed."
	}
}

// RetryAdvised reports whether the UI should offer a retry affordance
// for this category. Retrying auth failures without new credentials is
// futile, so auth is the one category without one.
func RetryAdvised(category Category) bool {
	return category != CategoryAuth
}
