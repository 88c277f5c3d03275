// Package errors provides error categorization and retry strategies for
// the upload path.
//
// The package implements a layered error handling approach:
//   - Categorization: Classify failures by how the pipeline should react
//   - Retry: Handle transient failures with exponential backoff
//   - Persistence: Transient failures keep the on-disk copy for replay
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an upload failure should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: network errors, timeouts, 5xx responses.
	// The persisted payload is kept for a later attempt.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed requests, local logic errors.
	CategoryPermanent

	// CategoryAuth indicates the upload token is invalid or expired.
	// Triggers an out-of-band token refresh; the current attempt fails.
	CategoryAuth

	// CategoryBilling indicates the account is billing-blocked (402).
	// All uploads halt until a fresh configuration fetch clears the hold.
	CategoryBilling

	// CategorySkip indicates the backend declined the payload on purpose
	// (recording disabled). Treated as success: the local copy is deleted.
	CategorySkip
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryAuth:
		return "auth"
	case CategoryBilling:
		return "billing_blocked"
	case CategorySkip:
		return "skip"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Check for already-categorized errors
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	// Check for HTTP errors
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 401:
			return CategoryAuth
		case 402:
			return CategoryBilling
		case 429, 503, 504:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient // server errors are often transient
			}
			return CategoryPermanent
		}
	}

	// Check for timeout errors
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	// A deadline expiring mid-request is a timeout; explicit cancellation
	// means "stop trying now", which is not retryable in-place.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	// Check for network errors
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsAuth reports whether the error indicates an invalid upload token.
func IsAuth(err error) bool {
	return Categorize(err) == CategoryAuth
}

// IsBillingBlocked reports whether the error indicates a billing hold.
func IsBillingBlocked(err error) bool {
	return Categorize(err) == CategoryBilling
}

// IsSkip reports whether the backend declined the payload on purpose.
func IsSkip(err error) bool {
	return Categorize(err) == CategorySkip
}
