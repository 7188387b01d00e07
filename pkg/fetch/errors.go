package fetch

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrOffline is returned when the origin cannot be reached.
	ErrOffline = errors.New("origin unreachable")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassStore represents cache store failures.
	ErrorClassStore ErrorClass = "store"
)

// FetchError represents a failed origin fetch with additional context.
type FetchError struct {
	StatusCode int
	ErrorClass ErrorClass
	URL        string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s error (status %d) %s: %s: %v",
			e.ErrorClass, e.StatusCode, e.URL, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s error (status %d) %s: %s",
		e.ErrorClass, e.StatusCode, e.URL, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err is a transport failure, i.e. the origin
// produced no response at all.
func IsNetworkError(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ErrorClass == ErrorClassNetwork
	}
	return errors.Is(err, ErrOffline)
}

// ClassOf returns the error class of err. Errors that are not FetchErrors are
// treated as store failures.
func ClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ErrorClass
	}
	return ErrorClassStore
}

// ClassifyStatus maps an HTTP status to an error class, or "" for success.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors will not change on retry
		return false
	case ErrorClassServer, ErrorClassNetwork, ErrorClassStore:
		return true
	default:
		return false
	}
}
