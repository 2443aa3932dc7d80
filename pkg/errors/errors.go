package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeTransientFetch represents retryable vendor/network fetch errors
	ErrorTypeTransientFetch ErrorType = "transient_fetch"
	// ErrorTypeParse represents listing/DOM parsing errors
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeSession represents browser-automation session errors
	ErrorTypeSession ErrorType = "session"
	// ErrorTypeRateLimit represents rate limiting errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeValidation represents row/record validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConflict represents vendor data disagreeing with a trusted catalog field
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeStoreWrite represents catalog persistence errors
	ErrorTypeStoreWrite ErrorType = "store_write"
	// ErrorTypeTimeout represents a job exceeding its wall-clock limit
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypePublisher represents publisher-related errors
	ErrorTypePublisher ErrorType = "publisher"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// IngestError represents a pipeline-specific error
type IngestError struct {
	Type    ErrorType
	Vendor  string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *IngestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Vendor, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Vendor, e.Message)
}

// Unwrap returns the underlying error
func (e *IngestError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *IngestError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTransientFetch:
		return true
	case ErrorTypeRateLimit:
		return false
	case ErrorTypeParse:
		return false
	default:
		return false
	}
}

// New creates a new IngestError
func New(errType ErrorType, vendor, message string, err error) *IngestError {
	return &IngestError{
		Type:    errType,
		Vendor:  vendor,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewTransientFetch creates a new transient fetch error
func NewTransientFetch(vendor, message string, err error) *IngestError {
	return New(ErrorTypeTransientFetch, vendor, message, err)
}

// NewParse creates a new parse error
func NewParse(vendor, message string, err error) *IngestError {
	return New(ErrorTypeParse, vendor, message, err)
}

// NewSession creates a new browser session error
func NewSession(vendor, message string, err error) *IngestError {
	return New(ErrorTypeSession, vendor, message, err)
}

// NewRateLimit creates a new rate limit error
func NewRateLimit(vendor string, duration time.Duration) *IngestError {
	message := fmt.Sprintf("rate limited for %v", duration)
	return New(ErrorTypeRateLimit, vendor, message, nil)
}

// NewValidation creates a new validation error
func NewValidation(vendor, message string) *IngestError {
	return New(ErrorTypeValidation, vendor, message, nil)
}

// NewConflict creates a new conflict error
func NewConflict(vendor, message string) *IngestError {
	return New(ErrorTypeConflict, vendor, message, nil)
}

// NewStoreWrite creates a new store write error
func NewStoreWrite(vendor, message string, err error) *IngestError {
	return New(ErrorTypeStoreWrite, vendor, message, err)
}

// NewTimeout creates a new timeout error
func NewTimeout(vendor, message string) *IngestError {
	return New(ErrorTypeTimeout, vendor, message, nil)
}

// NewPublisher creates a new publisher error
func NewPublisher(vendor, message string, err error) *IngestError {
	return New(ErrorTypePublisher, vendor, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *IngestError {
	return New(ErrorTypeConfiguration, "", message, err)
}
