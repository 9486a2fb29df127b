package sources

import (
	"context"
	"errors"
	"fmt"
)

// Adapter is the single capability interface every opinion source implements.
// Adapters are registered at process start; there is no runtime loading.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, symbol string) (Opinion, error)
}

// SourceError classifies source failures so the consensus engine and health
// tracker can react without string matching.
type SourceError struct {
	Type    string // "timeout", "transient", "auth"
	Source  string
	Message string
	Cause   error
}

func (e *SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error from %s: %s (%v)", e.Type, e.Source, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error from %s: %s", e.Type, e.Source, e.Message)
}

func (e *SourceError) Unwrap() error { return e.Cause }

func NewTimeoutError(source string, cause error) *SourceError {
	return &SourceError{Type: "timeout", Source: source, Message: "fetch deadline exceeded", Cause: cause}
}

func NewTransientError(source, message string, cause error) *SourceError {
	return &SourceError{Type: "transient", Source: source, Message: message, Cause: cause}
}

func NewAuthError(source, message string) *SourceError {
	return &SourceError{Type: "auth", Source: source, Message: message}
}

// IsAuthError reports whether err is a hard authentication/permission failure
// that should count toward self-disabling the source.
func IsAuthError(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Type == "auth"
	}
	return false
}
