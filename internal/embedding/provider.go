// Package embedding turns message text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Provider produces an embedding for one text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyInput is returned for empty or whitespace-only text. No remote call
// is made.
var ErrEmptyInput = errors.New("embedding: empty input")

// ErrDimensionMismatch is returned when a provider answers with a vector of
// the wrong length.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// ProviderError describes a failed provider call. Permanent errors will not
// succeed on retry (bad key, unknown model, malformed request).
type ProviderError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent ProviderError.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}

// permanentStatus reports whether an HTTP status means the request itself is
// wrong. Timeouts and rate limits are worth retrying.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
