package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrompt indicates the prompt is empty once surrounding whitespace is removed.
	ErrInvalidPrompt = errors.New("prompt must not be empty")
	// ErrInvalidDuration indicates a duration outside the provider's supported envelope.
	ErrInvalidDuration = fmt.Errorf("duration must be between %.0f and %.0f seconds", MinDuration, MaxDuration)
	// ErrUnsupportedResolution indicates a resolution other than the supported tier.
	ErrUnsupportedResolution = errors.New("resolution is not supported")
	// ErrNoOutput indicates the provider reported completion without an output payload.
	ErrNoOutput = errors.New("generation completed without output")
	// ErrTimeout indicates the polling budget was exhausted before a terminal status.
	ErrTimeout = errors.New("generation timed out")
	// ErrCancelled indicates the generation was cancelled by the caller.
	ErrCancelled = errors.New("generation cancelled")
)

// APIError reports a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation api returned status %d: %s", e.StatusCode, e.Body)
}

// NetworkError reports a transport failure or an unusable response body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("generation api %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// GenerationFailedError reports a job the provider marked as failed.
type GenerationFailedError struct {
	Message string
}

func (e *GenerationFailedError) Error() string {
	if e.Message == "" {
		return "generation failed"
	}
	return "generation failed: " + e.Message
}

// UnknownStatusError reports a status string outside the known set.
type UnknownStatusError struct {
	Status string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown generation status %q", e.Status)
}

// IsValidation reports whether err stems from request validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPrompt) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, ErrUnsupportedResolution)
}

// IsRetryable reports whether resubmitting the same request could succeed.
// Validation failures, provider-side job failures and cancellation are final.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || errors.Is(err, ErrCancelled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return errors.Is(err, ErrTimeout)
}
