package generation

import (
	"strings"
	"time"

	"github.com/vidfriends/vidgen/internal/models"
)

// Supported duration envelope of the provider, in seconds.
const (
	MinDuration = 5.0
	MaxDuration = 8.0
)

// SupportedResolution is the only output tier the provider accepts.
const SupportedResolution = models.Resolution720p

// Request describes one video to generate.
type Request struct {
	Prompt      string
	AspectRatio models.AspectRatio
	Duration    float64
	Resolution  models.Resolution
}

// RequestFor builds a request from a pending video record.
func RequestFor(video models.Video) Request {
	return Request{
		Prompt:      video.Prompt,
		AspectRatio: video.AspectRatio,
		Duration:    video.Duration,
		Resolution:  video.Resolution,
	}
}

// Validate checks the request against the provider envelope without any network call.
func (r Request) Validate() error {
	if err := ValidatePrompt(r.Prompt); err != nil {
		return err
	}
	if err := ValidateDuration(r.Duration); err != nil {
		return err
	}
	return ValidateResolution(r.Resolution)
}

// ValidatePrompt rejects prompts that are blank after trimming.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrInvalidPrompt
	}
	return nil
}

// ValidateDuration accepts durations in the closed interval [MinDuration, MaxDuration].
func ValidateDuration(seconds float64) error {
	if !(seconds >= MinDuration && seconds <= MaxDuration) {
		return ErrInvalidDuration
	}
	return nil
}

// ValidateResolution accepts only SupportedResolution.
func ValidateResolution(resolution models.Resolution) error {
	if resolution != SupportedResolution {
		return ErrUnsupportedResolution
	}
	return nil
}

// Timings is the provider's timing breakdown, in seconds.
type Timings struct {
	Inference float64
	Total     float64
}

// Result describes a completed generation.
type Result struct {
	RequestID   string
	VideoURL    string
	ContentType string
	FileName    string
	FileSize    int64
	Seed        *int64
	Timings     Timings
	Elapsed     time.Duration
}

type submitPayload struct {
	Prompt      string  `json:"prompt"`
	AspectRatio string  `json:"aspect_ratio"`
	Duration    float64 `json:"duration"`
	Resolution  string  `json:"resolution"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status string         `json:"status"`
	Output *outputPayload `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type outputPayload struct {
	Video *struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type,omitempty"`
		FileName    string `json:"filename,omitempty"`
		FileSize    int64  `json:"file_size,omitempty"`
	} `json:"video"`
	Seed    *int64 `json:"seed,omitempty"`
	Timings *struct {
		Inference float64 `json:"inference,omitempty"`
		Total     float64 `json:"total,omitempty"`
	} `json:"timings,omitempty"`
}
