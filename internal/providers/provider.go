package providers

import (
	"context"
	"fmt"
	"time"

	"voiceslot/internal/voice"
)

const (
	DefaultTimeout = 10 * time.Second
	MinTimeout     = time.Second
	MaxTimeout     = 60 * time.Second
)

type CloneRequest struct {
	AudioURLs []string
	// APIKey overrides the client's configured key when non-empty.
	APIKey string
}

type CloneResult struct {
	VoiceID       string
	FilesAccepted int
	FilesSkipped  int
	PreviewURL    string
}

type SynthesizeRequest struct {
	Text    string
	VoiceID string
	APIKey  string
}

// VoiceProvider is the remote cloning and synthesis service. Neither call is
// idempotent and callers must not retry them automatically.
type VoiceProvider interface {
	Clone(ctx context.Context, req CloneRequest) (CloneResult, error)
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error)
}

// ClampTimeout maps zero to DefaultTimeout and bounds everything else to [MinTimeout, MaxTimeout].
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return voice.ErrProviderRejected }

// Unavailable wraps a transport failure or timeout.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", voice.ErrProviderUnavailable, err)
}
