package disabled

import (
	"context"
	"fmt"

	"voiceslot/internal/providers"
	"voiceslot/internal/voice"
)

// Client is used when no voice provider is configured. Every call fails as unavailable.
type Client struct{}

func New() *Client { return &Client{} }

var _ providers.VoiceProvider = (*Client)(nil)

func (c *Client) Clone(ctx context.Context, req providers.CloneRequest) (providers.CloneResult, error) {
	return providers.CloneResult{}, fmt.Errorf("%w: voice provider is not configured", voice.ErrProviderUnavailable)
}

func (c *Client) Synthesize(ctx context.Context, req providers.SynthesizeRequest) ([]byte, error) {
	return nil, fmt.Errorf("%w: voice provider is not configured", voice.ErrProviderUnavailable)
}
