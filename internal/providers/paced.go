package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Paced shares one token bucket between all calls to the wrapped provider.
// A call that cannot get a token before its context ends fails as unavailable
// without reaching the provider.
type Paced struct {
	next    VoiceProvider
	limiter *rate.Limiter
}

func NewPaced(next VoiceProvider, rps float64, burst int) *Paced {
	if burst < 1 {
		burst = 1
	}
	return &Paced{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *Paced) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return Unavailable(fmt.Errorf("provider pacing: %w", err))
	}
	return nil
}

func (p *Paced) Clone(ctx context.Context, req CloneRequest) (CloneResult, error) {
	if err := p.wait(ctx); err != nil {
		return CloneResult{}, err
	}
	return p.next.Clone(ctx, req)
}

func (p *Paced) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.next.Synthesize(ctx, req)
}
