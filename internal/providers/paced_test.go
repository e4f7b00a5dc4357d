package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"voiceslot/internal/voice"
)

type countingProvider struct{ calls int }

func (c *countingProvider) Clone(context.Context, CloneRequest) (CloneResult, error) {
	c.calls++
	return CloneResult{VoiceID: "v"}, nil
}

func (c *countingProvider) Synthesize(context.Context, SynthesizeRequest) ([]byte, error) {
	c.calls++
	return []byte("RIFF"), nil
}

func TestPacedRejectsWhenDeadlineCannotBeMet(t *testing.T) {
	next := &countingProvider{}
	p := NewPaced(next, 0.01, 1)

	if _, err := p.Clone(context.Background(), CloneRequest{}); err != nil {
		t.Fatalf("first call uses the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Synthesize(ctx, SynthesizeRequest{Text: "hi"})
	if !errors.Is(err, voice.ErrProviderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("paced call must not reach the provider, calls=%d", next.calls)
	}
}
