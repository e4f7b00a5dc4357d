package registry

import (
	"fmt"
	"net/http"
	"strings"

	"voiceslot/internal/providers"
	"voiceslot/internal/providers/disabled"
	"voiceslot/internal/providers/indextts"
)

type BuildOptions struct {
	Kind       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
	// RPS > 0 wraps the provider in a shared token bucket.
	RPS   float64
	Burst int
}

func Build(opts BuildOptions) (providers.VoiceProvider, error) {
	p, err := build(opts)
	if err != nil {
		return nil, err
	}
	if opts.RPS > 0 {
		return providers.NewPaced(p, opts.RPS, opts.Burst), nil
	}
	return p, nil
}

func build(opts BuildOptions) (providers.VoiceProvider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "indextts", "index_tts", "index-tts":
		if strings.TrimSpace(opts.BaseURL) == "" {
			return nil, fmt.Errorf("provider %q requires a base url", opts.Kind)
		}
		return indextts.New(indextts.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "", "disabled", "none":
		return disabled.New(), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
