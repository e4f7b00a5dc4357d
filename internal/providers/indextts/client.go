package indextts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"voiceslot/internal/providers"
	"voiceslot/internal/voice"
)

const maxAudioBytes = 32 << 20

type Config struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client talks to an IndexTTS-compatible clone/synthesis server. Requests
// are sent once; the caller bounds them with its context deadline.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: providers.MaxTimeout}
	}
	return &Client{cfg: cfg}
}

var _ providers.VoiceProvider = (*Client)(nil)

type cloneResponse struct {
	VoiceID       string `json:"voice_id"`
	FilesAccepted int    `json:"files_accepted"`
	FilesSkipped  int    `json:"files_skipped"`
	PreviewURL    string `json:"preview_url"`
}

func (c *Client) Clone(ctx context.Context, req providers.CloneRequest) (providers.CloneResult, error) {
	endpointURL, err := c.endpoint("voices/clone")
	if err != nil {
		return providers.CloneResult{}, err
	}
	body, err := json.Marshal(map[string]any{"upload_urls": req.AudioURLs})
	if err != nil {
		return providers.CloneResult{}, fmt.Errorf("marshal clone payload: %w", err)
	}

	respBody, err := c.post(ctx, endpointURL, body, "application/json", req.APIKey, 4<<20)
	if err != nil {
		return providers.CloneResult{}, err
	}

	var resp cloneResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return providers.CloneResult{}, fmt.Errorf("%w: decode clone response: %v", voice.ErrCloneFailed, err)
	}
	if strings.TrimSpace(resp.VoiceID) == "" {
		return providers.CloneResult{}, fmt.Errorf("%w: response carries no voice_id", voice.ErrCloneFailed)
	}
	return providers.CloneResult{
		VoiceID:       strings.TrimSpace(resp.VoiceID),
		FilesAccepted: resp.FilesAccepted,
		FilesSkipped:  resp.FilesSkipped,
		PreviewURL:    resp.PreviewURL,
	}, nil
}

func (c *Client) Synthesize(ctx context.Context, req providers.SynthesizeRequest) ([]byte, error) {
	endpointURL, err := c.endpoint("tts")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"text": req.Text, "voice_id": req.VoiceID})
	if err != nil {
		return nil, fmt.Errorf("marshal tts payload: %w", err)
	}
	audio, err := c.post(ctx, endpointURL, body, "audio/wav", req.APIKey, maxAudioBytes)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio body", voice.ErrProviderRejected)
	}
	return audio, nil
}

func (c *Client) post(ctx context.Context, endpointURL string, body []byte, accept, apiKey string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = strings.TrimSpace(c.cfg.APIKey)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", key))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.Unavailable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, providers.Unavailable(fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(respBody))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &providers.StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	return respBody, nil
}

func (c *Client) endpoint(path string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("%w: base url is empty", voice.ErrProviderUnavailable)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	return u.String(), nil
}
