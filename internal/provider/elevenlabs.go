// Package provider wraps the ElevenLabs streaming synthesis HTTP API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRateLimited maps the provider's 429 responses.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrBadCredentials maps 401/403 responses; the deployment is
	// misconfigured, retrying cannot help.
	ErrBadCredentials = errors.New("provider: invalid credentials")
)

// UpstreamError is any other non-2xx provider response, carrying the status
// and an excerpt of the provider's error body.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider: upstream status %d: %s", e.StatusCode, e.Body)
}

// Settings are the synthesis knobs forwarded to the provider.
type Settings struct {
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

type Config struct {
	APIKey       string
	BaseURL      string
	OutputFormat string
	Timeout      time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type streamRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Stream requests synthesized audio for text over the provider's streaming
// endpoint and returns the response body unconsumed, so the first audio byte
// reaches the caller as soon as the provider emits it. The caller owns the
// returned ReadCloser.
func (c *Client) Stream(ctx context.Context, text, voiceID string, settings Settings) (io.ReadCloser, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	modelID := settings.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream" +
		"?output_format=" + url.QueryEscape(c.cfg.OutputFormat)

	body, err := json.Marshal(streamRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: voiceSettings{
			Stability:       clamp01(settings.Stability),
			SimilarityBoost: clamp01(settings.SimilarityBoost),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call synthesis endpoint: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		drainAndClose(resp.Body)
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainAndClose(resp.Body)
		return nil, ErrBadCredentials
	default:
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		drainAndClose(resp.Body)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(excerpt)}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	_ = rc.Close()
}
