package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const deepgramBaseURL = "https://api.deepgram.com"

// DeepgramProvider implements the Provider interface using Deepgram's
// prerecorded listen API.
type DeepgramProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewDeepgram creates a new Deepgram STT provider.
func NewDeepgram(apiKey string) *DeepgramProvider {
	return NewDeepgramWithClient(apiKey, &http.Client{})
}

// NewDeepgramWithClient creates a Deepgram STT provider with a custom
// HTTP client.
func NewDeepgramWithClient(apiKey string, client *http.Client) *DeepgramProvider {
	return &DeepgramProvider{
		apiKey:     apiKey,
		baseURL:    deepgramBaseURL,
		httpClient: client,
	}
}

// WithBaseURL overrides the API base URL. Used in tests.
func (d *DeepgramProvider) WithBaseURL(baseURL string) *DeepgramProvider {
	if baseURL != "" {
		d.baseURL = baseURL
	}
	return d
}

// WithModel sets the model used when the caller does not pick one.
func (d *DeepgramProvider) WithModel(model string) *DeepgramProvider {
	if model != "" {
		d.model = model
	}
	return d
}

// Name returns the provider identifier.
func (d *DeepgramProvider) Name() string { return "deepgram" }

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends the audio to Deepgram and returns the first
// alternative of the first channel.
func (d *DeepgramProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	params := url.Values{}
	model := opts.Model
	if model == "" {
		model = d.model
	}
	if model != "" {
		params.Set("model", model)
	}
	language := opts.Language
	if language == "" {
		language = "es"
	}
	params.Set("language", language)
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	if opts.Format == "pcm" || opts.Format == "raw" {
		params.Set("encoding", "linear16")
		if opts.SampleRate > 0 {
			params.Set("sample_rate", fmt.Sprintf("%d", opts.SampleRate))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/listen?"+params.Encode(), audio)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/*")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("deepgram error %d: %s", resp.StatusCode, string(errBody))
	}

	var decoded deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Results.Channels) == 0 || len(decoded.Results.Channels[0].Alternatives) == 0 {
		return &Transcript{Language: language}, nil
	}

	alt := decoded.Results.Channels[0].Alternatives[0]
	return &Transcript{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   language,
	}, nil
}
