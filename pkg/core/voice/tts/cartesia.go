package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"

	// Read size for streaming responses. The session layer re-chunks to
	// its own frame size, so this only bounds per-read latency.
	cartesiaStreamReadBytes = 8192
)

// CartesiaProvider implements the Provider interface using Cartesia's API.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia TTS provider.
func NewCartesia(apiKey string) *CartesiaProvider {
	return NewCartesiaWithClient(apiKey, &http.Client{})
}

// NewCartesiaWithClient creates a Cartesia TTS provider with a custom
// HTTP client.
func NewCartesiaWithClient(apiKey string, client *http.Client) *CartesiaProvider {
	return &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    cartesiaBaseURL,
		httpClient: client,
	}
}

// WithBaseURL overrides the API base URL. Used in tests.
func (c *CartesiaProvider) WithBaseURL(baseURL string) *CartesiaProvider {
	if baseURL != "" {
		c.baseURL = baseURL
	}
	return c
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string { return "cartesia" }

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize converts text to audio using Cartesia's TTS API.
func (c *CartesiaProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	resp, err := c.request(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Format: getFormat(opts.Format)}, nil
}

// SynthesizeStream converts text to streaming audio. The response body is
// read incrementally; canceling ctx aborts the request mid-stream.
func (c *CartesiaProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	resp, err := c.request(ctx, text, opts)
	if err != nil {
		return nil, err
	}

	stream := NewSynthesisStream()
	go func() {
		defer resp.Body.Close()
		defer stream.Close()
		defer stream.FinishSending()

		buf := make([]byte, cartesiaStreamReadBytes)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !stream.Send(chunk) {
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				if ctx.Err() != nil {
					stream.SetError(ctx.Err())
				} else {
					stream.SetError(fmt.Errorf("read audio stream: %w", readErr))
				}
				return
			}
		}
	}()
	return stream, nil
}

func (c *CartesiaProvider) request(ctx context.Context, text string, opts SynthesizeOptions) (*http.Response, error) {
	reqBody := cartesiaTTSRequest{
		ModelID:    "sonic-2",
		Transcript: text,
		Voice: cartesiaVoiceSpec{
			Mode: "id",
			ID:   opts.Voice,
		},
		OutputFormat: buildOutputFormat(opts),
	}
	if opts.Speed != 0 {
		reqBody.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}
	return resp, nil
}

func buildOutputFormat(opts SynthesizeOptions) cartesiaOutputFormat {
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	switch opts.Format {
	case "mp3":
		return cartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: sampleRate,
			BitRate:    128000,
		}
	case "pcm", "raw":
		return cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	default: // wav
		return cartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	}
}

func getFormat(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav":
		return format
	default:
		return "wav"
	}
}
