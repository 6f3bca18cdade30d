package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 1024
)

// AnthropicClient implements Completer against the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	maxRetries uint64
}

// NewAnthropic creates a new Anthropic completion client.
func NewAnthropic(apiKey string) *AnthropicClient {
	return NewAnthropicWithClient(apiKey, &http.Client{})
}

// NewAnthropicWithClient creates an Anthropic completion client with a
// custom HTTP client.
func NewAnthropicWithClient(apiKey string, client *http.Client) *AnthropicClient {
	return &AnthropicClient{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    anthropicBaseURL,
		httpClient: client,
		maxRetries: 2,
	}
}

// WithModel overrides the default model.
func (c *AnthropicClient) WithModel(model string) *AnthropicClient {
	if strings.TrimSpace(model) != "" {
		c.model = strings.TrimSpace(model)
	}
	return c
}

// WithBaseURL overrides the API base URL. Used in tests.
func (c *AnthropicClient) WithBaseURL(baseURL string) *AnthropicClient {
	if strings.TrimSpace(baseURL) != "" {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	return c
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the transcript and returns the reply text. Responses with
// status 429 or 5xx are retried with fibonacci backoff; everything else
// fails immediately.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAgent {
			role = "assistant"
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("empty transcript")
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(250*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		reply, attemptErr := c.complete(ctx, body)
		if attemptErr != nil {
			return attemptErr
		}
		text = reply
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *AnthropicClient) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", retry.RetryableError(fmt.Errorf("anthropic request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", retry.RetryableError(fmt.Errorf("anthropic error %d: %s", resp.StatusCode, string(errBody)))
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("anthropic error %d: %s", resp.StatusCode, string(errBody))
	}

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("anthropic: %s", decoded.Error.Message)
	}

	var sb strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return reply, nil
}
