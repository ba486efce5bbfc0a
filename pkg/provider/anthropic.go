package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/castingclouds/agentengine/pkg/agentdef"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicDispatcher is the one real provider integration: a single POST to
// {base_url}/messages with the x-api-key and anthropic-version headers. The
// API key is read from ANTHROPIC_API_KEY and never accepted from the caller.
type AnthropicDispatcher struct {
	httpClient *http.Client
	baseURL    string
}

// NewAnthropicDispatcher builds a dispatcher using the default Anthropic
// endpoint unless ANTHROPIC_BASE_URL overrides it (for pointing at a
// compatible proxy in tests).
func NewAnthropicDispatcher() *AnthropicDispatcher {
	base := os.Getenv("ANTHROPIC_BASE_URL")
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	return &AnthropicDispatcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    base,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	StopSeqs    []string            `json:"stop_sequences,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (d *AnthropicDispatcher) Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req Request) (<-chan Chunk, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("provider: ANTHROPIC_API_KEY is not set")
	}

	maxTokens := 1024
	if req.Generation.MaxTokens != nil {
		maxTokens = *req.Generation.MaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       selector.Model,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.UserMessage}},
		MaxTokens:   maxTokens,
		Temperature: req.Generation.Temperature,
		TopP:        req.Generation.TopP,
		StopSeqs:    req.Generation.StopSequences,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build anthropic request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	ch := make(chan Chunk, 2)
	go func() {
		defer close(ch)

		resp, err := d.httpClient.Do(httpReq)
		if err != nil {
			ch <- Chunk{Err: fmt.Errorf("provider: anthropic call failed: %w", err)}
			return
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := respBody
			if len(snippet) > 500 {
				snippet = snippet[:500]
			}
			ch <- Chunk{Err: fmt.Errorf("provider: anthropic http %d: %s", resp.StatusCode, string(snippet))}
			return
		}

		var parsed anthropicResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			ch <- Chunk{Err: fmt.Errorf("provider: parse anthropic response: %w", err)}
			return
		}

		var text string
		for _, block := range parsed.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		select {
		case ch <- Chunk{Text: text}:
		case <-ctx.Done():
			return
		}

		select {
		case ch <- Chunk{
			Final:         true,
			FinalResponse: map[string]interface{}{"response": text},
			Usage: map[string]interface{}{
				"input_tokens":  parsed.Usage.InputTokens,
				"output_tokens": parsed.Usage.OutputTokens,
				"total_tokens":  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			},
		}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}
