// Package llm provides the ModelClient the Stage Engine calls for
// Stage G/H (structuring) and Stage I (synthesis): a blocking
// Generate(model, prompt, input) -> text call, per spec.md §6's
// "ModelClient: Generate(model_id, prompt, inputs) -> (text|json, usage)".
//
// Grounded on PIXELL07-multi-tenant-ai/internal/llm/openai.go's
// OpenAIClient: same hand-rolled HTTP client (the pack has no OpenAI SDK
// wired anywhere, so this raw http.Client call is the grounded choice,
// not a stdlib fallback). StreamCompletion's token-over-a-channel shape
// is gone because its only caller was the SSE query-serving endpoint,
// which is cut (spec.md Non-goal: "no search/query serving"). Generate
// reuses the same request/response structs with stream:false.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
)

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// Usage mirrors OpenAI's token accounting, surfaced so callers can log
// cost without depending on the HTTP response shape.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelClient is the interface the Stage Engine depends on.
type ModelClient interface {
	Generate(ctx context.Context, model, systemPrompt, userMessage string) (string, Usage, error)
}

type OpenAIClient struct {
	apiKey string
	model  string
	client *http.Client
}

func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate calls the OpenAI chat API with stream=false and returns the
// full completion text. model overrides c.model when non-empty, so the
// Stage Engine's per-(stage,workspace,doc_type) routing table can pick
// a different model per call without constructing a new client.
func (c *OpenAIClient) Generate(ctx context.Context, model, systemPrompt, userMessage string) (string, Usage, error) {
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		Stream: false,
	})
	if err != nil {
		return "", Usage{}, apperror.Wrap(apperror.InternalPanic, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIChatURL, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, apperror.Wrap(apperror.InternalPanic, "build chat request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, apperror.Wrap(apperror.Canceled, "chat request canceled", ctx.Err())
		}
		return "", Usage{}, apperror.Wrap(apperror.TransientInfra, "chat request failed", err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", Usage{}, apperror.Wrap(apperror.TransientInfra, "decode chat response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", Usage{}, apperror.Wrap(apperror.TransientInfra,
			fmt.Sprintf("openai returned status %d", resp.StatusCode), errFromBody(parsed))
	case resp.StatusCode >= 400:
		return "", Usage{}, apperror.Wrap(apperror.ModelOutput,
			fmt.Sprintf("openai returned status %d", resp.StatusCode), errFromBody(parsed))
	}

	if len(parsed.Choices) == 0 {
		return "", Usage{}, apperror.New(apperror.ModelOutput, "openai returned no choices")
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

func errFromBody(r chatResponse) error {
	if r.Error != nil {
		return fmt.Errorf("%s: %s", r.Error.Type, r.Error.Message)
	}
	return fmt.Errorf("no error body")
}
