package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/tryout/internal/llm/prompts"
	"github.com/pavelanni/tryout/internal/model"
)

// FocusArea is a study recommendation for one section.
type FocusArea struct {
	Section        string `json:"section"`
	Recommendation string `json:"recommendation"`
}

// Advice is the LLM's study advice for a finalized result.
type Advice struct {
	Summary    string      `json:"summary"`
	FocusAreas []FocusArea `json:"focus_areas"`
	Tips       []string    `json:"tips"`
}

// AdviceRequest is everything the coach sees about an attempt.
type AdviceRequest struct {
	PackageTitle string
	Language     string
	Result       model.TryoutResult
	Ranking      *model.Ranking
	Mistakes     []model.Mistake
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, variant prompts.Variant) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if !prompts.IsValidVariant(string(variant)) {
		variant = prompts.VariantStandard
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}
}

// Advise asks the LLM for study advice on a finalized result.
func (c *Client) Advise(ctx context.Context, req AdviceRequest) (*Advice, error) {
	systemPrompt, err := prompts.BuildAdvicePrompt(c.variant, req.Language, req.PackageTitle, req.Result, req.Ranking, req.Mistakes)
	if err != nil {
		return nil, fmt.Errorf("build advice prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Please review my tryout result."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var advice Advice
	if err := json.Unmarshal([]byte(raw), &advice); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	if advice.Summary == "" {
		return nil, fmt.Errorf("LLM response has no summary (raw: %s)", raw)
	}
	return &advice, nil
}
