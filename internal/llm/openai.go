package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIDefaultModel is used when no model is configured.
const OpenAIDefaultModel = "gpt-4o-mini"

func init() {
	Register("openai", func(cfg ProviderConfig) (Generator, error) {
		return NewOpenAI(cfg)
	})
}

// OpenAIClient wraps an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	api   *openai.Client
	model string
}

// NewOpenAI creates a client for cfg. BaseURL selects any OpenAI-compatible server.
func NewOpenAI(cfg ProviderConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, &ProviderError{Provider: "openai", Code: ErrCodeAPIKey, Message: "API key is required"}
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = OpenAIDefaultModel
	}
	return &OpenAIClient{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// Generate sends prompt as a single user message. An image is attached as a data URL.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, image *Image) (string, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if image != nil {
		msg.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    image.DataURL(),
				Detail: openai.ImageURLDetailAuto,
			}},
		}
	} else {
		msg.Content = prompt
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    []openai.ChatCompletionMessage{msg},
		Temperature: 0.3,
	})
	if err != nil {
		return "", c.classify("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Code: ErrCodeInvalidInput, Message: "no choices returned"}
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	zap.L().Debug("LLM response", zap.String("provider", "openai"), zap.String("raw", raw))
	if raw == "" {
		return "", &ProviderError{Provider: "openai", Code: ErrCodeInvalidInput, Message: "empty response"}
	}
	return raw, nil
}

func (c *OpenAIClient) Ping(ctx context.Context) error {
	_, err := c.Generate(ctx, "Hello", nil)
	return err
}

func (c *OpenAIClient) classify(message string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ErrCodeServiceDown
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			code = ErrCodeAPIKey
		case 429:
			code = ErrCodeRateLimit
		case 400, 404, 422:
			code = ErrCodeInvalidInput
		}
		return &ProviderError{Provider: "openai", Code: code, Message: message, Err: err}
	}
	return Classify("openai", message, err)
}
