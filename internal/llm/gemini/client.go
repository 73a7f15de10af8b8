// Package gemini implements the grading oracle on the Gemini API.
package gemini

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/vagifmammadli/finalexam/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Register Gemini provider on package import
func init() {
	llm.Register("gemini", func(cfg llm.ProviderConfig) (llm.Generator, error) {
		return NewClient(context.Background(), cfg)
	})
}

// Client represents a Gemini LLM client
type Client struct {
	client *genai.Client
	model  string
}

func NewClient(ctx context.Context, cfg llm.ProviderConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &llm.ProviderError{
			Provider: "gemini",
			Code:     llm.ErrCodeAPIKey,
			Message:  "API key is required",
		}
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: "v1beta",
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: "gemini",
			Code:     llm.ErrCodeAPIKey,
			Message:  "Failed to create Gemini client",
			Err:      err,
		}
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{client: client, model: modelName}, nil
}

func (c *Client) Name() string { return "gemini" }

// Generate sends the prompt, and the image as inline data when present.
func (c *Client) Generate(ctx context.Context, prompt string, image *llm.Image) (string, error) {
	contents := genai.Text(prompt)
	if image != nil {
		contents = []*genai.Content{{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{InlineData: &genai.Blob{Data: image.Data, MIMEType: image.MIMEType}},
			},
		}}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", llm.Classify("gemini", "Failed to generate content", err)
	}
	if result == nil {
		return "", &llm.ProviderError{
			Provider: "gemini",
			Code:     llm.ErrCodeInvalidInput,
			Message:  "No response generated",
		}
	}

	text, err := result.Text()
	if err != nil {
		return "", &llm.ProviderError{
			Provider: "gemini",
			Code:     llm.ErrCodeInvalidInput,
			Message:  "Failed to extract response text",
			Err:      err,
		}
	}
	text = strings.TrimSpace(text)
	zap.L().Debug("LLM response", zap.String("provider", "gemini"), zap.String("raw", text))
	if text == "" {
		return "", &llm.ProviderError{
			Provider: "gemini",
			Code:     llm.ErrCodeInvalidInput,
			Message:  "Empty response generated",
		}
	}
	return text, nil
}

// Ping sends a short greeting to confirm the key works.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Generate(ctx, "Hello", nil)
	return err
}
