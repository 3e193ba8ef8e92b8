package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
}

// GeminiProvider calls the Gemini generateContent API.
type GeminiProvider struct {
	client          *genai.Client
	model           string
	maxOutputTokens int
}

// NewGeminiProvider creates a Gemini adapter using the official SDK.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: gemini model is required", ErrInvalidConfig)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{client: client, model: cfg.Model, maxOutputTokens: cfg.MaxOutputTokens}, nil
}

func (provider *GeminiProvider) Complete(ctx context.Context, request Request) (Response, error) {
	config := &genai.GenerateContentConfig{}
	if request.System != "" {
		config.SystemInstruction = genai.NewContentFromText(request.System, genai.RoleUser)
	}
	maxTokens := request.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = provider.maxOutputTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	response, err := provider.client.Models.GenerateContent(ctx, provider.model, genai.Text(request.Prompt), config)
	if err != nil {
		return Response{}, classifyGeminiError(err)
	}
	text := response.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{Text: text, Model: provider.model}, nil
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apiErr, ok := findGeminiAPIError(err); ok {
		return classifyStatus(apiErr.Code, apiErr.Status, apiErr.Message, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// findGeminiAPIError walks the chain for the SDK's error type, returned by value or pointer.
func findGeminiAPIError(err error) (genai.APIError, bool) {
	for current := err; current != nil; current = errors.Unwrap(current) {
		switch typed := any(current).(type) {
		case genai.APIError:
			return typed, true
		case *genai.APIError:
			if typed != nil {
				return *typed, true
			}
		}
	}
	return genai.APIError{}, false
}
