package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
}

// OpenAIProvider calls the chat completions API.
type OpenAIProvider struct {
	client          openai.Client
	model           string
	maxOutputTokens int
}

// NewOpenAIProvider builds an adapter. SDK retries are disabled; NewRetrying owns retry policy.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai api key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: openai model is required", ErrInvalidConfig)
	}
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:          openai.NewClient(options...),
		model:           cfg.Model,
		maxOutputTokens: cfg.MaxOutputTokens,
	}, nil
}

func (provider *OpenAIProvider) Complete(ctx context.Context, request Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if request.System != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}
	messages = append(messages, openai.UserMessage(request.Prompt))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(provider.model),
		Messages: messages,
	}
	maxTokens := request.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = provider.maxOutputTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	completion, err := provider.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{Text: completion.Choices[0].Message.Content, Model: completion.Model}, nil
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.Code, apiErr.Message, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
