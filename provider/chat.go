package provider

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"storyboard-pipeline/config"
)

// chatClient is the generic chat-completion Language backend. It is
// text-only; structured output is requested through the weaker JSON-object
// mode rather than a schema.
type chatClient struct {
	client openai.Client
	model  string
}

func newChatClient(cfg config.ChatConfig, apiKey string) *chatClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &chatClient{client: openai.NewClient(opts...), model: model}
}

func (c *chatClient) SupportsVision() bool { return false }

func (c *chatClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: c.model,
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
			return "", &RateLimitedError{Status: apiErr.StatusCode, Detail: apiErr.Error()}
		}
		return "", err
	}

	if len(completion.Choices) == 0 {
		return "", &EmptyResponseError{}
	}
	choice := completion.Choices[0]
	if choice.Message.Content == "" {
		reason := choice.Message.Refusal
		if reason == "" {
			reason = string(choice.FinishReason)
		}
		return "", &EmptyResponseError{Reason: reason}
	}
	return choice.Message.Content, nil
}
