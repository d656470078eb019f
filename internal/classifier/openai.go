package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"filesense/internal/organizer"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.GPT4oMini

// OpenAIClassifier classifies batches with a chat completion model that
// answers in JSON mode. Any OpenAI-compatible endpoint works through baseURL.
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	version string
}

func NewOpenAIClassifier(apiKey, baseURL, model, promptVersion string) (*OpenAIClassifier, error) {
	if apiKey == "" {
		return nil, errors.New("openai classifier: API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(config),
		model:   model,
		version: versionString("openai", model, promptVersion),
	}, nil
}

func (c *OpenAIClassifier) Version() string {
	return c.version
}

func (c *OpenAIClassifier) Classify(ctx context.Context, files []organizer.ClassifyFile) ([]organizer.ClassifyResult, error) {
	if len(files) == 0 {
		return nil, nil
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(files)},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, malformed("no choices returned")
	}
	return ParseResponse(resp.Choices[0].Message.Content, files)
}

// classifyOpenAIError marks timeouts, throttling and server errors as
// unavailability so that the batch is retried.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// no HTTP response at all: connection refused, DNS, reset
		return organizer.WrapError(organizer.ErrClassifierUnavailable, "openai completion", err)
	}

	if retryableStatus(status) {
		return organizer.WrapError(organizer.ErrClassifierUnavailable, "openai completion", err)
	}
	return fmt.Errorf("openai completion failed: %w", err)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
