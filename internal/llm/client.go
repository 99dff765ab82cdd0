package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/pkg/circuitbreaker"
	"github.com/order-intake/backend/pkg/formatting"
	"github.com/order-intake/backend/pkg/logger"
	"github.com/order-intake/backend/pkg/retry"
)

var (
	// ErrExtractionFailure wraps every failed Extract call, including
	// ErrMissingCredential and unparsable model output.
	ErrExtractionFailure = errors.New("extraction failed")
	ErrMissingCredential = errors.New("missing API credential")
)

type Client struct {
	client      *openai.Client
	hasKey      bool
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewClient builds a chat-completions client. baseURL may point at any
// OpenAI-compatible endpoint; empty uses the public API.
func NewClient(apiKey, baseURL, model string, temperature float32, maxTokens int, timeout time.Duration) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isTransientError,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        isTransientError,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("has_api_key", apiKey != ""),
	)

	return &Client{
		client:      openai.NewClientWithConfig(cfg),
		hasKey:      apiKey != "",
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// isTransientError reports whether a failed call is worth repeating. Client
// errors such as a rejected key or an oversized prompt are not.
func isTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMissingCredential) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}

	return true
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if !c.hasKey {
		return nil, ErrMissingCredential
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(errors.New("completion returned no choices"))
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// Extract asks the model to turn document into the JSON described by
// schemaPrompt. Markdown fences around the answer are tolerated; anything
// that is not a JSON object or array is ErrExtractionFailure.
func (c *Client) Extract(ctx context.Context, document, schemaPrompt string) (json.RawMessage, error) {
	if strings.TrimSpace(document) == "" {
		return nil, fmt.Errorf("%w: empty document", ErrExtractionFailure)
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: schemaPrompt,
		UserPrompt:   document,
		Temperature:  0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailure, err)
	}

	data, err := formatting.ParseJSON(resp.Content)
	if err != nil {
		logger.Warn("Extraction returned unparsable content",
			zap.Int("content_length", len(resp.Content)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailure, err)
	}

	logger.Info("Structured data extracted",
		zap.Int("document_length", len(document)),
		zap.Int("result_length", len(data)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return data, nil
}

func (c *Client) SummarizeEmail(ctx context.Context, subject, body string) (string, error) {
	userPrompt := fmt.Sprintf("Subject: %s\n\n%s", subject, body)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: EmailSummaryPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.3,
		MaxTokens:    300,
	})

	if err != nil {
		return "", fmt.Errorf("failed to summarize: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.New("failed to summarize: empty summary")
	}

	logger.Info("Email summarized", zap.Int("summary_length", len(summary)))

	return summary, nil
}
