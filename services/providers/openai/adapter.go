package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// defaultCompletionEstimate is used when a request sets no max_tokens
	defaultCompletionEstimate = 500
)

// defaultPricing carries per-million-token prices for the models this
// adapter serves out of the box. Config pricing entries override these.
var defaultPricing = models.PricingTable{
	"gpt-4":         {InputPerMillion: 30.0, OutputPerMillion: 60.0},
	"gpt-4-turbo":   {InputPerMillion: 10.0, OutputPerMillion: 30.0},
	"gpt-4o":        {InputPerMillion: 5.0, OutputPerMillion: 15.0},
	"gpt-4o-mini":   {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-3.5-turbo": {InputPerMillion: 0.50, OutputPerMillion: 1.50},
}

// OpenAIAdapter implements the Provider interface for OpenAI
type OpenAIAdapter struct {
	config     providers.Config
	httpClient *http.Client
	pricing    models.PricingTable
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.Config) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &OpenAIAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		pricing: defaultPricing.Merge(config.Pricing),
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Generate performs a single text generation request.
// It makes exactly one upstream attempt; the caller owns retry policy.
func (a *OpenAIAdapter) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResponse, error) {
	startTime := time.Now()

	// Validate model
	if err := a.ValidateModel(req.Model); err != nil {
		return nil, providers.NewFatalError(a.Name(), "INVALID_MODEL", err.Error(), http.StatusBadRequest, err)
	}

	// Build OpenAI request
	openaiReq := a.buildChatRequest(req)

	reqBody, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, providers.NewFatalError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.config.BaseURL+"/chat/completions", strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, providers.NewFatalError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	// Execute the single upstream attempt
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, providers.NewTransientError(a.Name(), "TIMEOUT", "Request to OpenAI timed out", 0, err)
		}
		return nil, providers.NewTransientError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewTransientError(a.Name(), "READ_ERROR", "Failed to read response", httpResp.StatusCode, err)
	}

	// Handle error responses
	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	// Parse response
	var openaiResp ChatResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, providers.NewFatalError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", httpResp.StatusCode, err)
	}

	if len(openaiResp.Choices) == 0 {
		return nil, providers.NewFatalError(a.Name(), "EMPTY_RESPONSE", "OpenAI returned no choices", httpResp.StatusCode, nil)
	}

	return a.convertResponse(&openaiResp, time.Since(startTime)), nil
}

// IsAvailable checks if the provider is currently available
func (a *OpenAIAdapter) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", a.config.BaseURL+"/models", nil)
	if err != nil {
		return false
	}

	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// EstimateCost estimates the cost of a request before it is dispatched.
// The completion side is bounded by maxTokens, so this is an upper bound.
func (a *OpenAIAdapter) EstimateCost(model string, tokensIn, maxTokens int) float64 {
	pricing, _ := a.pricing.For(model)

	if maxTokens == 0 {
		maxTokens = defaultCompletionEstimate
	}

	return pricing.Cost(tokensIn, maxTokens)
}

// ValidateModel checks if a model is supported
func (a *OpenAIAdapter) ValidateModel(model string) error {
	if _, exists := a.pricing[model]; !exists || model == models.DefaultModelKey {
		return fmt.Errorf("model %s is not supported by OpenAI provider", model)
	}
	return nil
}

// ListModels returns all models this adapter serves
func (a *OpenAIAdapter) ListModels() []string {
	list := make([]string, 0, len(a.pricing))
	for model := range a.pricing {
		if model == models.DefaultModelKey {
			continue
		}
		list = append(list, model)
	}
	return list
}

// buildChatRequest converts the unified request to OpenAI chat format.
// The prompt becomes a single user message.
func (a *OpenAIAdapter) buildChatRequest(req *providers.GenerateRequest) *ChatRequest {
	openaiReq := &ChatRequest{
		Model: req.Model,
		Messages: []Message{
			{Role: "user", Content: req.Prompt},
		},
	}

	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		openaiReq.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		openaiReq.TopP = &req.TopP
	}
	if len(req.Stop) > 0 {
		openaiReq.Stop = req.Stop
	}

	return openaiReq
}

// convertResponse converts an OpenAI response to the unified format
func (a *OpenAIAdapter) convertResponse(openaiResp *ChatResponse, latency time.Duration) *providers.GenerateResponse {
	choice := openaiResp.Choices[0]
	pricing, _ := a.pricing.For(openaiResp.Model)

	return &providers.GenerateResponse{
		Text:         choice.Message.Content,
		Model:        openaiResp.Model,
		Provider:     a.Name(),
		TokensIn:     openaiResp.Usage.PromptTokens,
		TokensOut:    openaiResp.Usage.CompletionTokens,
		Cost:         pricing.Cost(openaiResp.Usage.PromptTokens, openaiResp.Usage.CompletionTokens),
		FinishReason: choice.FinishReason,
		Latency:      latency,
	}
}

// handleErrorResponse maps OpenAI error responses to provider errors.
// Timeouts, throttling and server errors are transient; everything else
// is fatal and must not be retried.
func (a *OpenAIAdapter) handleErrorResponse(statusCode int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", string(body), statusCode, providers.RetryableStatus(statusCode), err)
	}

	return providers.NewProviderError(
		a.Name(),
		errResp.Error.Type,
		errResp.Error.Message,
		statusCode,
		providers.RetryableStatus(statusCode),
		errors.New(errResp.Error.Message),
	)
}

// OpenAI-specific request/response types

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
