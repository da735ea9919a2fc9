package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/upb/llm-gateway/models"
)

// Provider represents a unified LLM provider interface
type Provider interface {
	// Name returns the provider name (e.g., "openai", "gemini")
	Name() string

	// Generate performs a single text generation request.
	// Adapters make exactly one upstream attempt; retry policy belongs to the caller.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// IsAvailable checks if the provider is currently available
	IsAvailable(ctx context.Context) bool

	// EstimateCost estimates the cost of a request before it is dispatched.
	// maxTokens bounds the completion side, so the estimate is an upper bound.
	EstimateCost(model string, tokensIn, maxTokens int) float64

	// ValidateModel checks if a model is supported by this provider
	ValidateModel(model string) error

	// ListModels returns all models this provider serves
	ListModels() []string
}

// GenerateRequest represents a unified text generation request
type GenerateRequest struct {
	// Model identifier (e.g., "gpt-4o-mini", "gemini-2.5-flash")
	Model string `json:"model"`

	// Prompt is the input text
	Prompt string `json:"prompt"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 1.0)
	Temperature float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling
	TopP float64 `json:"top_p,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`
}

// GenerateResponse represents a unified text generation response
type GenerateResponse struct {
	// Text is the generated completion
	Text string `json:"text"`

	// Model used for the completion
	Model string `json:"model"`

	// Provider that handled the request
	Provider string `json:"provider"`

	// TokensIn used by the prompt
	TokensIn int `json:"tokens_in"`

	// TokensOut used by the completion
	TokensOut int `json:"tokens_out"`

	// Cost of the request in USD, computed from the provider pricing table
	Cost float64 `json:"cost"`

	// FinishReason indicates why the completion finished
	// Values: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`

	// Latency of the upstream call
	Latency time.Duration `json:"latency"`
}

// Config holds common configuration for provider adapters.
// Credentials are resolved by the caller; adapters never read the environment.
type Config struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for upstream requests when the caller sets none
	Timeout time.Duration

	// Pricing maps model names to per-million-token prices
	Pricing models.PricingTable
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Pricing: make(models.PricingTable),
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// NewTransientError creates a retryable provider error
func NewTransientError(provider, code, message string, statusCode int, cause error) *ProviderError {
	return NewProviderError(provider, code, message, statusCode, true, cause)
}

// NewFatalError creates a non-retryable provider error
func NewFatalError(provider, code, message string, statusCode int, cause error) *ProviderError {
	return NewProviderError(provider, code, message, statusCode, false, cause)
}

// IsRetryable checks if an error is retryable.
// Errors that are not provider errors are treated as transient transport
// failures, matching the upstream behavior of net/http clients.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return err != nil
}

// RetryableStatus reports whether an HTTP status from an upstream provider
// indicates a transient condition worth retrying
func RetryableStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}
