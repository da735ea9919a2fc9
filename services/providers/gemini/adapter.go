package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// defaultCompletionEstimate is used when a request sets no max_tokens
	defaultCompletionEstimate = 500
)

// defaultPricing carries per-million-token prices for the models this
// adapter serves out of the box. Config pricing entries override these.
// The "default" entry prices models added upstream before this table
// learns about them.
var defaultPricing = models.PricingTable{
	"gemini-2.5-flash":     {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-2.5-pro":       {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	"gemini-2.0-flash":     {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-1.5-flash":     {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-1.5-pro":       {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	models.DefaultModelKey: {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// GeminiAdapter implements the Provider interface for Google Gemini
type GeminiAdapter struct {
	config     providers.Config
	httpClient *http.Client
	pricing    models.PricingTable
}

// NewGeminiAdapter creates a new Gemini adapter
func NewGeminiAdapter(config providers.Config) *GeminiAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &GeminiAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		pricing: defaultPricing.Merge(config.Pricing),
	}
}

// Name returns the provider name
func (a *GeminiAdapter) Name() string {
	return "gemini"
}

// Generate performs a single text generation request.
// It makes exactly one upstream attempt; the caller owns retry policy.
func (a *GeminiAdapter) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResponse, error) {
	startTime := time.Now()

	// Validate model
	if err := a.ValidateModel(req.Model); err != nil {
		return nil, providers.NewFatalError(a.Name(), "INVALID_MODEL", err.Error(), http.StatusBadRequest, err)
	}

	// Build Gemini request
	geminiReq := a.buildGenerateRequest(req)

	reqBody, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, providers.NewFatalError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", a.config.BaseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, providers.NewFatalError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.config.APIKey)

	// Execute the single upstream attempt
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, providers.NewTransientError(a.Name(), "TIMEOUT", "Request to Gemini timed out", 0, err)
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
	var geminiResp GenerateContentResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, providers.NewFatalError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", httpResp.StatusCode, err)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, providers.NewFatalError(a.Name(), "EMPTY_RESPONSE", "Gemini returned no candidates", httpResp.StatusCode, nil)
	}

	return a.convertResponse(req, &geminiResp, time.Since(startTime)), nil
}

// IsAvailable checks if the provider is currently available
func (a *GeminiAdapter) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", a.config.BaseURL+"/models", nil)
	if err != nil {
		return false
	}

	req.Header.Set("x-goog-api-key", a.config.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// EstimateCost estimates the cost of a request before it is dispatched.
// The completion side is bounded by maxTokens, so this is an upper bound.
func (a *GeminiAdapter) EstimateCost(model string, tokensIn, maxTokens int) float64 {
	pricing, _ := a.pricing.For(model)

	if maxTokens == 0 {
		maxTokens = defaultCompletionEstimate
	}

	return pricing.Cost(tokensIn, maxTokens)
}

// ValidateModel checks if a model is supported
func (a *GeminiAdapter) ValidateModel(model string) error {
	if _, exists := a.pricing[model]; !exists || model == models.DefaultModelKey {
		return fmt.Errorf("model %s is not supported by Gemini provider", model)
	}
	return nil
}

// ListModels returns all models this adapter serves
func (a *GeminiAdapter) ListModels() []string {
	list := make([]string, 0, len(a.pricing))
	for model := range a.pricing {
		if model == models.DefaultModelKey {
			continue
		}
		list = append(list, model)
	}
	return list
}

// buildGenerateRequest converts the unified request to Gemini format.
// The prompt becomes a single user turn.
func (a *GeminiAdapter) buildGenerateRequest(req *providers.GenerateRequest) *GenerateContentRequest {
	geminiReq := &GenerateContentRequest{
		Contents: []Content{
			{Role: "user", Parts: []Part{{Text: req.Prompt}}},
		},
	}

	cfg := &GenerationConfig{}
	hasConfig := false

	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = &req.MaxTokens
		hasConfig = true
	}
	if req.Temperature > 0 {
		cfg.Temperature = &req.Temperature
		hasConfig = true
	}
	if req.TopP > 0 {
		cfg.TopP = &req.TopP
		hasConfig = true
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		hasConfig = true
	}

	if hasConfig {
		geminiReq.GenerationConfig = cfg
	}

	return geminiReq
}

// convertResponse converts a Gemini response to the unified format.
// When usage metadata is missing the token counts fall back to a
// four-characters-per-token estimate.
func (a *GeminiAdapter) convertResponse(req *providers.GenerateRequest, geminiResp *GenerateContentResponse, latency time.Duration) *providers.GenerateResponse {
	candidate := geminiResp.Candidates[0]

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	tokensIn := geminiResp.UsageMetadata.PromptTokenCount
	tokensOut := geminiResp.UsageMetadata.CandidatesTokenCount
	if tokensIn == 0 {
		tokensIn = len(req.Prompt) / 4
	}
	if tokensOut == 0 {
		tokensOut = text.Len() / 4
	}

	pricing, _ := a.pricing.For(req.Model)

	return &providers.GenerateResponse{
		Text:         text.String(),
		Model:        req.Model,
		Provider:     a.Name(),
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		Cost:         pricing.Cost(tokensIn, tokensOut),
		FinishReason: convertFinishReason(candidate.FinishReason),
		Latency:      latency,
	}
}

// convertFinishReason maps Gemini finish reasons to the unified vocabulary
func convertFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// handleErrorResponse maps Gemini error responses to provider errors.
// Throttling and server errors are transient; auth and bad-request
// errors are fatal and must not be retried.
func (a *GeminiAdapter) handleErrorResponse(statusCode int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", string(body), statusCode, providers.RetryableStatus(statusCode), err)
	}

	code := errResp.Error.Status
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", statusCode)
	}

	return providers.NewProviderError(
		a.Name(),
		code,
		errResp.Error.Message,
		statusCode,
		providers.RetryableStatus(statusCode),
		errors.New(errResp.Error.Message),
	)
}

// Gemini-specific request/response types

type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

type GenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GenerateContentResponse struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
	ModelVersion  string        `json:"modelVersion,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
	Index        int     `json:"index"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}
