package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/providers"
)

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.Config{APIKey: "test-key"})

	if adapter == nil {
		t.Fatal("NewOpenAIAdapter() returned nil")
	}

	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}

	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}

	if len(adapter.ListModels()) == 0 {
		t.Error("ListModels() returned no models")
	}
}

func TestOpenAIAdapter_ValidateModel(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.Config{})

	tests := []struct {
		name        string
		model       string
		expectError bool
	}{
		{name: "valid model gpt-4", model: "gpt-4", expectError: false},
		{name: "valid model gpt-4o", model: "gpt-4o", expectError: false},
		{name: "valid model gpt-3.5-turbo", model: "gpt-3.5-turbo", expectError: false},
		{name: "invalid model", model: "invalid-model", expectError: true},
		{name: "default row is not a model", model: models.DefaultModelKey, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.ValidateModel(tt.model)

			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestOpenAIAdapter_ConfigPricingOverridesDefaults(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.Config{
		Pricing: models.PricingTable{
			"gpt-4o":       {InputPerMillion: 1.0, OutputPerMillion: 2.0},
			"custom-model": {InputPerMillion: 0.1, OutputPerMillion: 0.2},
		},
	})

	// Overridden pricing wins
	cost := adapter.EstimateCost("gpt-4o", 1_000_000, 0)
	want := 1.0 + float64(defaultCompletionEstimate)/1_000_000*2.0
	if cost != want {
		t.Errorf("EstimateCost() = %f, want %f", cost, want)
	}

	// Config-added models become valid
	if err := adapter.ValidateModel("custom-model"); err != nil {
		t.Errorf("custom-model should be valid: %v", err)
	}
}

func TestOpenAIAdapter_EstimateCost(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.Config{})

	// gpt-4o: $5/M in, $15/M out
	cost := adapter.EstimateCost("gpt-4o", 1000, 500)
	want := 1000.0/1_000_000*5.0 + 500.0/1_000_000*15.0
	if cost != want {
		t.Errorf("EstimateCost() = %f, want %f", cost, want)
	}

	// Zero max tokens falls back to the default completion estimate
	cost = adapter.EstimateCost("gpt-4o", 1000, 0)
	want = 1000.0/1_000_000*5.0 + float64(defaultCompletionEstimate)/1_000_000*15.0
	if cost != want {
		t.Errorf("EstimateCost() with zero maxTokens = %f, want %f", cost, want)
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIAdapter) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter := NewOpenAIAdapter(providers.Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
	})
	return server, adapter
}

func TestOpenAIAdapter_Generate(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("prompt should become a single user message, got %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []Choice{{
				Message:      Message{Role: "assistant", Content: "hello there"},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		})
	})

	resp, err := adapter.Generate(context.Background(), &providers.GenerateRequest{
		Model:     "gpt-4o",
		Prompt:    "say hello",
		MaxTokens: 50,
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if resp.Text != "hello there" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Provider != "openai" {
		t.Errorf("Provider = %q", resp.Provider)
	}
	if resp.TokensIn != 12 || resp.TokensOut != 4 {
		t.Errorf("tokens = %d/%d, want 12/4", resp.TokensIn, resp.TokensOut)
	}

	// Cost computed from the pricing table: $5/M in, $15/M out
	wantCost := 12.0/1_000_000*5.0 + 4.0/1_000_000*15.0
	if resp.Cost != wantCost {
		t.Errorf("Cost = %f, want %f", resp.Cost, wantCost)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestOpenAIAdapter_Generate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		wantRetryable bool
	}{
		{name: "rate limited is transient", statusCode: http.StatusTooManyRequests, wantRetryable: true},
		{name: "server error is transient", statusCode: http.StatusInternalServerError, wantRetryable: true},
		{name: "service unavailable is transient", statusCode: http.StatusServiceUnavailable, wantRetryable: true},
		{name: "bad request is fatal", statusCode: http.StatusBadRequest, wantRetryable: false},
		{name: "unauthorized is fatal", statusCode: http.StatusUnauthorized, wantRetryable: false},
		{name: "not found is fatal", statusCode: http.StatusNotFound, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				json.NewEncoder(w).Encode(ErrorResponse{
					Error: APIError{Message: "upstream says no", Type: "test_error"},
				})
			})

			_, err := adapter.Generate(context.Background(), &providers.GenerateRequest{
				Model:  "gpt-4o",
				Prompt: "hi",
			})
			if err == nil {
				t.Fatal("expected an error")
			}

			var provErr *providers.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected *providers.ProviderError, got %T", err)
			}
			if provErr.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", provErr.Retryable, tt.wantRetryable)
			}
			if provErr.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", provErr.StatusCode, tt.statusCode)
			}
		})
	}
}

func TestOpenAIAdapter_Generate_InvalidModel(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.Config{APIKey: "test-key"})

	_, err := adapter.Generate(context.Background(), &providers.GenerateRequest{
		Model:  "not-a-model",
		Prompt: "hi",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if providers.IsRetryable(err) {
		t.Error("invalid model must be fatal, not retryable")
	}
}

func TestOpenAIAdapter_Generate_EmptyChoices(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Model: "gpt-4o"})
	})

	_, err := adapter.Generate(context.Background(), &providers.GenerateRequest{
		Model:  "gpt-4o",
		Prompt: "hi",
	})
	if err == nil {
		t.Fatal("expected an error for empty choices")
	}
	if providers.IsRetryable(err) {
		t.Error("empty choices must be fatal")
	}
}

func TestOpenAIAdapter_Generate_ContextCanceled(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		json.NewEncoder(w).Encode(ChatResponse{Model: "gpt-4o"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := adapter.Generate(ctx, &providers.GenerateRequest{
		Model:  "gpt-4o",
		Prompt: "hi",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !providers.IsRetryable(err) {
		t.Error("timeouts must be transient")
	}
}

func TestOpenAIAdapter_IsAvailable(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	if !adapter.IsAvailable(context.Background()) {
		t.Error("IsAvailable() should be true when /models responds 200")
	}

	down := NewOpenAIAdapter(providers.Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if down.IsAvailable(context.Background()) {
		t.Error("IsAvailable() should be false when the endpoint is unreachable")
	}
}
