package models

import (
	"fmt"
	"strings"
	"time"
)

// GlobalKey is the reserved accounting key that aggregates usage across all
// identities. It may never be used as a caller identity.
const GlobalKey = "global"

// Params holds the generation parameters for a request.
type Params struct {
	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 1.0 after normalization)
	Temperature float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling
	TopP float64 `json:"top_p,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// Deterministic forces temperature 0 for reproducible output
	Deterministic bool `json:"deterministic,omitempty"`
}

// RequestSpec describes a single generation request from a caller.
type RequestSpec struct {
	// Identity is the opaque caller label all accounting is keyed by
	Identity string `json:"identity"`

	// Prompt is the text sent to the model
	Prompt string `json:"prompt"`

	// Model is the target model name
	Model string `json:"model"`

	// Params are the generation parameters
	Params Params `json:"params"`

	// Timeout bounds the whole request including retries; zero means no
	// caller-supplied deadline
	Timeout time.Duration `json:"-"`
}

// Validate checks the structural requirements of a request spec.
func (s *RequestSpec) Validate() error {
	if strings.TrimSpace(s.Identity) == "" {
		return fmt.Errorf("identity is required")
	}
	if s.Identity == GlobalKey {
		return fmt.Errorf("identity %q is reserved", GlobalKey)
	}
	if s.Prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	if strings.TrimSpace(s.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if s.Params.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// GenerationResult is what callers receive on success.
type GenerationResult struct {
	// RequestID tracks the request through logs and audit records
	RequestID string `json:"request_id"`

	// Text is the generated content
	Text string `json:"text"`

	// Model and provider that served the request
	Model    string `json:"model"`
	Provider string `json:"provider"`

	// Token usage
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`

	// Cost in USD charged against the caller's budget
	Cost float64 `json:"cost"`

	// LatencyMs covers the full pipeline including retries
	LatencyMs int `json:"latency_ms"`

	// FinishReason as reported by the provider
	FinishReason string `json:"finish_reason,omitempty"`

	// Warnings carries non-fatal policy notes (e.g. clamped parameters)
	Warnings []string `json:"warnings,omitempty"`
}
