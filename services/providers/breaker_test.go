package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newBreakerUnderTest(inner Provider, threshold uint32) *BreakerProvider {
	settings := DefaultBreakerSettings()
	settings.FailureThreshold = threshold
	settings.OpenTimeout = 50 * time.Millisecond
	return NewBreakerProvider(inner, settings, zap.NewNop())
}

func TestBreakerProvider_PassThrough(t *testing.T) {
	inner := newFakeProvider("alpha", "alpha-1")
	bp := newBreakerUnderTest(inner, 3)

	if bp.Name() != "alpha" {
		t.Errorf("Name() = %s, want alpha", bp.Name())
	}

	resp, err := bp.Generate(context.Background(), &GenerateRequest{Model: "alpha-1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q", resp.Text)
	}

	if err := bp.ValidateModel("alpha-1"); err != nil {
		t.Errorf("ValidateModel() error: %v", err)
	}
	if got := bp.EstimateCost("alpha-1", 100, 100); got != 0.01 {
		t.Errorf("EstimateCost() = %f", got)
	}
	if len(bp.ListModels()) != 1 {
		t.Error("ListModels() should delegate to the inner provider")
	}
}

func TestBreakerProvider_OpensOnTransientFailures(t *testing.T) {
	inner := newFakeProvider("alpha", "alpha-1")
	inner.generate = func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		return nil, NewTransientError("alpha", "SERVER_ERROR", "upstream down", 503, nil)
	}
	bp := newBreakerUnderTest(inner, 3)

	for i := 0; i < 3; i++ {
		if _, err := bp.Generate(context.Background(), &GenerateRequest{Model: "alpha-1", Prompt: "hi"}); err == nil {
			t.Fatal("expected transient error")
		}
	}

	// Circuit is now open and requests fail fast with a retryable error
	_, err := bp.Generate(context.Background(), &GenerateRequest{Model: "alpha-1", Prompt: "hi"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if provErr.Code != "CIRCUIT_OPEN" {
		t.Errorf("Code = %q, want CIRCUIT_OPEN", provErr.Code)
	}
	if !provErr.Retryable {
		t.Error("circuit-open errors must be retryable")
	}
}

func TestBreakerProvider_FatalErrorsDoNotTrip(t *testing.T) {
	inner := newFakeProvider("alpha", "alpha-1")
	inner.generate = func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		return nil, NewFatalError("alpha", "INVALID_MODEL", "no such model", 400, nil)
	}
	bp := newBreakerUnderTest(inner, 2)

	for i := 0; i < 10; i++ {
		_, err := bp.Generate(context.Background(), &GenerateRequest{Model: "alpha-1", Prompt: "hi"})
		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			t.Fatalf("expected ProviderError, got %T", err)
		}
		// The caller still sees the fatal error, never a tripped circuit
		if provErr.Code != "INVALID_MODEL" {
			t.Fatalf("request %d: Code = %q, want INVALID_MODEL", i, provErr.Code)
		}
	}
}

func TestBreakerProvider_RecoversAfterOpenTimeout(t *testing.T) {
	var failing = true
	inner := newFakeProvider("alpha", "alpha-1")
	inner.generate = func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		if failing {
			return nil, NewTransientError("alpha", "SERVER_ERROR", "upstream down", 503, nil)
		}
		return &GenerateResponse{Text: "recovered", Model: req.Model, Provider: "alpha"}, nil
	}
	bp := newBreakerUnderTest(inner, 2)

	for i := 0; i < 2; i++ {
		bp.Generate(context.Background(), &GenerateRequest{Model: "alpha-1", Prompt: "hi"})
	}

	failing = false
	time.Sleep(80 * time.Millisecond)

	// Half-open probe succeeds and closes the circuit
	resp, err := bp.Generate(context.Background(), &GenerateRequest{Model: "alpha-1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() after open timeout error: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", resp.Text)
	}
}
