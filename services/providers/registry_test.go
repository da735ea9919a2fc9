package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeProvider is a minimal Provider for registry and breaker tests
type fakeProvider struct {
	name     string
	models   []string
	generate func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

func newFakeProvider(name string, models ...string) *fakeProvider {
	return &fakeProvider{name: name, models: models}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if f.generate != nil {
		return f.generate(ctx, req)
	}
	return &GenerateResponse{Text: "ok", Model: req.Model, Provider: f.name}, nil
}

func (f *fakeProvider) IsAvailable(ctx context.Context) bool { return true }

func (f *fakeProvider) EstimateCost(model string, tokensIn, maxTokens int) float64 { return 0.01 }

func (f *fakeProvider) ValidateModel(model string) error {
	for _, m := range f.models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %s not supported", model)
}

func (f *fakeProvider) ListModels() []string { return f.models }

func TestRegistry_RegisterProvider(t *testing.T) {
	reg := NewRegistry()

	if err := reg.RegisterProvider(newFakeProvider("alpha", "alpha-1")); err != nil {
		t.Fatalf("RegisterProvider() error: %v", err)
	}

	if err := reg.RegisterProvider(newFakeProvider("alpha", "alpha-2")); !errors.Is(err, ErrProviderAlreadyRegistered) {
		t.Errorf("duplicate registration error = %v, want ErrProviderAlreadyRegistered", err)
	}

	if err := reg.RegisterProvider(nil); err == nil {
		t.Error("nil provider should be rejected")
	}

	if reg.ProviderCount() != 1 {
		t.Errorf("ProviderCount() = %d, want 1", reg.ProviderCount())
	}
}

func TestRegistry_GetProvider(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterProvider(newFakeProvider("alpha", "alpha-1"))

	p, err := reg.GetProvider("alpha")
	if err != nil {
		t.Fatalf("GetProvider() error: %v", err)
	}
	if p.Name() != "alpha" {
		t.Errorf("Name() = %s, want alpha", p.Name())
	}

	if _, err := reg.GetProvider("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("error = %v, want ErrProviderNotFound", err)
	}
}

func TestRegistry_GetProviderForModel(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterProvider(newFakeProvider("alpha", "alpha-1", "alpha-2"))
	reg.RegisterProvider(newFakeProvider("beta", "beta-1"))

	t.Run("registered model", func(t *testing.T) {
		p, err := reg.GetProviderForModel("beta-1")
		if err != nil {
			t.Fatalf("GetProviderForModel() error: %v", err)
		}
		if p.Name() != "beta" {
			t.Errorf("resolved %s, want beta", p.Name())
		}
	})

	t.Run("prefix mapping", func(t *testing.T) {
		prefixed := NewRegistry()
		prefixed.RegisterProvider(newFakeProvider("alpha", "alpha-1", "alpha-new"))
		if err := prefixed.RegisterModelPrefix("alpha-", "alpha"); err != nil {
			t.Fatalf("RegisterModelPrefix() error: %v", err)
		}

		p, err := prefixed.GetProviderForModel("alpha-new")
		if err != nil {
			t.Fatalf("GetProviderForModel() error: %v", err)
		}
		if p.Name() != "alpha" {
			t.Errorf("resolved %s, want alpha", p.Name())
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		if _, err := reg.GetProviderForModel("nothing-9000"); !errors.Is(err, ErrModelNotSupported) {
			t.Errorf("error = %v, want ErrModelNotSupported", err)
		}
	})
}

func TestRegistry_ListModels(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterProvider(newFakeProvider("alpha", "alpha-1", "alpha-2"))
	reg.RegisterProvider(newFakeProvider("beta", "beta-1"))

	models := reg.ListModels()
	if len(models) != 3 {
		t.Errorf("ListModels() returned %d models, want 3", len(models))
	}

	if err := reg.ValidateModel("alpha-2"); err != nil {
		t.Errorf("ValidateModel(alpha-2) error: %v", err)
	}
	if err := reg.ValidateModel("gamma-1"); err == nil {
		t.Error("ValidateModel(gamma-1) should fail")
	}
}

func TestRegistryBuilder(t *testing.T) {
	t.Run("builds configured providers", func(t *testing.T) {
		reg, err := NewRegistryBuilder().
			WithProviderBuilder("alpha", func(config Config) (Provider, error) {
				return newFakeProvider("alpha", "alpha-1"), nil
			}).
			WithProviderBuilder("beta", func(config Config) (Provider, error) {
				return newFakeProvider("beta", "beta-1"), nil
			}).
			WithModelPrefix("alpha-", "alpha").
			Build(map[string]Config{
				"alpha": {APIKey: "k1"},
			})
		if err != nil {
			t.Fatalf("Build() error: %v", err)
		}

		// Only configured providers are built
		if reg.ProviderCount() != 1 {
			t.Errorf("ProviderCount() = %d, want 1", reg.ProviderCount())
		}
		if _, err := reg.GetProvider("beta"); !errors.Is(err, ErrProviderNotFound) {
			t.Errorf("beta should not be built, got %v", err)
		}
	})

	t.Run("unknown provider name", func(t *testing.T) {
		_, err := NewRegistryBuilder().Build(map[string]Config{
			"mystery": {APIKey: "k"},
		})
		if err == nil {
			t.Error("expected error for provider without a builder")
		}
	})

	t.Run("builder failure propagates", func(t *testing.T) {
		_, err := NewRegistryBuilder().
			WithProviderBuilder("alpha", func(config Config) (Provider, error) {
				return nil, errors.New("bad credentials")
			}).
			Build(map[string]Config{"alpha": {}})
		if err == nil {
			t.Error("expected builder error to propagate")
		}
	})
}
