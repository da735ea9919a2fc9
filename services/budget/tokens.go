package budget

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// fallbackEncoding is used for models tiktoken has no mapping for
const fallbackEncoding = "cl100k_base"

// TokenCounter counts prompt tokens for cost estimation before dispatch.
// Encoders are resolved per model and cached; models without a known
// encoding fall back to cl100k_base, and when even that fails a chars/4
// heuristic keeps estimation working.
type TokenCounter struct {
	cache  *encoderCache
	logger *zap.Logger
}

// NewTokenCounter creates a new TokenCounter instance.
// A nil logger is replaced with a no-op logger.
func NewTokenCounter(logger *zap.Logger) *TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCounter{
		cache:  newEncoderCache(64),
		logger: logger,
	}
}

// Count returns the number of tokens in text for the given model
func (t *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}

	enc := t.cache.Get(model)
	if enc == nil {
		enc = t.resolve(model)
	}
	if enc == nil {
		// No encoder at all; approximate at ~4 characters per token
		return len(text) / 4
	}

	return len(enc.Encode(text, nil, nil))
}

// resolve looks up the encoder for a model and caches the result
func (t *TokenCounter) resolve(model string) *tiktoken.Tiktoken {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		t.logger.Debug("no encoding for model, using fallback",
			zap.String("model", model),
			zap.String("fallback", fallbackEncoding))
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
	}

	t.cache.Set(model, enc)
	return enc
}

// Stats returns encoder cache statistics
func (t *TokenCounter) Stats() CacheStats {
	return t.cache.Stats()
}
