package models

// ModelPricing holds per-million-token prices in USD for one model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million" mapstructure:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" mapstructure:"output_per_million"`
}

// Cost returns the USD cost for the given token counts.
func (p ModelPricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1_000_000*p.InputPerMillion +
		float64(tokensOut)/1_000_000*p.OutputPerMillion
}

// PricingTable maps model names to pricing. The "default" entry, when
// present, is the fallback for models without their own row.
type PricingTable map[string]ModelPricing

// DefaultModelKey is the fallback row in a pricing table.
const DefaultModelKey = "default"

// For returns the pricing for a model, falling back to the table's default
// row. The second return is false when neither the model nor a default row
// exists.
func (t PricingTable) For(model string) (ModelPricing, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}
	if p, ok := t[DefaultModelKey]; ok {
		return p, true
	}
	return ModelPricing{}, false
}

// Merge overlays other onto a copy of t and returns the result. Rows in
// other win on conflict; neither input is mutated.
func (t PricingTable) Merge(other PricingTable) PricingTable {
	merged := make(PricingTable, len(t)+len(other))
	for model, p := range t {
		merged[model] = p
	}
	for model, p := range other {
		merged[model] = p
	}
	return merged
}
