package quota

import "strings"

// Pricing is the USD price per 1000 tokens.
type Pricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k"`
}

const fallbackModel = "gpt-4o-mini"

var modelPricing = map[string]Pricing{
	"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-4o":        {PromptPer1K: 0.005, CompletionPer1K: 0.015},
	"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-4":         {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-35-turbo":  {PromptPer1K: 0.0015, CompletionPer1K: 0.002},
	"gpt-3.5-turbo": {PromptPer1K: 0.0015, CompletionPer1K: 0.002},
}

// PricingForModel returns the list price for a model name. Dated or
// deployment suffixed names match their base model; unknown models are
// priced as gpt-4o-mini.
func PricingForModel(model string) Pricing {
	name := strings.ToLower(strings.TrimSpace(model))
	if p, ok := modelPricing[name]; ok {
		return p
	}
	best := ""
	for known := range modelPricing {
		if strings.HasPrefix(name, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best != "" {
		return modelPricing[best]
	}
	return modelPricing[fallbackModel]
}

// Cost prices a prompt and completion token count separately.
func (p Pricing) Cost(prompt, completion int64) (float64, float64) {
	return float64(prompt) / 1000 * p.PromptPer1K, float64(completion) / 1000 * p.CompletionPer1K
}
