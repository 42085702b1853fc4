package graph

import "sync"

// ModelPrice is the cost per million tokens for one model.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the hosted models this project routes to. Models
// not listed (local inference servers in particular) cost zero.
var defaultPricing = map[string]ModelPrice{
	"gpt-4o":                    {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":               {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"claude-sonnet-4-20250514":  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku-20241022": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gemini-2.0-flash":          {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"gemini-1.5-pro":            {InputPerMTok: 1.25, OutputPerMTok: 5.00},
}

// ModelUsage accumulates token counts and estimated cost for one model.
type ModelUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int64   `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostTracker aggregates LLM token usage across a run. Safe for
// concurrent use. A nil tracker ignores all calls.
type CostTracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPrice
	byModel map[string]*ModelUsage
}

// NewCostTracker returns a tracker with the built-in pricing table.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		pricing: defaultPricing,
		byModel: make(map[string]*ModelUsage),
	}
}

// SetPrice overrides or adds pricing for a model.
func (t *CostTracker) SetPrice(model string, price ModelPrice) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = price
}

// Add records one completion's token usage.
func (t *CostTracker) Add(model string, inputTokens, outputTokens int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byModel[model]
	if !ok {
		u = &ModelUsage{}
		t.byModel[model] = u
	}
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.Calls++
	price := t.pricing[model]
	u.CostUSD += float64(inputTokens)/1e6*price.InputPerMTok +
		float64(outputTokens)/1e6*price.OutputPerMTok
}

// Summary returns a copy of the per-model usage.
func (t *CostTracker) Summary() map[string]ModelUsage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelUsage, len(t.byModel))
	for model, u := range t.byModel {
		out[model] = *u
	}
	return out
}

// TotalUSD returns the estimated cost across all models.
func (t *CostTracker) TotalUSD() float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, u := range t.byModel {
		total += u.CostUSD
	}
	return total
}
