// Package pricing computes the in-memory, emit-time cost estimate used by
// the proxy handler. The canonical cost is recomputed by the store's views
// at read time; this package's numbers are informational only (see
// SPEC_FULL.md §12).
package pricing

import "sync"

// Rate holds per-one-million-token USD rates for a single model.
type Rate struct {
	PromptPer1M         float64
	CachedPromptPer1M   *float64
	CompletionPer1M     float64
}

// Table is a concurrency-safe model -> Rate lookup with a default fallback.
type Table struct {
	mu      sync.RWMutex
	models  map[string]Rate
	deflt   Rate
}

// NewTable builds a pricing table seeded with defaultRate and an initial
// set of per-model overrides.
func NewTable(defaultRate Rate, models map[string]Rate) *Table {
	t := &Table{
		models: make(map[string]Rate, len(models)),
		deflt:  defaultRate,
	}
	for k, v := range models {
		t.models[k] = v
	}
	return t
}

// Set installs or replaces the rate for a model.
func (t *Table) Set(model string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[model] = rate
}

// RateFor returns the configured rate for model, or the table's default
// when no specific entry exists.
func (t *Table) RateFor(model string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.models[model]; ok {
		return r
	}
	return t.deflt
}

// HasModel reports whether model has an administratively-entered rate, as
// opposed to falling back to the table's default rate.
func (t *Table) HasModel(model string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.models[model]
	return ok
}

// RateFromModelCost converts models.dev's USD-per-token figures into the
// table's USD-per-one-million-token convention.
func RateFromModelCost(mc ModelCost) Rate {
	rate := Rate{
		PromptPer1M:     mc.Input * 1_000_000,
		CompletionPer1M: mc.Output * 1_000_000,
	}
	if mc.CacheRead > 0 {
		rate.CachedPromptPer1M = ptr(mc.CacheRead * 1_000_000)
	}
	return rate
}

// Cost applies the §3 cost formula: uncached and cached prompt tokens are
// billed at their respective rates (cached falling back to the prompt rate
// when no discount is configured), completion tokens at the completion
// rate, all rates expressed per one million tokens.
func Cost(rate Rate, promptTokens, cachedPromptTokens, completionTokens uint64) float64 {
	cached := cachedPromptTokens
	if cached > promptTokens {
		cached = promptTokens
	}
	uncached := promptTokens - cached

	cachedRate := rate.PromptPer1M
	if rate.CachedPromptPer1M != nil {
		cachedRate = *rate.CachedPromptPer1M
	}

	promptCost := float64(uncached)*rate.PromptPer1M + float64(cached)*cachedRate
	completionCost := float64(completionTokens) * rate.CompletionPer1M
	return (promptCost + completionCost) / 1_000_000.0
}

// CostForModel looks up model's rate in t and applies Cost.
func (t *Table) CostForModel(model string, promptTokens, cachedPromptTokens, completionTokens uint64) float64 {
	return Cost(t.RateFor(model), promptTokens, cachedPromptTokens, completionTokens)
}

func ptr(f float64) *float64 { return &f }

// DefaultTable mirrors the original tool's seeded per-1K rates converted to
// per-1M, plus an across-the-board default for unknown models.
func DefaultTable() *Table {
	deflt := Rate{PromptPer1M: 10.0, CompletionPer1M: 30.0}
	models := map[string]Rate{
		"gpt-4.1":                {PromptPer1M: 2.0, CachedPromptPer1M: ptr(0.5), CompletionPer1M: 8.0},
		"gpt-4.1-mini":            {PromptPer1M: 0.40, CachedPromptPer1M: ptr(0.10), CompletionPer1M: 1.60},
		"gpt-4.1-nano":            {PromptPer1M: 0.10, CachedPromptPer1M: ptr(0.025), CompletionPer1M: 0.40},
		"gpt-4o-2024-08-06":       {PromptPer1M: 2.50, CachedPromptPer1M: ptr(1.25), CompletionPer1M: 10.0},
		"gpt-4o-mini-2024-07-18":  {PromptPer1M: 0.15, CachedPromptPer1M: ptr(0.075), CompletionPer1M: 0.60},
		"o4-mini":                 {PromptPer1M: 4.0, CachedPromptPer1M: ptr(1.0), CompletionPer1M: 16.0},
		"gpt-5.1":                 {PromptPer1M: 1.25, CachedPromptPer1M: ptr(0.125), CompletionPer1M: 10.0},
		"gpt-5.1-codex":           {PromptPer1M: 1.25, CachedPromptPer1M: ptr(0.125), CompletionPer1M: 10.0},
	}
	return NewTable(deflt, models)
}
