package provider

import (
	"strings"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Catalog resolves model pricing for one provider, supporting trailing
// "*" wildcards in model names (e.g. "gpt-4*").
type Catalog struct {
	models  map[string]types.ModelInfo
	ordered []types.ModelInfo
}

// NewCatalog builds a catalog from the given model list. Input order
// is preserved; the first concrete entry acts as the default model.
func NewCatalog(models []types.ModelInfo) *Catalog {
	c := &Catalog{
		models:  make(map[string]types.ModelInfo, len(models)),
		ordered: append([]types.ModelInfo(nil), models...),
	}
	for _, m := range models {
		c.models[m.Name] = m
	}
	return c
}

// Default returns the first non-wildcard entry, falling back to the
// first entry of any kind.
func (c *Catalog) Default() (types.ModelInfo, bool) {
	for _, m := range c.ordered {
		if !strings.HasSuffix(m.Name, "*") {
			return m, true
		}
	}
	if len(c.ordered) > 0 {
		return c.ordered[0], true
	}
	return types.ModelInfo{}, false
}

// Lookup finds catalog info for a model. Exact matches win; otherwise
// the longest matching wildcard prefix is used.
func (c *Catalog) Lookup(model string) (types.ModelInfo, bool) {
	for name, m := range c.models {
		if strings.EqualFold(name, model) {
			return m, true
		}
	}

	modelLower := strings.ToLower(model)
	var best *types.ModelInfo
	bestLen := -1
	for name, m := range c.models {
		if !strings.HasSuffix(name, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(name, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			mCopy := m
			best = &mCopy
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}
	return types.ModelInfo{}, false
}

// Supports reports whether any catalog entry matches the model.
func (c *Catalog) Supports(model string) bool {
	_, ok := c.Lookup(model)
	return ok
}

// EstimateCost returns the USD cost for the given token counts, or 0
// when the model is unknown.
func (c *Catalog) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	m, ok := c.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000.0*m.InputCostPer1K +
		float64(outputTokens)/1000.0*m.OutputCostPer1K
}

// List returns the catalog entries in registration order.
func (c *Catalog) List() []types.ModelInfo {
	return append([]types.ModelInfo(nil), c.ordered...)
}
