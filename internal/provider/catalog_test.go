package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

func testCatalog() *Catalog {
	return NewCatalog([]types.ModelInfo{
		{Name: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
		{Name: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
		{Name: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	})
}

func TestCatalogLookup_ExactBeatsWildcard(t *testing.T) {
	c := testCatalog()
	m, ok := c.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 0.005, m.InputCostPer1K)
}

func TestCatalogLookup_LongestWildcardWins(t *testing.T) {
	c := testCatalog()

	m, ok := c.Lookup("gpt-4-turbo-2024")
	require.True(t, ok)
	assert.Equal(t, 0.01, m.InputCostPer1K)

	m, ok = c.Lookup("gpt-4-vision")
	require.True(t, ok)
	assert.Equal(t, 0.03, m.InputCostPer1K)
}

func TestCatalogLookup_CaseInsensitive(t *testing.T) {
	c := testCatalog()
	_, ok := c.Lookup("GPT-4O")
	assert.True(t, ok)
}

func TestCatalogEstimateCost(t *testing.T) {
	c := testCatalog()

	// 1000 in at 0.005 + 2000 out at 0.015.
	cost := c.EstimateCost("gpt-4o", 1000, 2000)
	assert.InDelta(t, 0.035, cost, 1e-9)

	assert.Zero(t, c.EstimateCost("unknown-model", 1000, 1000))
}

func TestCatalogSupports(t *testing.T) {
	c := testCatalog()
	assert.True(t, c.Supports("gpt-4-anything"))
	assert.False(t, c.Supports("claude-3"))
}
