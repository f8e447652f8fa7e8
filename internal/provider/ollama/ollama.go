// Package ollama implements the local self-hosted runtime adapter.
// Ollama serves an OpenAI-compatible API, so this adapter reuses the
// OpenAI wire handling with a local endpoint and no authentication.
package ollama

import (
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/provider/openai"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// ProviderName is the default identifier for this provider.
	ProviderName = "ollama"

	// DefaultBaseURL is the default local Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434/v1"
)

// DefaultModels lists common local models. Self-hosted inference has
// no per-token price, which the cost score rewards.
var DefaultModels = []types.ModelInfo{
	{Name: "llama3.1*", MaxContextTokens: 131072},
	{Name: "llama3.2*", MaxContextTokens: 131072},
	{Name: "mistral*", MaxContextTokens: 32768},
	{Name: "codellama*", MaxContextTokens: 16384},
	{Name: "qwen2.5*", MaxContextTokens: 131072},
}

// New creates a new Ollama adapter instance.
func New(cfg provider.Config) (provider.Adapter, error) {
	if cfg.Name == "" {
		cfg.Name = ProviderName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
	return openai.New(cfg)
}
