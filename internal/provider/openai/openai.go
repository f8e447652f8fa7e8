// Package openai implements the OpenAI provider adapter.
// It serves as the reference implementation for other provider adapters.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/httputil"
	"github.com/blueberrycongee/relaymux/internal/provider"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// ProviderName is the default identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// DefaultModels is the built-in catalog used when configuration does
// not override it. Prices are USD per 1000 tokens.
var DefaultModels = []types.ModelInfo{
	{Name: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015, MaxContextTokens: 128000},
	{Name: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, MaxContextTokens: 128000},
	{Name: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03, MaxContextTokens: 128000},
	{Name: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06, MaxContextTokens: 8192},
	{Name: "gpt-3.5-turbo", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015, MaxContextTokens: 16385},
}

// Adapter implements the OpenAI API adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	catalog *provider.Catalog
	client  *http.Client
	headers map[string]string
}

// New creates a new OpenAI adapter instance.
func New(cfg provider.Config) (provider.Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	name := cfg.Name
	if name == "" {
		name = ProviderName
	}

	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	return &Adapter{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		catalog: provider.NewCatalog(models),
		client:  &http.Client{Timeout: timeout},
		headers: cfg.Headers,
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return a.name }

// Capabilities returns the feature tags this provider advertises.
func (a *Adapter) Capabilities() []types.Capability {
	return []types.Capability{
		types.CapabilityTextGeneration,
		types.CapabilityCodeGeneration,
		types.CapabilityChat,
		types.CapabilityStreaming,
	}
}

// Models returns the provider's model catalog.
func (a *Adapter) Models() []types.ModelInfo { return a.catalog.List() }

// SupportsModel checks if the adapter serves the given model.
func (a *Adapter) SupportsModel(model string) bool { return a.catalog.Supports(model) }

// chatRequest is the OpenAI chat completions wire format.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

func (a *Adapter) resolveModel(req *types.Request) (string, error) {
	if req.ModelHint != "" {
		if !a.catalog.Supports(req.ModelHint) {
			return "", muxerrors.NewNotFound(a.name, req.ModelHint, "model not in catalog")
		}
		return req.ModelHint, nil
	}
	m, ok := a.catalog.Default()
	if !ok {
		return "", muxerrors.NewNotFound(a.name, "", "empty model catalog")
	}
	return m.Name, nil
}

func (a *Adapter) buildRequest(ctx context.Context, req *types.Request, model string, stream bool) (*http.Request, error) {
	wire := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := a.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// Execute performs one buffered completion round trip.
func (a *Adapter) Execute(ctx context.Context, req *types.Request) (*types.Response, error) {
	model, err := a.resolveModel(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.buildRequest(ctx, req, model, false)
	if err != nil {
		return nil, muxerrors.NewInvalidRequest(a.name, model, err.Error())
	}

	start := time.Now()
	resp, err := provider.DoWithReset(a.client, httpReq)
	if err != nil {
		return nil, provider.MapTransportError(a.name, err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, muxerrors.NewNetwork(a.name, "read response: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, a.mapError(resp.StatusCode, model, body)
	}

	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, muxerrors.NewServerError(a.name, model, http.StatusBadGateway, "unmarshal response: "+err.Error())
	}
	if len(wire.Choices) == 0 {
		return nil, muxerrors.NewServerError(a.name, model, http.StatusBadGateway, "response has no choices")
	}

	out := &types.Response{
		ID:             wire.ID,
		RequestID:      req.ID,
		Model:          wire.Model,
		ProviderID:     a.name,
		Content:        wire.Choices[0].Message.Content,
		FinishReason:   wire.Choices[0].FinishReason,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if wire.Usage != nil {
		out.Usage = types.TokenUsage{
			Input:  wire.Usage.PromptTokens,
			Output: wire.Usage.CompletionTokens,
			Total:  wire.Usage.TotalTokens,
		}
		out.Cost = a.catalog.EstimateCost(model, out.Usage.Input, out.Usage.Output)
	}
	return out, nil
}

// Stream performs one streaming round trip.
func (a *Adapter) Stream(ctx context.Context, req *types.Request) (provider.ChunkStream, error) {
	model, err := a.resolveModel(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.buildRequest(ctx, req, model, true)
	if err != nil {
		return nil, muxerrors.NewInvalidRequest(a.name, model, err.Error())
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := provider.DoWithReset(a.client, httpReq)
	if err != nil {
		return nil, provider.MapTransportError(a.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
		resp.Body.Close()
		return nil, a.mapError(resp.StatusCode, model, body)
	}

	return provider.NewSSEStream(resp.Body, func(line []byte) (*types.StreamChunk, error) {
		return a.parseStreamChunk(model, line)
	}), nil
}

// parseStreamChunk parses a single SSE line from OpenAI.
func (a *Adapter) parseStreamChunk(model string, line []byte) (*types.StreamChunk, error) {
	payload := provider.DataPayload(line)
	if len(payload) == 0 {
		return nil, nil
	}

	var wire streamChunk
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}

	out := &types.StreamChunk{}
	if len(wire.Choices) > 0 {
		out.Content = wire.Choices[0].Delta.Content
		out.Tokens = len(out.Content) / 4
		if fr := wire.Choices[0].FinishReason; fr != "" {
			out.Done = true
			out.FinishReason = fr
		}
	}
	if wire.Usage != nil {
		out.Done = true
		out.Usage = &types.TokenUsage{
			Input:  wire.Usage.PromptTokens,
			Output: wire.Usage.CompletionTokens,
			Total:  wire.Usage.TotalTokens,
		}
		out.Cost = a.catalog.EstimateCost(model, wire.Usage.PromptTokens, wire.Usage.CompletionTokens)
	}
	if out.Content == "" && !out.Done {
		return nil, nil
	}
	return out, nil
}

// HealthProbe issues a lightweight models listing.
func (a *Adapter) HealthProbe(ctx context.Context) (*types.ProbeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &types.ProbeResult{Healthy: false, Latency: latency, Details: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &types.ProbeResult{
			Healthy: false,
			Latency: latency,
			Details: fmt.Sprintf("status %d", resp.StatusCode),
		}, nil
	}
	return &types.ProbeResult{Healthy: true, Latency: latency}, nil
}

// mapError converts an OpenAI error response to a canonical error.
func (a *Adapter) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	if errResp.Error.Code == "content_policy_violation" {
		return muxerrors.NewUnprocessable(a.name, model, message)
	}
	return muxerrors.FromStatusCode(a.name, model, statusCode, message)
}
