// Package gemini implements the Google Generative Language API adapter.
package gemini

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
	ProviderName = "gemini"

	// DefaultBaseURL is the default Generative Language endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// DefaultModels is the built-in catalog. Prices are USD per 1000 tokens.
var DefaultModels = []types.ModelInfo{
	{Name: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005, MaxContextTokens: 2000000},
	{Name: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003, MaxContextTokens: 1000000},
	{Name: "gemini-pro*", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015, MaxContextTokens: 32768},
}

// Adapter implements the Gemini API adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	catalog *provider.Catalog
	client  *http.Client
}

// New creates a new Gemini adapter instance.
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

	return &Adapter{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		catalog: provider.NewCatalog(models),
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return a.name }

// Capabilities returns the feature tags this provider advertises.
func (a *Adapter) Capabilities() []types.Capability {
	return []types.Capability{
		types.CapabilityTextGeneration,
		types.CapabilityChat,
		types.CapabilityStreaming,
	}
}

// Models returns the provider's model catalog.
func (a *Adapter) Models() []types.ModelInfo { return a.catalog.List() }

// SupportsModel checks if the adapter serves the given model.
func (a *Adapter) SupportsModel(model string) bool { return a.catalog.Supports(model) }

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
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
	return strings.TrimSuffix(m.Name, "*"), nil
}

func (a *Adapter) buildRequest(ctx context.Context, req *types.Request, model string, stream bool) (*http.Request, error) {
	wire := generateRequest{}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &content{}
			}
			wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts, part{Text: m.Content})
		case "assistant":
			wire.Contents = append(wire.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			wire.Contents = append(wire.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil || len(req.Stop) > 0 {
		wire.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			StopSequences:   req.Stop,
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	verb := "generateContent"
	query := "?key=" + a.apiKey
	if stream {
		verb = "streamGenerateContent"
		query += "&alt=sse"
	}
	url := fmt.Sprintf("%s/models/%s:%s%s", a.baseURL, model, verb, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var wire generateResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, muxerrors.NewServerError(a.name, model, http.StatusBadGateway, "unmarshal response: "+err.Error())
	}
	if len(wire.Candidates) == 0 {
		return nil, muxerrors.NewUnprocessable(a.name, model, "response has no candidates")
	}

	var text strings.Builder
	for _, p := range wire.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	out := &types.Response{
		RequestID:      req.ID,
		Model:          model,
		ProviderID:     a.name,
		Content:        text.String(),
		FinishReason:   mapFinishReason(wire.Candidates[0].FinishReason),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if wire.UsageMetadata != nil {
		out.Usage = types.TokenUsage{
			Input:  wire.UsageMetadata.PromptTokenCount,
			Output: wire.UsageMetadata.CandidatesTokenCount,
			Total:  wire.UsageMetadata.TotalTokenCount,
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

// parseStreamChunk parses a single SSE line. Gemini streams the same
// candidate shape as the buffered response, one delta per event.
func (a *Adapter) parseStreamChunk(model string, line []byte) (*types.StreamChunk, error) {
	payload := provider.DataPayload(line)
	if len(payload) == 0 {
		return nil, nil
	}

	var wire generateResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, nil
	}

	var text strings.Builder
	for _, p := range wire.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	out := &types.StreamChunk{
		Content: text.String(),
		Tokens:  text.Len() / 4,
	}
	if fr := wire.Candidates[0].FinishReason; fr != "" {
		out.Done = true
		out.FinishReason = mapFinishReason(fr)
	}
	if wire.UsageMetadata != nil && out.Done {
		out.Usage = &types.TokenUsage{
			Input:  wire.UsageMetadata.PromptTokenCount,
			Output: wire.UsageMetadata.CandidatesTokenCount,
			Total:  wire.UsageMetadata.TotalTokenCount,
		}
		out.Cost = a.catalog.EstimateCost(model, out.Usage.Input, out.Usage.Output)
	}
	if out.Content == "" && !out.Done {
		return nil, nil
	}
	return out, nil
}

// HealthProbe issues a models listing.
func (a *Adapter) HealthProbe(ctx context.Context) (*types.ProbeResult, error) {
	url := a.baseURL + "/models?key=" + a.apiKey
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
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

// mapError converts a Google API error response to a canonical error.
func (a *Adapter) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	if errResp.Error.Status == "RESOURCE_EXHAUSTED" {
		return muxerrors.NewRateLimited(a.name, message, 0)
	}
	return muxerrors.FromStatusCode(a.name, model, statusCode, message)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}
