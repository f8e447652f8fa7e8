// Package anthropic implements the Anthropic Messages API adapter.
package anthropic

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
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is sent in the anthropic-version header.
	APIVersion = "2023-06-01"

	// defaultMaxTokens applies when the request leaves MaxTokens unset;
	// the Messages API requires an explicit value.
	defaultMaxTokens = 4096
)

// DefaultModels is the built-in catalog. Prices are USD per 1000 tokens.
var DefaultModels = []types.ModelInfo{
	{Name: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015, MaxContextTokens: 200000},
	{Name: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075, MaxContextTokens: 200000},
	{Name: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125, MaxContextTokens: 200000},
}

// Adapter implements the Anthropic API adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	catalog *provider.Catalog
	client  *http.Client
}

// New creates a new Anthropic adapter instance.
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
		types.CapabilityCodeGeneration,
		types.CapabilityChat,
		types.CapabilityStreaming,
	}
}

// Models returns the provider's model catalog.
func (a *Adapter) Models() []types.ModelInfo { return a.catalog.List() }

// SupportsModel checks if the adapter serves the given model.
func (a *Adapter) SupportsModel(model string) bool { return a.catalog.Supports(model) }

// messagesRequest is the Anthropic Messages API wire format.
type messagesRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	System        string        `json:"system,omitempty"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// streamEvent covers the SSE event payloads we care about:
// content_block_delta carries text, message_delta carries the stop
// reason and final usage.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
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
	// Wildcard defaults cannot be sent on the wire.
	return strings.TrimSuffix(m.Name, "*"), nil
}

func (a *Adapter) buildRequest(ctx context.Context, req *types.Request, model string, stream bool) (*http.Request, error) {
	wire := messagesRequest{
		Model:         model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	// Anthropic takes the system prompt as a top-level field, not a
	// message role.
	for _, m := range req.Messages {
		if m.Role == "system" {
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += m.Content
			continue
		}
		wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

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

	var wire messagesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, muxerrors.NewServerError(a.name, model, http.StatusBadGateway, "unmarshal response: "+err.Error())
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := types.TokenUsage{
		Input:  wire.Usage.InputTokens,
		Output: wire.Usage.OutputTokens,
		Total:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
	}

	return &types.Response{
		ID:             wire.ID,
		RequestID:      req.ID,
		Model:          wire.Model,
		ProviderID:     a.name,
		Content:        content.String(),
		Usage:          usage,
		FinishReason:   mapStopReason(wire.StopReason),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Cost:           a.catalog.EstimateCost(model, usage.Input, usage.Output),
	}, nil
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

// parseStreamChunk parses a single SSE line from Anthropic.
func (a *Adapter) parseStreamChunk(model string, line []byte) (*types.StreamChunk, error) {
	if bytes.HasPrefix(line, []byte("event:")) {
		return nil, nil
	}
	payload := provider.DataPayload(line)
	if len(payload) == 0 {
		return nil, nil
	}

	var ev streamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return nil, nil
		}
		return &types.StreamChunk{
			Content: ev.Delta.Text,
			Tokens:  len(ev.Delta.Text) / 4,
		}, nil
	case "message_delta":
		chunk := &types.StreamChunk{
			Done:         true,
			FinishReason: mapStopReason(ev.Delta.StopReason),
		}
		if ev.Usage.OutputTokens > 0 {
			chunk.Usage = &types.TokenUsage{
				Input:  ev.Usage.InputTokens,
				Output: ev.Usage.OutputTokens,
				Total:  ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
			chunk.Cost = a.catalog.EstimateCost(model, ev.Usage.InputTokens, ev.Usage.OutputTokens)
		}
		return chunk, nil
	default:
		// message_start, content_block_start, ping and friends.
		return nil, nil
	}
}

// HealthProbe issues a minimal one-token request. Anthropic has no
// cheap listing endpoint usable with every key.
func (a *Adapter) HealthProbe(ctx context.Context) (*types.ProbeResult, error) {
	probe := &types.Request{
		ID:        "probe",
		Messages:  []types.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	model, err := a.resolveModel(probe)
	if err != nil {
		return &types.ProbeResult{Healthy: false, Details: err.Error()}, nil
	}

	httpReq, err := a.buildRequest(ctx, probe, model, false)
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

// mapError converts an Anthropic error response to a canonical error.
func (a *Adapter) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch errResp.Error.Type {
	case "overloaded_error":
		return muxerrors.NewServerError(a.name, model, http.StatusServiceUnavailable, message)
	case "invalid_request_error":
		if statusCode == http.StatusBadRequest {
			return muxerrors.NewInvalidRequest(a.name, model, message)
		}
	}
	return muxerrors.FromStatusCode(a.name, model, statusCode, message)
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return reason
	}
}
