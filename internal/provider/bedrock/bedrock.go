// Package bedrock implements the AWS Bedrock provider adapter.
// Requests are SigV4-signed and streaming responses arrive as AWS
// event-stream frames, decoded and re-exposed as SSE lines.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/httputil"
	"github.com/blueberrycongee/relaymux/internal/provider"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// ProviderName is the default identifier for this provider.
	ProviderName = "bedrock"

	// DefaultRegion is used when neither config nor environment set one.
	DefaultRegion = "us-east-1"

	// signingService is the SigV4 service name for the runtime API.
	signingService = "bedrock"
)

// DefaultModels is the built-in catalog. Prices are USD per 1000 tokens.
var DefaultModels = []types.ModelInfo{
	{Name: "anthropic.claude-3-5-sonnet-20240620-v1:0", InputCostPer1K: 0.003, OutputCostPer1K: 0.015, MaxContextTokens: 200000},
	{Name: "anthropic.claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015, MaxContextTokens: 200000},
	{Name: "anthropic.claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125, MaxContextTokens: 200000},
	{Name: "meta.llama3*", InputCostPer1K: 0.0002, OutputCostPer1K: 0.0002, MaxContextTokens: 8192},
}

// Adapter implements the AWS Bedrock runtime adapter.
type Adapter struct {
	name    string
	awsCfg  aws.Config
	region  string
	baseURL string
	catalog *provider.Catalog
	client  *http.Client
}

// New creates a new Bedrock adapter. Credentials come from the
// standard AWS chain; an APIKey of the form "accessKey:secretKey"
// overrides it with static credentials.
func New(cfg provider.Config) (provider.Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if parts := strings.SplitN(cfg.APIKey, ":", 2); len(parts) == 2 && parts[0] != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(parts[0], parts[1], "")
	}

	region := cfg.Region
	if region == "" {
		region = awsCfg.Region
	}
	if region == "" {
		region = DefaultRegion
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
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
		awsCfg:  awsCfg,
		region:  region,
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

// claudePayload is the native Anthropic body for anthropic.* models.
type claudePayload struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	StopSequences    []string      `json:"stop_sequences,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// llamaPayload is the native body for meta.llama* models.
type llamaPayload struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
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

func (a *Adapter) constructPayload(req *types.Request, model string) (any, error) {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		payload := &claudePayload{
			AnthropicVersion: "bedrock-2023-05-31",
			MaxTokens:        req.MaxTokens,
			Temperature:      req.Temperature,
			StopSequences:    req.Stop,
		}
		if payload.MaxTokens <= 0 {
			payload.MaxTokens = 2048
		}
		for _, m := range req.Messages {
			if m.Role == "system" {
				if payload.System != "" {
					payload.System += "\n"
				}
				payload.System += m.Content
				continue
			}
			payload.Messages = append(payload.Messages, wireMessage{Role: m.Role, Content: m.Content})
		}
		return payload, nil

	case strings.HasPrefix(model, "meta.llama"):
		var prompt strings.Builder
		prompt.WriteString("<|begin_of_text|>")
		for _, m := range req.Messages {
			fmt.Fprintf(&prompt, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
		}
		prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

		payload := &llamaPayload{
			Prompt:      prompt.String(),
			MaxGenLen:   req.MaxTokens,
			Temperature: req.Temperature,
		}
		if payload.MaxGenLen <= 0 {
			payload.MaxGenLen = 512
		}
		return payload, nil

	default:
		return nil, muxerrors.NewNotFound(a.name, model, "unsupported model family")
	}
}

// buildRequest marshals the payload and SigV4-signs the HTTP request.
func (a *Adapter) buildRequest(ctx context.Context, req *types.Request, model string, stream bool) (*http.Request, error) {
	payload, err := a.constructPayload(req, model)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	verb := "invoke"
	if stream {
		verb = "invoke-with-response-stream"
	}
	url := fmt.Sprintf("%s/model/%s/%s", a.baseURL, model, verb)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	creds, err := a.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}

	payloadHash := sha256.Sum256(body)
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(payloadHash[:]),
		signingService, a.region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return httpReq, nil
}

// Execute performs one buffered invoke round trip.
func (a *Adapter) Execute(ctx context.Context, req *types.Request) (*types.Response, error) {
	model, err := a.resolveModel(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.buildRequest(ctx, req, model, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
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

	out, err := a.parseInvokeBody(model, body)
	if err != nil {
		return nil, err
	}
	out.RequestID = req.ID
	out.ResponseTimeMs = time.Since(start).Milliseconds()
	return out, nil
}

func (a *Adapter) parseInvokeBody(model string, body []byte) (*types.Response, error) {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		var wire struct {
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
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, muxerrors.NewServerError(a.name, model, http.StatusBadGateway, "unmarshal response: "+err.Error())
		}
		var text strings.Builder
		for _, block := range wire.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		usage := types.TokenUsage{
			Input:  wire.Usage.InputTokens,
			Output: wire.Usage.OutputTokens,
			Total:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
		return &types.Response{
			Model:        model,
			ProviderID:   a.name,
			Content:      text.String(),
			Usage:        usage,
			FinishReason: mapStopReason(wire.StopReason),
			Cost:         a.catalog.EstimateCost(model, usage.Input, usage.Output),
		}, nil

	default:
		var wire struct {
			Generation           string `json:"generation"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
			StopReason           string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, muxerrors.NewServerError(a.name, model, http.StatusBadGateway, "unmarshal response: "+err.Error())
		}
		usage := types.TokenUsage{
			Input:  wire.PromptTokenCount,
			Output: wire.GenerationTokenCount,
			Total:  wire.PromptTokenCount + wire.GenerationTokenCount,
		}
		return &types.Response{
			Model:        model,
			ProviderID:   a.name,
			Content:      wire.Generation,
			Usage:        usage,
			FinishReason: mapStopReason(wire.StopReason),
			Cost:         a.catalog.EstimateCost(model, usage.Input, usage.Output),
		}, nil
	}
}

// Stream performs one streaming invoke. The AWS event-stream body is
// decoded frame by frame and re-emitted as SSE for the shared parser.
func (a *Adapter) Stream(ctx context.Context, req *types.Request) (provider.ChunkStream, error) {
	model, err := a.resolveModel(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.buildRequest(ctx, req, model, true)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.MapTransportError(a.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
		resp.Body.Close()
		return nil, a.mapError(resp.StatusCode, model, body)
	}

	return provider.NewSSEStream(transformEventStream(resp.Body), func(line []byte) (*types.StreamChunk, error) {
		return a.parseStreamChunk(model, line)
	}), nil
}

// transformEventStream decodes AWS event-stream frames and re-encodes
// the payloads as SSE data lines.
func transformEventStream(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		defer pw.Close() //nolint:errcheck // pipe writer close error is ignored

		decoder := eventstream.NewDecoder()
		buf := make([]byte, 1024*64)
		for {
			msg, err := decoder.Decode(body, buf)
			if err != nil {
				break
			}

			payload := msg.Payload
			// invoke-with-response-stream wraps each event as
			// {"bytes":"<base64>"}; unwrap when present.
			var wrapped struct {
				Bytes string `json:"bytes"`
			}
			if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Bytes != "" {
				if decoded, err := base64.StdEncoding.DecodeString(wrapped.Bytes); err == nil {
					payload = decoded
				}
			}

			if _, err := fmt.Fprintf(pw, "data: %s\n\n", payload); err != nil {
				return // pipe closed by reader
			}
		}
		_, _ = fmt.Fprintf(pw, "data: [DONE]\n\n")
	}()
	return pr
}

// parseStreamChunk handles the decoded native stream events.
func (a *Adapter) parseStreamChunk(model string, line []byte) (*types.StreamChunk, error) {
	payload := provider.DataPayload(line)
	if len(payload) == 0 {
		return nil, nil
	}

	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	out := &types.StreamChunk{}

	switch eventType, _ := event["type"].(string); eventType {
	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		text, _ := delta["text"].(string)
		if text == "" {
			return nil, nil
		}
		out.Content = text
		out.Tokens = len(text) / 4
	case "message_stop":
		out.Done = true
		out.FinishReason = "stop"
	case "":
		// Llama events carry generation text without a type tag.
		gen, ok := event["generation"].(string)
		if !ok {
			return nil, nil
		}
		out.Content = gen
		out.Tokens = len(gen) / 4
		if sr, ok := event["stop_reason"].(string); ok && sr != "" {
			out.Done = true
			out.FinishReason = mapStopReason(sr)
		}
	default:
		return nil, nil
	}

	// The final frame carries invocation metrics with true counts.
	if metrics, ok := event["amazon-bedrock-invocationMetrics"].(map[string]any); ok {
		in, _ := metrics["inputTokenCount"].(float64)
		outTokens, _ := metrics["outputTokenCount"].(float64)
		out.Usage = &types.TokenUsage{
			Input:  int(in),
			Output: int(outTokens),
			Total:  int(in) + int(outTokens),
		}
		out.Cost = a.catalog.EstimateCost(model, int(in), int(outTokens))
		out.Done = true
	}

	if out.Content == "" && !out.Done {
		return nil, nil
	}
	return out, nil
}

// HealthProbe signs a foundation-models listing on the control plane.
func (a *Adapter) HealthProbe(ctx context.Context) (*types.ProbeResult, error) {
	url := fmt.Sprintf("https://bedrock.%s.amazonaws.com/foundation-models", a.region)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	creds, err := a.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return &types.ProbeResult{Healthy: false, Details: "credentials: " + err.Error()}, nil
	}

	emptyHash := sha256.Sum256(nil)
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(emptyHash[:]),
		signingService, a.region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
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

// mapError converts a Bedrock error response to a canonical error.
func (a *Adapter) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Message string `json:"message"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		message = errResp.Message
	}

	// ThrottlingException arrives as 400 with a throttling message.
	if statusCode == http.StatusBadRequest && strings.Contains(message, "Too many requests") {
		return muxerrors.NewRateLimited(a.name, message, 0)
	}
	return muxerrors.FromStatusCode(a.name, model, statusCode, message)
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "stop":
		return "stop"
	case "max_tokens", "length":
		return "length"
	case "":
		return ""
	default:
		return reason
	}
}
