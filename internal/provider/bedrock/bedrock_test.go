package bedrock

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/provider"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(provider.Config{
		APIKey:     "AKIATEST:secretkey",
		Region:     "us-west-2",
		TimeoutSec: 5,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a.(*Adapter)
}

func TestNew(t *testing.T) {
	a := newTestAdapter(t)

	if a.Name() != ProviderName {
		t.Errorf("Name() = %q, want %q", a.Name(), ProviderName)
	}
	if a.region != "us-west-2" {
		t.Errorf("region = %q, want us-west-2", a.region)
	}
	if a.baseURL != "https://bedrock-runtime.us-west-2.amazonaws.com" {
		t.Errorf("baseURL = %q", a.baseURL)
	}

	creds, err := a.awsCfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "AKIATEST" || creds.SecretAccessKey != "secretkey" {
		t.Errorf("static credentials not applied: %+v", creds)
	}
}

func TestSupportsModel(t *testing.T) {
	a := newTestAdapter(t)

	tests := []struct {
		model string
		want  bool
	}{
		{"anthropic.claude-3-5-sonnet-20240620-v1:0", true},
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", true},
		{"anthropic.claude-3-haiku-20240307-v1:0", true},
		{"meta.llama3-70b-instruct-v1:0", true},
		{"mistral.mixtral-8x7b-instruct-v0:1", false},
	}
	for _, tt := range tests {
		if got := a.SupportsModel(tt.model); got != tt.want {
			t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestConstructPayloadClaude(t *testing.T) {
	a := newTestAdapter(t)

	req := &types.Request{
		Messages: []types.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
	got, err := a.constructPayload(req, "anthropic.claude-3-5-sonnet-20240620-v1:0")
	if err != nil {
		t.Fatalf("constructPayload() error = %v", err)
	}

	payload, ok := got.(*claudePayload)
	if !ok {
		t.Fatalf("payload type = %T, want *claudePayload", got)
	}
	if payload.AnthropicVersion != "bedrock-2023-05-31" {
		t.Errorf("AnthropicVersion = %q", payload.AnthropicVersion)
	}
	if payload.System != "be brief" {
		t.Errorf("System = %q, want \"be brief\"", payload.System)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want single user message", payload.Messages)
	}
	if payload.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want default 2048", payload.MaxTokens)
	}
}

func TestConstructPayloadLlama(t *testing.T) {
	a := newTestAdapter(t)

	req := &types.Request{
		Messages: []types.Message{
			{Role: "user", Content: "hello"},
		},
	}
	got, err := a.constructPayload(req, "meta.llama3-70b-instruct-v1:0")
	if err != nil {
		t.Fatalf("constructPayload() error = %v", err)
	}

	payload, ok := got.(*llamaPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *llamaPayload", got)
	}
	for _, want := range []string{
		"<|begin_of_text|>",
		"<|start_header_id|>user<|end_header_id|>\n\nhello<|eot_id|>",
		"<|start_header_id|>assistant<|end_header_id|>",
	} {
		if !strings.Contains(payload.Prompt, want) {
			t.Errorf("Prompt missing %q:\n%s", want, payload.Prompt)
		}
	}
	if payload.MaxGenLen != 512 {
		t.Errorf("MaxGenLen = %d, want default 512", payload.MaxGenLen)
	}
}

func TestConstructPayloadUnknownFamily(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.constructPayload(&types.Request{}, "mistral.mixtral-8x7b-instruct-v0:1")
	if err == nil {
		t.Fatal("constructPayload() expected error for unknown family")
	}
	if muxerrors.KindOf(err) != muxerrors.KindNotFound {
		t.Errorf("error kind = %v, want NOT_FOUND", muxerrors.KindOf(err))
	}
}

func TestBuildRequestSigned(t *testing.T) {
	a := newTestAdapter(t)

	req := &types.Request{
		ModelHint: "anthropic.claude-3-5-sonnet-20240620-v1:0",
		Messages:  []types.Message{{Role: "user", Content: "hi"}},
	}
	httpReq, err := a.buildRequest(context.Background(), req, req.ModelHint, false)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}

	auth := httpReq.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256") {
		t.Errorf("Authorization = %q, want SigV4 header", auth)
	}
	if !strings.Contains(auth, "Credential=AKIATEST/") {
		t.Errorf("Authorization missing access key: %q", auth)
	}
	if !strings.Contains(auth, "/us-west-2/bedrock/aws4_request") {
		t.Errorf("Authorization missing signing scope: %q", auth)
	}
	if httpReq.Header.Get("X-Amz-Date") == "" {
		t.Error("X-Amz-Date header not set")
	}
	if !strings.HasSuffix(httpReq.URL.Path, "/invoke") {
		t.Errorf("URL path = %q, want invoke endpoint", httpReq.URL.Path)
	}
}

func TestParseInvokeBodyClaude(t *testing.T) {
	a := newTestAdapter(t)

	body := []byte(`{
		"content": [{"type": "text", "text": "The capital of France is Paris."}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 8}
	}`)
	resp, err := a.parseInvokeBody("anthropic.claude-3-5-sonnet-20240620-v1:0", body)
	if err != nil {
		t.Fatalf("parseInvokeBody() error = %v", err)
	}
	if resp.Content != "The capital of France is Paris." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.Total != 18 {
		t.Errorf("Usage.Total = %d, want 18", resp.Usage.Total)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Cost <= 0 {
		t.Errorf("Cost = %f, want > 0", resp.Cost)
	}
}

func TestParseInvokeBodyLlama(t *testing.T) {
	a := newTestAdapter(t)

	body := []byte(`{
		"generation": "Paris.",
		"prompt_token_count": 12,
		"generation_token_count": 3,
		"stop_reason": "stop"
	}`)
	resp, err := a.parseInvokeBody("meta.llama3-70b-instruct-v1:0", body)
	if err != nil {
		t.Fatalf("parseInvokeBody() error = %v", err)
	}
	if resp.Content != "Paris." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.Input != 12 || resp.Usage.Output != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestParseStreamChunk(t *testing.T) {
	a := newTestAdapter(t)
	model := "anthropic.claude-3-5-sonnet-20240620-v1:0"

	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, chunk *types.StreamChunk)
	}{
		{
			name: "content delta",
			line: `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
			check: func(t *testing.T, chunk *types.StreamChunk) {
				if chunk == nil || chunk.Content != "Hello" {
					t.Errorf("chunk = %+v, want content Hello", chunk)
				}
			},
		},
		{
			name: "message stop",
			line: `data: {"type":"message_stop"}`,
			check: func(t *testing.T, chunk *types.StreamChunk) {
				if chunk == nil || !chunk.Done {
					t.Errorf("chunk = %+v, want done", chunk)
				}
			},
		},
		{
			name: "invocation metrics",
			line: `data: {"type":"message_stop","amazon-bedrock-invocationMetrics":{"inputTokenCount":25,"outputTokenCount":50}}`,
			check: func(t *testing.T, chunk *types.StreamChunk) {
				if chunk == nil || chunk.Usage == nil {
					t.Fatalf("chunk = %+v, want usage", chunk)
				}
				if chunk.Usage.Total != 75 {
					t.Errorf("Usage.Total = %d, want 75", chunk.Usage.Total)
				}
				if chunk.Cost <= 0 {
					t.Errorf("Cost = %f, want > 0", chunk.Cost)
				}
			},
		},
		{
			name: "llama generation",
			line: `data: {"generation":"Pa","prompt_token_count":null}`,
			check: func(t *testing.T, chunk *types.StreamChunk) {
				if chunk == nil || chunk.Content != "Pa" {
					t.Errorf("chunk = %+v, want content Pa", chunk)
				}
			},
		},
		{
			name: "llama final",
			line: `data: {"generation":"ris.","stop_reason":"stop"}`,
			check: func(t *testing.T, chunk *types.StreamChunk) {
				if chunk == nil || !chunk.Done || chunk.FinishReason != "stop" {
					t.Errorf("chunk = %+v, want done with stop", chunk)
				}
			},
		},
		{
			name: "untyped event skipped",
			line: `data: {"type":"message_start","message":{}}`,
			check: func(t *testing.T, chunk *types.StreamChunk) {
				if chunk != nil {
					t.Errorf("chunk = %+v, want nil", chunk)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, err := a.parseStreamChunk(model, []byte(tt.line))
			if err != nil {
				t.Fatalf("parseStreamChunk() error = %v", err)
			}
			tt.check(t, chunk)
		})
	}
}

func TestTransformEventStream(t *testing.T) {
	a := newTestAdapter(t)
	model := "anthropic.claude-3-5-sonnet-20240620-v1:0"

	events := []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_stop","amazon-bedrock-invocationMetrics":{"inputTokenCount":4,"outputTokenCount":2}}`,
	}

	var frames bytes.Buffer
	encoder := eventstream.NewEncoder()
	for _, ev := range events {
		wrapped, err := json.Marshal(map[string]string{
			"bytes": base64.StdEncoding.EncodeToString([]byte(ev)),
		})
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
		if err := encoder.Encode(&frames, eventstream.Message{Payload: wrapped}); err != nil {
			t.Fatalf("encode frame: %v", err)
		}
	}

	stream := provider.NewSSEStream(transformEventStream(io.NopCloser(&frames)), func(line []byte) (*types.StreamChunk, error) {
		return a.parseStreamChunk(model, line)
	})
	defer stream.Close()

	var content strings.Builder
	var usage *types.TokenUsage
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		content.WriteString(chunk.Content)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if content.String() != "Hello" {
		t.Errorf("content = %q, want Hello", content.String())
	}
	if usage == nil || usage.Total != 6 {
		t.Errorf("usage = %+v, want total 6", usage)
	}
}

func TestMapError(t *testing.T) {
	a := newTestAdapter(t)

	tests := []struct {
		name       string
		statusCode int
		body       string
		wantKind   muxerrors.Kind
		retryable  bool
	}{
		{
			name:       "throttling as 400",
			statusCode: 400,
			body:       `{"message": "Too many requests, please wait before trying again."}`,
			wantKind:   muxerrors.KindRateLimited,
			retryable:  true,
		},
		{
			name:       "validation error",
			statusCode: 400,
			body:       `{"message": "Malformed input request"}`,
			wantKind:   muxerrors.KindInvalidRequest,
			retryable:  false,
		},
		{
			name:       "service unavailable",
			statusCode: 503,
			body:       `{"message": "Service unavailable"}`,
			wantKind:   muxerrors.KindServerError,
			retryable:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.mapError(tt.statusCode, "anthropic.claude-3-haiku-20240307-v1:0", []byte(tt.body))
			if muxerrors.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v", muxerrors.KindOf(err), tt.wantKind)
			}
			if muxerrors.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", muxerrors.IsRetryable(err), tt.retryable)
			}
		})
	}
}
