package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blueberrycongee/relaymux/internal/provider"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

func TestAdapter_Execute_RoleMapping(t *testing.T) {
	var got generateRequest
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "Paris"}}},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]any{
				"promptTokenCount":     9,
				"candidatesTokenCount": 1,
				"totalTokenCount":      10,
			},
		})
	}))
	defer server.Close()

	a, _ := New(provider.Config{APIKey: "test-key", BaseURL: server.URL})
	req := &types.Request{
		ID: "req-1",
		Messages: []types.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "capital of France?"},
			{Role: "assistant", Content: "thinking"},
			{Role: "user", Content: "well?"},
		},
	}

	resp, err := a.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !strings.Contains(gotPath, ":generateContent") {
		t.Errorf("path = %s, want generateContent verb", gotPath)
	}
	if !strings.Contains(gotPath, "key=test-key") {
		t.Error("api key must ride the query string")
	}

	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("system message not mapped to systemInstruction")
	}
	if len(got.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(got.Contents))
	}
	if got.Contents[1].Role != "model" {
		t.Errorf("assistant role = %s, want model", got.Contents[1].Role)
	}

	if resp.Content != "Paris" {
		t.Errorf("Content = %q, want Paris", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.Total != 10 {
		t.Errorf("Usage.Total = %d, want 10", resp.Usage.Total)
	}
}

func TestAdapter_ParseStreamChunk(t *testing.T) {
	a, _ := New(provider.Config{APIKey: "k"})
	ad := a.(*Adapter)

	chunk, err := ad.parseStreamChunk("gemini-1.5-pro",
		[]byte(`data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`))
	if err != nil {
		t.Fatalf("parseStreamChunk() error = %v", err)
	}
	if chunk == nil || chunk.Content != "Hel" {
		t.Fatalf("chunk = %+v, want content Hel", chunk)
	}

	chunk, err = ad.parseStreamChunk("gemini-1.5-pro",
		[]byte(`data: {"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`))
	if err != nil {
		t.Fatalf("parseStreamChunk() error = %v", err)
	}
	if !chunk.Done {
		t.Error("finishReason chunk must be done")
	}
	if chunk.Usage == nil || chunk.Usage.Total != 7 {
		t.Error("usage not carried on terminal chunk")
	}

	chunk, err = ad.parseStreamChunk("gemini-1.5-pro", []byte(`data: {"candidates":[]}`))
	if err != nil || chunk != nil {
		t.Error("empty candidates should be skipped")
	}
}

func TestAdapter_MapError_ResourceExhausted(t *testing.T) {
	a, _ := New(provider.Config{APIKey: "k"})
	ad := a.(*Adapter)

	err := ad.mapError(429, "gemini-1.5-pro",
		[]byte(`{"error":{"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	if muxerrors.KindOf(err) != muxerrors.KindRateLimited {
		t.Errorf("kind = %s, want RATE_LIMITED", muxerrors.KindOf(err))
	}
}

func TestAdapter_SupportsModel_Wildcards(t *testing.T) {
	a, _ := New(provider.Config{APIKey: "k"})
	if !a.SupportsModel("gemini-1.5-pro-002") {
		t.Error("wildcard gemini-1.5-pro* should match")
	}
	if a.SupportsModel("gpt-4o") {
		t.Error("foreign model must not match")
	}
}
