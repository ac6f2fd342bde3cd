package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mkarimi23/agentfs/types"
)

func TestBuildMessages(t *testing.T) {
	records := []*types.Record{
		{Sequence: 0, Speaker: types.SpeakerUser, Text: "list the files"},
		{Sequence: 1, Speaker: types.SpeakerAssistant, Text: "checking",
			ToolRequests: []types.ToolRequest{
				{ID: "t1", Name: "bash", Input: []byte(`{"cmd":"ls"}`)},
			}},
		{Sequence: 2, Speaker: types.SpeakerUser,
			ToolResults: []types.ToolResult{
				{RequestID: "t1", Output: "main.go"},
			}},
		{Sequence: 3, Speaker: types.SpeakerAssistant, Text: "one file: main.go"},
	}

	params, skipped := BuildMessages(records)
	if len(skipped) != 0 {
		t.Fatalf("skipped %v, want none", skipped)
	}
	if len(params) != 4 {
		t.Fatalf("got %d params, want 4", len(params))
	}

	if params[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("param 0 role = %q", params[0].Role)
	}
	if got := params[0].Content[0].OfText.Text; got != "list the files" {
		t.Errorf("param 0 text = %q", got)
	}

	if params[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("param 1 role = %q", params[1].Role)
	}
	if len(params[1].Content) != 2 {
		t.Fatalf("param 1 has %d blocks, want 2", len(params[1].Content))
	}
	use := params[1].Content[1].OfToolUse
	if use == nil || use.ID != "t1" || use.Name != "bash" {
		t.Errorf("param 1 tool_use = %+v", use)
	}

	result := params[2].Content[0].OfToolResult
	if result == nil || result.ToolUseID != "t1" {
		t.Errorf("param 2 tool_result = %+v", result)
	}
}

func TestBuildMessagesSkipsInvalidRecords(t *testing.T) {
	records := []*types.Record{
		{Sequence: 0, Speaker: types.SpeakerUser, Text: "hello"},
		{Sequence: 1, Speaker: "narrator", Text: "invalid speaker"},
		{Sequence: 2, Speaker: types.SpeakerUser,
			ToolRequests: []types.ToolRequest{{ID: "t1", Name: "bash", Input: []byte(`{}`)}}},
		{Sequence: 3, Speaker: types.SpeakerAssistant, Text: "hi"},
	}

	params, skipped := BuildMessages(records)
	if len(params) != 2 {
		t.Errorf("got %d params, want 2", len(params))
	}
	if len(skipped) != 2 || skipped[0] != 1 || skipped[1] != 2 {
		t.Errorf("skipped = %v, want [1 2]", skipped)
	}
}

func TestBuildMessagesNilToolInput(t *testing.T) {
	records := []*types.Record{
		{Sequence: 0, Speaker: types.SpeakerAssistant,
			ToolRequests: []types.ToolRequest{{ID: "t1", Name: "ping", Input: nil}}},
	}
	params, skipped := BuildMessages(records)
	if len(skipped) != 0 || len(params) != 1 {
		t.Fatalf("params %d, skipped %v", len(params), skipped)
	}
	use := params[0].Content[0].OfToolUse
	if use == nil {
		t.Fatal("missing tool_use block")
	}
	data, err := json.Marshal(use.Input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("nil input marshals to %s, want {}", data)
	}
}

func decodeMessage(t *testing.T, raw string) *anthropic.Message {
	t.Helper()
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return &msg
}

func TestDecodeReply(t *testing.T) {
	msg := decodeMessage(t, `{
		"role": "assistant",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "let me check"},
			{"type": "tool_use", "id": "t1", "name": "bash", "input": {"cmd": "ls"}}
		]
	}`)

	reply := DecodeReply(msg)
	if reply.Text != "let me check" {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.StopReason != "tool_use" {
		t.Errorf("StopReason = %q", reply.StopReason)
	}
	if len(reply.ToolRequests) != 1 {
		t.Fatalf("got %d tool requests, want 1", len(reply.ToolRequests))
	}
	req := reply.ToolRequests[0]
	if req.ID != "t1" || req.Name != "bash" || string(req.Input) != `{"cmd":"ls"}` {
		t.Errorf("tool request = %+v", req)
	}
}

func TestDecodeReplyStripsDanglingToolUse(t *testing.T) {
	// A max_tokens stop can leave tool_use blocks in the content without a
	// real tool-call obligation behind them.
	msg := decodeMessage(t, `{
		"role": "assistant",
		"stop_reason": "max_tokens",
		"content": [
			{"type": "text", "text": "partial"},
			{"type": "tool_use", "id": "t1", "name": "bash", "input": {}}
		]
	}`)

	reply := DecodeReply(msg)
	if reply.Text != "partial" {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(reply.ToolRequests) != 0 {
		t.Errorf("tool requests = %+v, want none", reply.ToolRequests)
	}
}

func TestDecodeReplyConcatenatesTextBlocks(t *testing.T) {
	msg := decodeMessage(t, `{
		"role": "assistant",
		"stop_reason": "end_turn",
		"content": [
			{"type": "text", "text": "first "},
			{"type": "text", "text": "second"}
		]
	}`)
	if reply := DecodeReply(msg); reply.Text != "first second" {
		t.Errorf("Text = %q", reply.Text)
	}
}

// apiError builds an API error complete enough to stringify.
func apiError(t *testing.T, status int) *anthropic.Error {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return &anthropic.Error{StatusCode: status, Request: req}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", fmt.Errorf("boom"), false},
		{"rate limited", &anthropic.Error{StatusCode: 429}, true},
		{"server error", &anthropic.Error{StatusCode: 500}, true},
		{"overloaded", &anthropic.Error{StatusCode: 529}, true},
		{"bad request", &anthropic.Error{StatusCode: 400}, false},
		{"unauthorized", &anthropic.Error{StatusCode: 401}, false},
		{"wrapped", fmt.Errorf("request failed: %w", apiError(t, 503)), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable = %v, want %v", got, tc.want)
			}
		})
	}
}
