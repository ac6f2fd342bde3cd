// Package anthropic converts between stored records and the Anthropic
// message API shapes. Assembly is a pure, order-preserving projection:
// each record maps to one message param independently, and the result is
// a single final slice merge, so memory stays linear in conversation size
// no matter how the store lays records out.
package anthropic

import (
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mkarimi23/agentfs/types"
)

// BuildMessages converts records to Anthropic message parameters in record
// order. Malformed records are skipped rather than failing the turn;
// their sequence numbers come back in skipped so the caller can log them.
func BuildMessages(records []*types.Record) (params []anthropic.MessageParam, skipped []uint64) {
	params = make([]anthropic.MessageParam, 0, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			skipped = append(skipped, rec.Sequence)
			continue
		}
		params = append(params, buildMessage(rec))
	}
	return params, skipped
}

// buildMessage converts a single record.
func buildMessage(rec *types.Record) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(rec.ToolRequests)+len(rec.ToolResults))

	if rec.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(rec.Text))
	}
	for _, req := range rec.ToolRequests {
		var input any
		if len(req.Input) > 0 {
			_ = json.Unmarshal(req.Input, &input)
		}
		// The API requires an object, not null.
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(req.ID, input, req.Name))
	}
	for _, res := range rec.ToolResults {
		blocks = append(blocks, anthropic.NewToolResultBlock(res.RequestID, res.Output, false))
	}

	return anthropic.MessageParam{
		Role:    anthropic.MessageParamRole(rec.Speaker),
		Content: blocks,
	}
}

// Reply is the decoded content of one completion response.
type Reply struct {
	Text         string
	ToolRequests []types.ToolRequest
	StopReason   string
}

// DecodeReply extracts text and tool requests from a response message.
// When the stop reason is not tool_use, any tool_use blocks are stripped:
// a truncated response can carry them without representing a real,
// resumable tool-call obligation.
func DecodeReply(msg *anthropic.Message) Reply {
	reply := Reply{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Text += b.Text
		case anthropic.ToolUseBlock:
			reply.ToolRequests = append(reply.ToolRequests, types.ToolRequest{
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.Input),
			})
		}
	}
	if msg.StopReason != anthropic.StopReasonToolUse {
		reply.ToolRequests = nil
	}
	return reply
}

// RemoteStatus returns the HTTP status code of an API error, or zero when
// err is not an API error.
func RemoteStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRetryable reports whether the API error is a rate limit or a server
// error worth retrying.
func IsRetryable(err error) bool {
	status := RemoteStatus(err)
	return status == 429 || status >= 500
}
