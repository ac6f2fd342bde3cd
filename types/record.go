package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned when a record violates the shape rules
// (for example a record carrying both tool requests and tool results).
var ErrInvalidRecord = errors.New("invalid record")

// Speaker identifies who produced a record.
type Speaker string

const (
	// SpeakerUser represents a user turn
	SpeakerUser Speaker = "user"

	// SpeakerAssistant represents an assistant turn
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether s is a known speaker.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// ToolRequest is the assistant asking for a named tool to be run.
// The ID is unique within a conversation and links the request to the
// tool result that answers it.
type ToolRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult carries the output of an executed tool back to the model.
// RequestID references the ToolRequest it answers.
type ToolResult struct {
	RequestID string `json:"request_id"`
	Output    string `json:"output"`
}

// Record is one atomic unit of conversation state. Records are totally
// ordered by Sequence within a session; sequence numbers are assigned at
// append time and never reused, but gaps are allowed (repair and
// compaction both leave gaps behind).
type Record struct {
	Sequence     uint64        `json:"sequence"`
	Speaker      Speaker       `json:"speaker"`
	Text         string        `json:"text,omitempty"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
	ToolResults  []ToolResult  `json:"tool_results,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Validate checks the record shape rules: a record carries text, tool
// requests, tool results, or text plus tool requests (assistant only) -
// never tool requests and tool results together, and never nothing at all.
func (r *Record) Validate() error {
	if !r.Speaker.Valid() {
		return fmt.Errorf("%w: unknown speaker %q", ErrInvalidRecord, r.Speaker)
	}
	if len(r.ToolRequests) > 0 && len(r.ToolResults) > 0 {
		return fmt.Errorf("%w: record %d carries both tool requests and tool results", ErrInvalidRecord, r.Sequence)
	}
	if len(r.ToolRequests) > 0 && r.Speaker != SpeakerAssistant {
		return fmt.Errorf("%w: record %d: tool requests on a %s record", ErrInvalidRecord, r.Sequence, r.Speaker)
	}
	if len(r.ToolResults) > 0 && r.Speaker != SpeakerUser {
		return fmt.Errorf("%w: record %d: tool results on a %s record", ErrInvalidRecord, r.Sequence, r.Speaker)
	}
	if r.Text == "" && len(r.ToolRequests) == 0 && len(r.ToolResults) == 0 {
		return fmt.Errorf("%w: record %d carries no content", ErrInvalidRecord, r.Sequence)
	}
	return nil
}

// IsPlainText reports whether the record carries text and no structured
// payloads. Compaction uses this to find a safe split point.
func (r *Record) IsPlainText() bool {
	return r.Text != "" && len(r.ToolRequests) == 0 && len(r.ToolResults) == 0
}

// RequestIDs returns the set of tool request IDs carried by the record.
func (r *Record) RequestIDs() map[string]bool {
	ids := make(map[string]bool, len(r.ToolRequests))
	for _, req := range r.ToolRequests {
		ids[req.ID] = true
	}
	return ids
}

// ResultIDs returns the set of tool request IDs answered by the record.
func (r *Record) ResultIDs() map[string]bool {
	ids := make(map[string]bool, len(r.ToolResults))
	for _, res := range r.ToolResults {
		ids[res.RequestID] = true
	}
	return ids
}

// VisibleSize is the stored byte count of the record's conversation-visible
// fields. It is a cheap proxy for context size, not a token count.
func (r *Record) VisibleSize() int {
	size := len(r.Text)
	for _, req := range r.ToolRequests {
		size += len(req.ID) + len(req.Name) + len(req.Input)
	}
	for _, res := range r.ToolResults {
		size += len(res.RequestID) + len(res.Output)
	}
	return size
}
