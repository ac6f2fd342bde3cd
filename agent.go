package agentfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mkarimi23/agentfs/compaction"
	anthropicinternal "github.com/mkarimi23/agentfs/internal/anthropic"
	"github.com/mkarimi23/agentfs/storage"
	"github.com/mkarimi23/agentfs/tool"
	"github.com/mkarimi23/agentfs/types"
)

// Snapshot file names. Overwritten every call, excluded from size
// estimation, droppable without affecting conversation state.
const (
	RequestSnapshotName  = "last-request.json"
	ResponseSnapshotName = "last-response.json"
)

// TruncationMarker is appended to tool outputs cut at the byte budget.
const TruncationMarker = "\n[output truncated]"

// Agent runs conversation turns against a session store. One Agent serves
// one process; sessions are opened and closed through it.
type Agent struct {
	config    *internalConfig
	registry  *tool.Registry
	compactor *compaction.Compactor
}

// Response is the final assistant output of one turn.
type Response struct {
	// Text is the assistant's final text.
	Text string

	// StopReason is the stop reason of the final completion.
	StopReason string

	// ToolCalls is the number of tool executions during the turn.
	ToolCalls int

	// Compaction is non-nil when the turn triggered a compaction.
	Compaction *compaction.Result
}

// New creates an Agent from the required configuration and options.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	internal := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(internal); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	registry := tool.NewRegistry()
	if err := registry.RegisterAll(internal.tools); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	var compactor *compaction.Compactor
	if internal.summarizer != nil {
		compactor = compaction.NewWithSummarizer(internal.store, internal.summarizer, internal.compaction, internal.logger)
	} else {
		compactor = compaction.New(internal.store, internal.client, internal.compaction, internal.logger)
	}

	return &Agent{
		config:    internal,
		registry:  registry,
		compactor: compactor,
	}, nil
}

// Model returns the model used for the main conversation.
func (a *Agent) Model() string { return a.config.model }

func (a *Agent) logger() Logger {
	if a.config.logger != nil {
		return a.config.logger
	}
	return noopLogger{}
}

// noopLogger mirrors compaction's silent default.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Sessions enumerates stored sessions for selection at startup.
func (a *Agent) Sessions(ctx context.Context) ([]storage.SessionInfo, error) {
	return a.config.store.ListSessions(ctx)
}

// DeleteSession removes a session and everything stored under it.
func (a *Agent) DeleteSession(ctx context.Context, sessionID string) error {
	return a.config.store.DeleteSession(ctx, sessionID)
}

// RunTurn appends the user's prompt and runs the completion/tool loop
// until the assistant produces a final answer. When auto-compaction is on
// and the session has outgrown the threshold, it is compacted afterwards;
// a compaction failure is reported through the logger but never fails a
// turn that already succeeded.
func (a *Agent) RunTurn(ctx context.Context, s *Session, prompt string) (*Response, error) {
	if _, err := s.Append(ctx, types.SpeakerUser, prompt, nil, nil); err != nil {
		return nil, err
	}

	response, err := a.runToolLoop(ctx, s)
	if err != nil {
		return nil, err
	}

	if a.config.autoCompaction {
		result, err := a.compactIfNeeded(ctx, s)
		if err != nil {
			a.logger().Warn("auto-compaction failed", "session_id", s.ID, "error", err)
		} else if result != nil {
			response.Compaction = result
		}
	}
	return response, nil
}

func (a *Agent) runToolLoop(ctx context.Context, s *Session) (*Response, error) {
	response := &Response{}

	for iteration := 0; iteration < a.config.maxToolIterations; iteration++ {
		records, err := s.Records(ctx)
		if err != nil {
			return nil, err
		}

		params, skipped := anthropicinternal.BuildMessages(records)
		for _, seq := range skipped {
			// Losing one malformed record is less harmful than losing
			// the conversation; repair should have caught these.
			a.logger().Warn("skipped malformed record in payload",
				"session_id", s.ID, "sequence", seq)
		}

		a.saveRequestSnapshot(ctx, s, params)

		msg, err := a.createMessage(ctx, params)
		if err != nil {
			return nil, NewSessionError("RunTurn", s.ID, err)
		}
		a.saveResponseSnapshot(ctx, s, msg)

		reply := anthropicinternal.DecodeReply(msg)
		response.StopReason = reply.StopReason

		if reply.Text == "" && len(reply.ToolRequests) == 0 {
			// Nothing to persist; treat as a final empty answer.
			return response, nil
		}

		if _, err := s.Append(ctx, types.SpeakerAssistant, reply.Text, reply.ToolRequests, nil); err != nil {
			return nil, err
		}
		response.Text = reply.Text

		if len(reply.ToolRequests) == 0 {
			return response, nil
		}

		results := a.executeTools(ctx, reply.ToolRequests)
		response.ToolCalls += len(results)

		if _, err := s.Append(ctx, types.SpeakerUser, "", nil, results); err != nil {
			return nil, err
		}
	}
	return nil, NewSessionError("RunTurn", s.ID,
		fmt.Errorf("%w: %d", ErrMaxToolIterations, a.config.maxToolIterations))
}

// createMessage issues one blocking completion call, retrying rate limits
// and server errors with linear backoff.
func (a *Agent) createMessage(ctx context.Context, messages []anthropic.MessageParam) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.model),
		MaxTokens: a.config.maxTokens,
		Messages:  messages,
	}
	if a.config.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.config.systemPrompt}}
	}
	if a.registry.Count() > 0 {
		params.Tools = a.registry.ToAnthropicTools()
	}

	var lastErr error
	for attempt := 1; attempt <= a.config.maxRetries; attempt++ {
		stream := a.config.client.Messages.NewStreaming(ctx, params)
		msg := anthropic.Message{}
		for stream.Next() {
			if err := msg.Accumulate(stream.Current()); err != nil {
				return nil, asRemoteError(err)
			}
		}
		if err := stream.Err(); err != nil {
			if anthropicinternal.IsRetryable(err) && attempt < a.config.maxRetries {
				lastErr = err
				a.logger().Warn("retrying completion call",
					"attempt", attempt, "error", err)
				select {
				case <-time.After(time.Second * time.Duration(attempt)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			return nil, asRemoteError(err)
		}
		return &msg, nil
	}
	return nil, asRemoteError(lastErr)
}

func asRemoteError(err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return err
	}
	return &RemoteError{
		StatusCode: anthropicinternal.RemoteStatus(err),
		Body:       err.Error(),
		Err:        err,
	}
}

// executeTools runs every requested tool and returns one result per
// request, missing and failing tools included: the model always gets a
// complete result set, which is also what keeps the stored pair valid.
func (a *Agent) executeTools(ctx context.Context, requests []types.ToolRequest) []types.ToolResult {
	results := make([]types.ToolResult, 0, len(requests))
	for _, req := range requests {
		output, err := a.executeTool(ctx, req)
		if err != nil {
			output = fmt.Sprintf("error: %v", err)
		}
		if a.config.onToolCall != nil {
			a.config.onToolCall(req.Name, output, err)
		}
		results = append(results, types.ToolResult{
			RequestID: req.ID,
			Output:    truncateOutput(output, a.config.toolOutputLimit),
		})
	}
	return results
}

func (a *Agent) executeTool(ctx context.Context, req types.ToolRequest) (string, error) {
	t, ok := a.registry.Get(req.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return t.Execute(ctx, input)
}

// truncateOutput cuts output at limit bytes and appends the marker.
func truncateOutput(output string, limit int) string {
	if len(output) <= limit {
		return output
	}
	return output[:limit] + TruncationMarker
}

// Compact forces a compaction of the session regardless of its size.
func (a *Agent) Compact(ctx context.Context, s *Session) (*compaction.Result, error) {
	result, err := a.compactor.Compact(ctx, s.ID)
	if err != nil {
		return nil, NewSessionError("Compact", s.ID, err)
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	if a.config.onAfterCompaction != nil {
		a.config.onAfterCompaction(result)
	}
	return result, nil
}

func (a *Agent) compactIfNeeded(ctx context.Context, s *Session) (*compaction.Result, error) {
	needs, err := a.compactor.NeedsCompaction(ctx, s.ID)
	if err != nil || !needs {
		return nil, err
	}
	return a.Compact(ctx, s)
}

// saveRequestSnapshot overwrites the diagnostic copy of the outgoing
// request. Best-effort only.
func (a *Agent) saveRequestSnapshot(ctx context.Context, s *Session, messages []anthropic.MessageParam) {
	snapshot := map[string]any{
		"model":      a.config.model,
		"max_tokens": a.config.maxTokens,
		"messages":   messages,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err == nil {
		err = a.config.store.SaveSnapshot(ctx, s.ID, RequestSnapshotName, data)
	}
	if err != nil {
		a.logger().Debug("request snapshot not saved", "session_id", s.ID, "error", err)
	}
}

func (a *Agent) saveResponseSnapshot(ctx context.Context, s *Session, msg *anthropic.Message) {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err == nil {
		err = a.config.store.SaveSnapshot(ctx, s.ID, ResponseSnapshotName, data)
	}
	if err != nil {
		a.logger().Debug("response snapshot not saved", "session_id", s.ID, "error", err)
	}
}
