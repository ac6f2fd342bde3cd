package agentfs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mkarimi23/agentfs/compaction"
	"github.com/mkarimi23/agentfs/storage"
	"github.com/mkarimi23/agentfs/tool"
	"github.com/mkarimi23/agentfs/types"
)

type stubSummarizer struct {
	summary string
}

func (s *stubSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	return s.summary, nil
}

func newTestAgent(t *testing.T, opts ...Option) (*Agent, storage.Store) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := anthropic.NewClient()
	agent, err := New(Config{
		Client: &client,
		Store:  store,
		Model:  "claude-sonnet-4-20250514",
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return agent, store
}

func TestConfigValidate(t *testing.T) {
	client := anthropic.NewClient()
	store, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer store.Close()

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"complete", Config{Client: &client, Store: store, Model: "m"}, true},
		{"missing client", Config{Store: store, Model: "m"}, false},
		{"missing store", Config{Client: &client, Model: "m"}, false},
		{"missing model", Config{Client: &client, Store: store}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero max tokens", WithMaxTokens(0)},
		{"negative tool output limit", WithToolOutputLimit(-1)},
		{"zero tool iterations", WithMaxToolIterations(0)},
		{"nil compaction config", WithCompactionConfig(nil)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := storage.NewFSStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFSStore: %v", err)
			}
			defer store.Close()
			client := anthropic.NewClient()
			_, err = New(Config{Client: &client, Store: store, Model: "m"}, tc.opt)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewRejectsDuplicateTools(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer store.Close()
	client := anthropic.NewClient()

	echo := tool.New("echo", "d", tool.Schema{Type: "object"},
		func(ctx context.Context, input json.RawMessage) (string, error) { return "", nil })
	_, err = New(Config{Client: &client, Store: store, Model: "m"}, WithTools(echo, echo))
	if err == nil {
		t.Error("New accepted duplicate tools")
	}
}

func TestOpenAppendClose(t *testing.T) {
	ctx := context.Background()
	agent, _ := newTestAgent(t)

	s, err := agent.Open(ctx, "s1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	seq, err := s.Append(ctx, types.SpeakerUser, "hello", nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 0 {
		t.Errorf("first sequence = %d, want 0", seq)
	}
	seq, err = s.Append(ctx, types.SpeakerAssistant, "hi", nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 1 {
		t.Errorf("second sequence = %d, want 1", seq)
	}

	records, err := s.Records(ctx)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	// The lock is held while open and released on close.
	if _, err := agent.Open(ctx, "s1"); !errors.Is(err, storage.ErrSessionBusy) {
		t.Errorf("second Open: got %v, want ErrSessionBusy", err)
	}
	s.Close()
	s.Close() // closed twice must be safe

	reopened, err := agent.Open(ctx, "s1")
	if err != nil {
		t.Fatalf("Open after close: %v", err)
	}
	defer reopened.Close()
	if reopened.nextSeq != 2 {
		t.Errorf("next sequence after reopen = %d, want 2", reopened.nextSeq)
	}
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	agent, _ := newTestAgent(t)

	s, err := agent.Open(ctx, "s1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// A user record may not carry tool requests.
	_, err = s.Append(ctx, types.SpeakerUser, "",
		[]types.ToolRequest{{ID: "t1", Name: "bash", Input: []byte(`{}`)}}, nil)
	if !errors.Is(err, types.ErrInvalidRecord) {
		t.Fatalf("got %v, want ErrInvalidRecord", err)
	}
	// The failed append must not consume a sequence number.
	seq, err := s.Append(ctx, types.SpeakerUser, "hello", nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 0 {
		t.Errorf("sequence = %d, want 0", seq)
	}
}

func TestOpenRepairsSession(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t)

	// Seed a damaged session directly: a trailing assistant record with
	// unresolved tool requests, and a split user turn.
	release, err := store.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	seed := []*types.Record{
		{Sequence: 0, Speaker: types.SpeakerUser, Text: "part one"},
		{Sequence: 1, Speaker: types.SpeakerUser, Text: "part two"},
		{Sequence: 2, Speaker: types.SpeakerAssistant,
			ToolRequests: []types.ToolRequest{{ID: "t1", Name: "bash", Input: []byte(`{}`)}}},
	}
	for _, rec := range seed {
		if err := store.AppendRecord(ctx, "s1", rec); err != nil {
			t.Fatalf("AppendRecord(%d): %v", rec.Sequence, err)
		}
	}
	release()

	s, err := agent.Open(ctx, "s1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Repair.Removed != 1 || s.Repair.Merged != 1 {
		t.Errorf("repair report = %+v", s.Repair)
	}
	records, err := s.Records(ctx)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Text != "part one\npart two" {
		t.Errorf("merged text = %q", records[0].Text)
	}
}

func TestCompactRefreshesSession(t *testing.T) {
	ctx := context.Background()
	agent, _ := newTestAgent(t,
		WithSummarizer(&stubSummarizer{summary: "earlier turns summarized"}),
		WithCompactionConfig(&compaction.Config{KeepTail: 4}),
	)

	s, err := agent.Open(ctx, "s1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 9; i++ {
		speaker := types.SpeakerUser
		if i%2 == 1 {
			speaker = types.SpeakerAssistant
		}
		if _, err := s.Append(ctx, speaker, "turn", nil, nil); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	result, err := agent.Compact(ctx, s)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result.OldRecords != 9 {
		t.Errorf("OldRecords = %d, want 9", result.OldRecords)
	}

	// The next append continues from the renumbered tail.
	seq, err := s.Append(ctx, types.SpeakerUser, "after compaction", nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != uint64(result.NewRecords) {
		t.Errorf("sequence = %d, want %d", seq, result.NewRecords)
	}

	log, err := s.SummaryLog(ctx)
	if err != nil {
		t.Fatalf("SummaryLog: %v", err)
	}
	if !strings.Contains(log, "earlier turns summarized") {
		t.Errorf("summary log = %q", log)
	}
}

func TestExecuteTools(t *testing.T) {
	echo := tool.New("echo", "echoes input",
		tool.Schema{Type: "object", Properties: map[string]tool.PropertyDef{"text": {Type: "string"}}},
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		})

	var hookCalls []string
	agent, _ := newTestAgent(t,
		WithTools(echo),
		WithToolOutputLimit(10),
		OnToolCall(func(name, output string, err error) {
			hookCalls = append(hookCalls, name)
		}),
	)

	requests := []types.ToolRequest{
		{ID: "t1", Name: "echo", Input: []byte(`{"text":"short"}`)},
		{ID: "t2", Name: "echo", Input: []byte(`{"text":"a very long output that exceeds the limit"}`)},
		{ID: "t3", Name: "nosuch", Input: []byte(`{}`)},
	}
	results := agent.executeTools(context.Background(), requests)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	if results[0].RequestID != "t1" || results[0].Output != "short" {
		t.Errorf("result 0 = %+v", results[0])
	}
	if want := "a very lon" + TruncationMarker; results[1].Output != want {
		t.Errorf("result 1 output = %q, want %q", results[1].Output, want)
	}
	if !strings.HasPrefix(results[2].Output, "error: ") ||
		!strings.Contains(results[2].Output, "tool not found") {
		t.Errorf("result 2 output = %q", results[2].Output)
	}
	if len(hookCalls) != 3 {
		t.Errorf("hook called %d times, want 3", len(hookCalls))
	}
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		limit  int
		want   string
	}{
		{"under limit", "abc", 10, "abc"},
		{"at limit", "abcde", 5, "abcde"},
		{"over limit", "abcdef", 5, "abcde" + TruncationMarker},
		{"empty", "", 5, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := truncateOutput(tc.output, tc.limit); got != tc.want {
				t.Errorf("truncateOutput = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOpErrorMessage(t *testing.T) {
	underlying := errors.New("boom")
	err := NewSessionError("Append", "s1", underlying)
	if got := err.Error(); got != "Append (session=s1): boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, underlying) {
		t.Error("OpError does not unwrap")
	}

	bare := NewOpError("Close", underlying)
	if got := bare.Error(); got != "Close: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	withStatus := &RemoteError{StatusCode: 429, Body: "rate limited"}
	if got := withStatus.Error(); !strings.Contains(got, "429") {
		t.Errorf("Error() = %q", got)
	}
	unreachable := &RemoteError{Body: "connection refused"}
	if got := unreachable.Error(); !strings.Contains(got, "unreachable") {
		t.Errorf("Error() = %q", got)
	}
}
