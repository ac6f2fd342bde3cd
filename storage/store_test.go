package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mkarimi23/agentfs/types"
)

// backends returns a constructor per Store implementation so every
// backend passes the same conformance suite. Postgres is covered
// separately behind DATABASE_URL.
func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"fs": func(t *testing.T) Store {
			store, err := NewFSStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFSStore: %v", err)
			}
			return store
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "agentfs.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return store
		},
	}
}

func openSession(t *testing.T, store Store, sessionID string) ReleaseFunc {
	t.Helper()
	release, err := store.Acquire(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", sessionID, err)
	}
	return release
}

func appendText(t *testing.T, store Store, sessionID string, seq uint64, speaker types.Speaker, text string) {
	t.Helper()
	err := store.AppendRecord(context.Background(), sessionID, &types.Record{
		Sequence: seq,
		Speaker:  speaker,
		Text:     text,
	})
	if err != nil {
		t.Fatalf("AppendRecord(%d): %v", seq, err)
	}
}

func TestAppendAndListOrdering(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			texts := []string{"first", "second", "third", "fourth"}
			speaker := types.SpeakerUser
			for i, text := range texts {
				appendText(t, store, "s1", uint64(i), speaker, text)
				if speaker == types.SpeakerUser {
					speaker = types.SpeakerAssistant
				} else {
					speaker = types.SpeakerUser
				}
			}

			records, err := store.ListRecords(ctx, "s1")
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(records) != len(texts) {
				t.Fatalf("got %d records, want %d", len(records), len(texts))
			}
			for i, rec := range records {
				if rec.Sequence != uint64(i) {
					t.Errorf("record %d has sequence %d", i, rec.Sequence)
				}
				if rec.Text != texts[i] {
					t.Errorf("record %d text = %q, want %q", i, rec.Text, texts[i])
				}
			}
		})
	}
}

func TestDuplicateSequenceRejected(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			appendText(t, store, "s1", 0, types.SpeakerUser, "hi")
			err := store.AppendRecord(ctx, "s1", &types.Record{
				Sequence: 0, Speaker: types.SpeakerAssistant, Text: "again",
			})
			if !errors.Is(err, ErrDuplicateSequence) {
				t.Errorf("got %v, want ErrDuplicateSequence", err)
			}
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()

			if _, err := store.ListRecords(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("ListRecords: got %v, want ErrSessionNotFound", err)
			}
			if err := store.DeleteSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("DeleteSession: got %v, want ErrSessionNotFound", err)
			}
		})
	}
}

func TestSessionLock(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()

			release, err := store.Acquire(ctx, "s1")
			if err != nil {
				t.Fatalf("first Acquire: %v", err)
			}
			if _, err := store.Acquire(ctx, "s1"); !errors.Is(err, ErrSessionBusy) {
				t.Errorf("second Acquire: got %v, want ErrSessionBusy", err)
			}

			release()
			release() // released twice must be safe

			again, err := store.Acquire(ctx, "s1")
			if err != nil {
				t.Fatalf("Acquire after release: %v", err)
			}
			again()
		})
	}
}

func TestReplaceRecords(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			for i := 0; i < 6; i++ {
				appendText(t, store, "s1", uint64(i), types.SpeakerUser, "some longer record text to measure")
			}
			before, err := store.EstimateSize(ctx, "s1")
			if err != nil {
				t.Fatalf("EstimateSize: %v", err)
			}

			replacement := []*types.Record{
				{Sequence: 0, Speaker: types.SpeakerUser, Text: "marker"},
				{Sequence: 1, Speaker: types.SpeakerAssistant, Text: "summary"},
				{Sequence: 2, Speaker: types.SpeakerUser, Text: "tail"},
			}
			if err := store.ReplaceRecords(ctx, "s1", replacement); err != nil {
				t.Fatalf("ReplaceRecords: %v", err)
			}

			records, err := store.ListRecords(ctx, "s1")
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("got %d records, want 3", len(records))
			}
			if records[1].Speaker != types.SpeakerAssistant || records[1].Text != "summary" {
				t.Errorf("record 1 = %+v", records[1])
			}

			after, err := store.EstimateSize(ctx, "s1")
			if err != nil {
				t.Fatalf("EstimateSize: %v", err)
			}
			if after >= before {
				t.Errorf("size did not shrink: before %d, after %d", before, after)
			}
		})
	}
}

func TestUpdateAndDeleteRecords(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			appendText(t, store, "s1", 0, types.SpeakerUser, "a")
			appendText(t, store, "s1", 1, types.SpeakerUser, "b")
			appendText(t, store, "s1", 2, types.SpeakerAssistant, "c")

			if err := store.UpdateRecord(ctx, "s1", &types.Record{
				Sequence: 0, Speaker: types.SpeakerUser, Text: "a\nb",
			}); err != nil {
				t.Fatalf("UpdateRecord: %v", err)
			}
			if err := store.DeleteRecords(ctx, "s1", []uint64{1}); err != nil {
				t.Fatalf("DeleteRecords: %v", err)
			}

			records, err := store.ListRecords(ctx, "s1")
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("got %d records, want 2", len(records))
			}
			if records[0].Text != "a\nb" {
				t.Errorf("record 0 text = %q, want %q", records[0].Text, "a\nb")
			}
			if records[1].Sequence != 2 {
				t.Errorf("record 1 sequence = %d, want 2", records[1].Sequence)
			}
		})
	}
}

func TestSummaryLog(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			log, err := store.ReadSummaryLog(ctx, "s1")
			if err != nil {
				t.Fatalf("ReadSummaryLog: %v", err)
			}
			if log != "" {
				t.Errorf("fresh session summary log = %q, want empty", log)
			}

			if err := store.AppendSummary(ctx, "s1", "first entry\n"); err != nil {
				t.Fatalf("AppendSummary: %v", err)
			}
			if err := store.AppendSummary(ctx, "s1", "second entry\n"); err != nil {
				t.Fatalf("AppendSummary: %v", err)
			}

			log, err = store.ReadSummaryLog(ctx, "s1")
			if err != nil {
				t.Fatalf("ReadSummaryLog: %v", err)
			}
			if log != "first entry\nsecond entry\n" {
				t.Errorf("summary log = %q", log)
			}
		})
	}
}

func TestSnapshotsExcludedFromEstimate(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			appendText(t, store, "s1", 0, types.SpeakerUser, "hello")
			before, err := store.EstimateSize(ctx, "s1")
			if err != nil {
				t.Fatalf("EstimateSize: %v", err)
			}

			big := make([]byte, 64*1024)
			if err := store.SaveSnapshot(ctx, "s1", "last-request.json", big); err != nil {
				t.Fatalf("SaveSnapshot: %v", err)
			}

			after, err := store.EstimateSize(ctx, "s1")
			if err != nil {
				t.Fatalf("EstimateSize: %v", err)
			}
			if after != before {
				t.Errorf("snapshot changed estimate: before %d, after %d", before, after)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()

			ra := openSession(t, store, "alpha")
			defer ra()
			rb := openSession(t, store, "beta")
			defer rb()

			appendText(t, store, "alpha", 0, types.SpeakerUser, "hi")
			appendText(t, store, "alpha", 1, types.SpeakerAssistant, "hello")
			if err := store.AppendSummary(ctx, "beta", "compacted once\n"); err != nil {
				t.Fatalf("AppendSummary: %v", err)
			}

			infos, err := store.ListSessions(ctx)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(infos) != 2 {
				t.Fatalf("got %d sessions, want 2", len(infos))
			}
			if infos[0].ID != "alpha" || infos[0].Records != 2 || infos[0].Compacted {
				t.Errorf("alpha = %+v", infos[0])
			}
			if infos[1].ID != "beta" || infos[1].Records != 0 || !infos[1].Compacted {
				t.Errorf("beta = %+v", infos[1])
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()

			release := openSession(t, store, "s1")
			appendText(t, store, "s1", 0, types.SpeakerUser, "hi")
			release()

			if err := store.DeleteSession(ctx, "s1"); err != nil {
				t.Fatalf("DeleteSession: %v", err)
			}
			if _, err := store.ListRecords(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("got %v, want ErrSessionNotFound", err)
			}
		})
	}
}

func TestToolRecordsRoundTrip(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			defer store.Close()
			release := openSession(t, store, "s1")
			defer release()

			err := store.AppendRecord(ctx, "s1", &types.Record{
				Sequence: 0,
				Speaker:  types.SpeakerAssistant,
				Text:     "checking",
				ToolRequests: []types.ToolRequest{
					{ID: "t1", Name: "bash", Input: []byte(`{"cmd":"ls"}`)},
				},
			})
			if err != nil {
				t.Fatalf("AppendRecord: %v", err)
			}
			err = store.AppendRecord(ctx, "s1", &types.Record{
				Sequence: 1,
				Speaker:  types.SpeakerUser,
				ToolResults: []types.ToolResult{
					{RequestID: "t1", Output: "file.go"},
				},
			})
			if err != nil {
				t.Fatalf("AppendRecord: %v", err)
			}

			records, err := store.ListRecords(ctx, "s1")
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("got %d records, want 2", len(records))
			}
			req := records[0].ToolRequests[0]
			if req.ID != "t1" || req.Name != "bash" || string(req.Input) != `{"cmd":"ls"}` {
				t.Errorf("tool request round trip = %+v", req)
			}
			res := records[1].ToolResults[0]
			if res.RequestID != "t1" || res.Output != "file.go" {
				t.Errorf("tool result round trip = %+v", res)
			}
		})
	}
}
