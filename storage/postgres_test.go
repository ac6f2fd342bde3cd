package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mkarimi23/agentfs/internal/testutil"
	"github.com/mkarimi23/agentfs/storage"
	"github.com/mkarimi23/agentfs/types"
)

func newPostgresStore(t *testing.T) *storage.PostgresStore {
	t.Helper()
	db := testutil.NewTestDB(t)
	t.Cleanup(db.Close)

	ctx := context.Background()
	store := storage.NewPostgresStore(db.Pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("CleanTables: %v", err)
	}
	return store
}

func TestPostgresAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	release, err := store.Acquire(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	records := []*types.Record{
		{Sequence: 0, Speaker: types.SpeakerUser, Text: "hello"},
		{Sequence: 1, Speaker: types.SpeakerAssistant, Text: "checking",
			ToolRequests: []types.ToolRequest{{ID: "t1", Name: "bash", Input: []byte(`{"cmd":"ls"}`)}}},
		{Sequence: 2, Speaker: types.SpeakerUser,
			ToolResults: []types.ToolResult{{RequestID: "t1", Output: "main.go"}}},
	}
	for _, rec := range records {
		if err := store.AppendRecord(ctx, "pg-s1", rec); err != nil {
			t.Fatalf("AppendRecord(%d): %v", rec.Sequence, err)
		}
	}

	got, err := store.ListRecords(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[1].ToolRequests[0].ID != "t1" || string(got[1].ToolRequests[0].Input) != `{"cmd":"ls"}` {
		t.Errorf("tool request round trip = %+v", got[1].ToolRequests[0])
	}

	err = store.AppendRecord(ctx, "pg-s1", &types.Record{
		Sequence: 0, Speaker: types.SpeakerUser, Text: "dup",
	})
	if !errors.Is(err, storage.ErrDuplicateSequence) {
		t.Errorf("got %v, want ErrDuplicateSequence", err)
	}
}

func TestPostgresAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	release, err := store.Acquire(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := store.Acquire(ctx, "pg-s1"); !errors.Is(err, storage.ErrSessionBusy) {
		t.Errorf("second Acquire: got %v, want ErrSessionBusy", err)
	}
	release()
	release()

	again, err := store.Acquire(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again()
}

func TestPostgresReplaceAndEstimate(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	release, err := store.Acquire(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	for i := 0; i < 6; i++ {
		err := store.AppendRecord(ctx, "pg-s1", &types.Record{
			Sequence: uint64(i), Speaker: types.SpeakerUser,
			Text: "some longer record text to measure against the estimate",
		})
		if err != nil {
			t.Fatalf("AppendRecord(%d): %v", i, err)
		}
	}
	before, err := store.EstimateSize(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("EstimateSize: %v", err)
	}

	err = store.ReplaceRecords(ctx, "pg-s1", []*types.Record{
		{Sequence: 0, Speaker: types.SpeakerUser, Text: "marker"},
		{Sequence: 1, Speaker: types.SpeakerAssistant, Text: "summary"},
	})
	if err != nil {
		t.Fatalf("ReplaceRecords: %v", err)
	}

	after, err := store.EstimateSize(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("EstimateSize: %v", err)
	}
	if after >= before {
		t.Errorf("size did not shrink: before %d, after %d", before, after)
	}

	got, err := store.ListRecords(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestPostgresSummaryLogAndSessions(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	release, err := store.Acquire(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if err := store.AppendSummary(ctx, "pg-s1", "first entry\n"); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}
	log, err := store.ReadSummaryLog(ctx, "pg-s1")
	if err != nil {
		t.Fatalf("ReadSummaryLog: %v", err)
	}
	if log != "first entry\n" {
		t.Errorf("summary log = %q", log)
	}

	infos, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "pg-s1" || !infos[0].Compacted {
		t.Errorf("sessions = %+v", infos)
	}

	release()
	if err := store.DeleteSession(ctx, "pg-s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.ListRecords(ctx, "pg-s1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}
