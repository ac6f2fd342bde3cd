package agentfs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mkarimi23/agentfs/repair"
	"github.com/mkarimi23/agentfs/storage"
	"github.com/mkarimi23/agentfs/types"
)

// NewSessionID returns a fresh unique session identifier, for callers
// that do not bring their own naming scheme.
func NewSessionID() string { return uuid.NewString() }

// Session is the handle for one open conversation. It owns the writer
// lock and the next free sequence number; pass it explicitly through the
// agent loop rather than keeping ambient state. Not safe for concurrent
// use - the store is single-writer by design.
type Session struct {
	// ID is the session identifier.
	ID string

	// Repair reports what the load-time repair pass did.
	Repair repair.Report

	store   storage.Store
	release storage.ReleaseFunc
	nextSeq uint64
}

// Open loads a session (creating it if new), acquires its writer lock,
// runs the repair engine, and computes the next free sequence number.
// storage.ErrSessionBusy means another writer holds the session.
func (a *Agent) Open(ctx context.Context, sessionID string) (*Session, error) {
	release, err := a.config.store.Acquire(ctx, sessionID)
	if err != nil {
		return nil, NewSessionError("Open", sessionID, err)
	}

	records, err := a.config.store.ListRecords(ctx, sessionID)
	if err != nil {
		release()
		return nil, NewSessionError("Open", sessionID, err)
	}

	kept, report := repair.Run(records)
	if report.Changed() {
		a.logger().Info("repaired session on load",
			"session_id", sessionID,
			"removed", report.Removed,
			"merged", report.Merged,
			"unmergeable", report.Unmergeable,
		)
		if err := a.config.store.ReplaceRecords(ctx, sessionID, kept); err != nil {
			release()
			return nil, NewSessionError("Open", sessionID, err)
		}
	}

	s := &Session{
		ID:      sessionID,
		Repair:  report,
		store:   a.config.store,
		release: release,
	}
	s.nextSeq = nextSequence(kept)
	return s, nil
}

func nextSequence(records []*types.Record) uint64 {
	var next uint64
	for _, rec := range records {
		if rec.Sequence >= next {
			next = rec.Sequence + 1
		}
	}
	return next
}

// Close releases the session's writer lock. Safe to call more than once.
func (s *Session) Close() {
	if s.release != nil {
		s.release()
	}
}

// Append allocates the next sequence number and durably persists a record.
// On failure the record does not exist and the sequence is not consumed.
func (s *Session) Append(ctx context.Context, speaker types.Speaker, text string, requests []types.ToolRequest, results []types.ToolResult) (uint64, error) {
	rec := &types.Record{
		Sequence:     s.nextSeq,
		Speaker:      speaker,
		Text:         text,
		ToolRequests: requests,
		ToolResults:  results,
		CreatedAt:    time.Now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return 0, NewSessionError("Append", s.ID, err)
	}
	if err := s.store.AppendRecord(ctx, s.ID, rec); err != nil {
		return 0, NewSessionError("Append", s.ID, err)
	}
	s.nextSeq++
	return rec.Sequence, nil
}

// Records returns all records in ascending sequence order.
func (s *Session) Records(ctx context.Context) ([]*types.Record, error) {
	records, err := s.store.ListRecords(ctx, s.ID)
	if err != nil {
		return nil, NewSessionError("Records", s.ID, err)
	}
	return records, nil
}

// EstimateSize returns the store's cheap size proxy for the session.
func (s *Session) EstimateSize(ctx context.Context) (int64, error) {
	size, err := s.store.EstimateSize(ctx, s.ID)
	if err != nil {
		return 0, NewSessionError("EstimateSize", s.ID, err)
	}
	return size, nil
}

// SummaryLog returns the session's append-only compaction log.
func (s *Session) SummaryLog(ctx context.Context) (string, error) {
	log, err := s.store.ReadSummaryLog(ctx, s.ID)
	if err != nil {
		return "", NewSessionError("SummaryLog", s.ID, err)
	}
	return log, nil
}

// refresh recomputes the next sequence number after a bulk rewrite.
func (s *Session) refresh(ctx context.Context) error {
	records, err := s.store.ListRecords(ctx, s.ID)
	if err != nil {
		return NewSessionError("refresh", s.ID, err)
	}
	s.nextSeq = nextSequence(records)
	return nil
}
