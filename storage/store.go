// Package storage defines the durable session store interface and its
// backends. A store holds, per session, an ordered collection of records,
// an append-only summary log, and optional diagnostic snapshots of the
// most recent request and response.
//
// Every backend guarantees durability before acknowledgment: a successful
// AppendRecord means the record survives a crash, and a failed one means
// the caller must assume the record does not exist.
package storage

import (
	"context"
	"errors"

	"github.com/mkarimi23/agentfs/types"
)

// Common storage errors.
var (
	// ErrStorageIO is returned when an underlying read or write cannot
	// complete. The session remains in its last durably-written state.
	ErrStorageIO = errors.New("storage i/o failure")

	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned when another writer holds the session lock.
	ErrSessionBusy = errors.New("session busy")

	// ErrDuplicateSequence is returned when appending a record whose
	// sequence number already exists in the session.
	ErrDuplicateSequence = errors.New("duplicate sequence number")
)

// SessionInfo describes one session for selection at startup.
type SessionInfo struct {
	ID        string `json:"id"`
	Records   int    `json:"records"`
	Compacted bool   `json:"compacted"`
}

// ReleaseFunc releases a session writer lock. Safe to call more than once.
type ReleaseFunc func()

// Store is the durable session store interface. Implementations are safe
// for a single writer per session; Acquire enforces that and fails fast
// with ErrSessionBusy when a second writer shows up.
type Store interface {
	// Acquire takes the single-writer lock for a session, creating the
	// session if it does not exist. The returned release func must be
	// called on every exit path.
	Acquire(ctx context.Context, sessionID string) (ReleaseFunc, error)

	// AppendRecord durably persists one record. The record's sequence
	// number is assigned by the caller and must not already exist.
	AppendRecord(ctx context.Context, sessionID string, rec *types.Record) error

	// ListRecords returns all records in ascending sequence order.
	ListRecords(ctx context.Context, sessionID string) ([]*types.Record, error)

	// UpdateRecord overwrites the stored record with the same sequence.
	UpdateRecord(ctx context.Context, sessionID string, rec *types.Record) error

	// DeleteRecords removes the records with the given sequence numbers.
	// Missing sequences are ignored.
	DeleteRecords(ctx context.Context, sessionID string, seqs []uint64) error

	// ReplaceRecords swaps the session's record set for recs: new records
	// are written first, then stale ones are removed. Used by compaction
	// when it renumbers the kept tail.
	ReplaceRecords(ctx context.Context, sessionID string, recs []*types.Record) error

	// EstimateSize returns the total stored byte count of the session's
	// conversation-visible fields. Summary log and snapshots are excluded.
	EstimateSize(ctx context.Context, sessionID string) (int64, error)

	// AppendSummary appends one entry to the session's summary log.
	AppendSummary(ctx context.Context, sessionID string, entry string) error

	// ReadSummaryLog returns the full summary log, empty if none.
	ReadSummaryLog(ctx context.Context, sessionID string) (string, error)

	// SaveSnapshot overwrites a named diagnostic snapshot. Snapshots are
	// best-effort: they carry no conversation state and may be dropped.
	SaveSnapshot(ctx context.Context, sessionID, name string, data []byte) error

	// ListSessions enumerates all sessions in stable order.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// DeleteSession removes a session and everything stored under it.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}
