package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepResult holds what one sweep removed.
type SweepResult struct {
	// TempFilesRemoved is the number of leftover temp files removed. A
	// crash between write and rename leaves these behind.
	TempFilesRemoved int

	// StaleLocksBroken is the number of abandoned writer locks removed.
	StaleLocksBroken int
}

// LockRefresher is implemented by backends whose writer locks can go stale
// with age. Refreshing the lock of an open session keeps a long-running
// writer from being treated as abandoned.
type LockRefresher interface {
	RefreshLock(ctx context.Context, sessionID string) error
}

// Sweepable is implemented by backends that accumulate crash leftovers.
type Sweepable interface {
	// Sweep removes temp files and locks older than olderThan across all
	// sessions. It must never touch live data.
	Sweep(ctx context.Context, olderThan time.Duration) (SweepResult, error)
}

var (
	_ LockRefresher = (*FSStore)(nil)
	_ Sweepable     = (*FSStore)(nil)
	_ LockRefresher = (*SQLiteStore)(nil)
	_ Sweepable     = (*SQLiteStore)(nil)
)

// RefreshLock bumps the lock file's timestamp so staleness is measured
// from the last heartbeat, not from acquisition.
func (s *FSStore) RefreshLock(ctx context.Context, sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	lockPath := filepath.Join(s.sessionDir(sessionID), lockFileName)
	now := time.Now()
	if err := os.Chtimes(lockPath, now, now); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: lock for %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("%w: refreshing lock: %v", ErrStorageIO, err)
	}
	return nil
}

// Sweep walks every session directory and removes temp files and lock
// files older than olderThan.
func (s *FSStore) Sweep(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	var result SweepResult
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return result, fmt.Errorf("%w: reading store root: %v", ErrStorageIO, err)
	}
	cutoff := time.Now().Add(-olderThan)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return result, fmt.Errorf("%w: reading session dir %s: %v", ErrStorageIO, e.Name(), err)
		}
		for _, f := range files {
			name := f.Name()
			isTemp := strings.HasPrefix(name, tmpPrefix)
			if !isTemp && name != lockFileName {
				continue
			}
			info, err := f.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return result, fmt.Errorf("%w: removing %s: %v", ErrStorageIO, name, err)
			}
			if isTemp {
				result.TempFilesRemoved++
			} else {
				result.StaleLocksBroken++
			}
		}
	}
	return result, nil
}

// RefreshLock bumps the lock row's timestamp.
func (s *SQLiteStore) RefreshLock(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_locks SET acquired_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("%w: refreshing lock: %v", ErrStorageIO, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lock for %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Sweep removes lock rows older than olderThan. The SQLite backend has no
// temp files; writes are transactional.
func (s *SQLiteStore) Sweep(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	var result SweepResult
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE acquired_at < ?`, cutoff)
	if err != nil {
		return result, fmt.Errorf("%w: sweeping locks: %v", ErrStorageIO, err)
	}
	n, _ := res.RowsAffected()
	result.StaleLocksBroken = int(n)
	return result, nil
}
