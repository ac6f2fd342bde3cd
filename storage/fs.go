package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mkarimi23/agentfs/types"
)

const (
	summaryLogName = "summary.log"
	lockFileName   = "session.lock"
	tmpPrefix      = ".tmp-"

	// DefaultLockStaleAfter is how old an abandoned lock file must be
	// before a new writer may break it.
	DefaultLockStaleAfter = 24 * time.Hour
)

// lockInfo is written into the lock file so an operator (or a stale-lock
// check) can see who holds a session.
type lockInfo struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// FSStore persists each session as a directory of small files: one JSON
// file per record named by zero-padded sequence and speaker, so plain
// lexicographic directory order is record order. The layout is crash-safe
// (every write goes through temp file, fsync, rename) and independently
// inspectable with nothing but a text editor.
type FSStore struct {
	root string

	// LockStaleAfter controls when an abandoned session.lock may be
	// broken. Zero means never.
	LockStaleAfter time.Duration
}

var _ Store = (*FSStore)(nil)

// NewFSStore opens (creating if needed) a store rooted at dir. An
// uncreatable root is the one unrecoverable storage failure at startup.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty store root", ErrStorageIO)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating store root: %v", ErrStorageIO, err)
	}
	return &FSStore{root: dir, LockStaleAfter: DefaultLockStaleAfter}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// recordFileName builds the per-record file name. Eight digits keeps
// lexicographic order equal to numeric order for any realistic session.
func recordFileName(seq uint64, speaker types.Speaker) string {
	return fmt.Sprintf("%08d-%s.json", seq, speaker)
}

// parseRecordFileName reverses recordFileName. ok is false for anything
// else living in a session directory (summary log, snapshots, temp files).
func parseRecordFileName(name string) (seq uint64, speaker types.Speaker, ok bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, "", false
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.IndexByte(base, '-')
	if idx != 8 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(base[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	sp := types.Speaker(base[idx+1:])
	if !sp.Valid() {
		return 0, "", false
	}
	return n, sp, true
}

// writeFileDurable writes data to dir/name via a temp file, fsyncing both
// the file and the directory so the rename survives a crash.
func writeFileDurable(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, tmpPrefix+name)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Acquire creates the session directory if needed and takes the writer
// lock via an O_CREATE|O_EXCL lock file. A lock older than LockStaleAfter
// is treated as abandoned and broken once.
func (s *FSStore) Acquire(ctx context.Context, sessionID string) (ReleaseFunc, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating session dir: %v", ErrStorageIO, err)
	}

	lockPath := filepath.Join(dir, lockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			info, _ := json.Marshal(lockInfo{PID: os.Getpid(), CreatedAt: time.Now().UTC()})
			_, _ = f.Write(append(info, '\n'))
			_ = f.Close()
			released := false
			return func() {
				if !released {
					released = true
					_ = os.Remove(lockPath)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: acquiring session lock: %v", ErrStorageIO, err)
		}
		if attempt == 0 && s.breakStaleLock(lockPath) {
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
}

func (s *FSStore) breakStaleLock(lockPath string) bool {
	if s.LockStaleAfter <= 0 {
		return false
	}
	st, err := os.Stat(lockPath)
	if err != nil {
		return os.IsNotExist(err)
	}
	if time.Since(st.ModTime()) < s.LockStaleAfter {
		return false
	}
	return os.Remove(lockPath) == nil
}

// AppendRecord writes one record file. The write is durable before return.
func (s *FSStore) AppendRecord(ctx context.Context, sessionID string, rec *types.Record) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	name := recordFileName(rec.Sequence, rec.Speaker)
	for _, sp := range []types.Speaker{types.SpeakerUser, types.SpeakerAssistant} {
		if _, err := os.Stat(filepath.Join(dir, recordFileName(rec.Sequence, sp))); err == nil {
			return fmt.Errorf("%w: %d", ErrDuplicateSequence, rec.Sequence)
		}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	if err := writeFileDurable(dir, name, data); err != nil {
		return fmt.Errorf("%w: writing record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	return nil
}

// ListRecords reads every record file in sequence order. Unparseable
// files are surfaced as ErrStorageIO rather than silently skipped; the
// repair engine decides what to drop, not the store.
func (s *FSStore) ListRecords(ctx context.Context, sessionID string) ([]*types.Record, error) {
	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: reading session dir: %v", ErrStorageIO, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := parseRecordFileName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	// Zero-padded names: lexicographic order is sequence order.
	sort.Strings(names)

	records := make([]*types.Record, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrStorageIO, name, err)
		}
		var rec types.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %v", ErrStorageIO, name, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// UpdateRecord overwrites the record file with the same sequence.
func (s *FSStore) UpdateRecord(ctx context.Context, sessionID string, rec *types.Record) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	if err := writeFileDurable(dir, recordFileName(rec.Sequence, rec.Speaker), data); err != nil {
		return fmt.Errorf("%w: writing record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	return nil
}

// DeleteRecords removes record files by sequence number, either speaker.
func (s *FSStore) DeleteRecords(ctx context.Context, sessionID string, seqs []uint64) error {
	dir := s.sessionDir(sessionID)
	for _, seq := range seqs {
		for _, sp := range []types.Speaker{types.SpeakerUser, types.SpeakerAssistant} {
			err := os.Remove(filepath.Join(dir, recordFileName(seq, sp)))
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: deleting record %d: %v", ErrStorageIO, seq, err)
			}
		}
	}
	return syncDirIgnoreMissing(dir)
}

func syncDirIgnoreMissing(dir string) error {
	if err := syncDir(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: syncing session dir: %v", ErrStorageIO, err)
	}
	return nil
}

// ReplaceRecords writes the new record set, then removes every record file
// not part of it. A crash in between leaves extra old records behind, which
// the next load's repair pass clears; it never loses acknowledged new ones.
func (s *FSStore) ReplaceRecords(ctx context.Context, sessionID string, recs []*types.Record) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	keep := make(map[string]bool, len(recs))
	for _, rec := range recs {
		name := recordFileName(rec.Sequence, rec.Speaker)
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
		}
		if err := writeFileDurable(dir, name, data); err != nil {
			return fmt.Errorf("%w: writing record %d: %v", ErrStorageIO, rec.Sequence, err)
		}
		keep[name] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: reading session dir: %v", ErrStorageIO, err)
	}
	for _, e := range entries {
		name := e.Name()
		if _, _, ok := parseRecordFileName(name); !ok || keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: deleting %s: %v", ErrStorageIO, name, err)
		}
	}
	return syncDirIgnoreMissing(dir)
}

// EstimateSize sums record file sizes. Summary log, snapshots and the lock
// file never count.
func (s *FSStore) EstimateSize(ctx context.Context, sessionID string) (int64, error) {
	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return 0, fmt.Errorf("%w: reading session dir: %v", ErrStorageIO, err)
	}
	var total int64
	for _, e := range entries {
		if _, _, ok := parseRecordFileName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, fmt.Errorf("%w: stat %s: %v", ErrStorageIO, e.Name(), err)
		}
		total += info.Size()
	}
	return total, nil
}

// AppendSummary appends one entry to the session's summary log and fsyncs.
func (s *FSStore) AppendSummary(ctx context.Context, sessionID string, entry string) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	f, err := os.OpenFile(filepath.Join(dir, summaryLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening summary log: %v", ErrStorageIO, err)
	}
	defer f.Close()
	if !strings.HasSuffix(entry, "\n") {
		entry += "\n"
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("%w: writing summary log: %v", ErrStorageIO, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing summary log: %v", ErrStorageIO, err)
	}
	return nil
}

// ReadSummaryLog returns the whole summary log, empty when none exists.
func (s *FSStore) ReadSummaryLog(ctx context.Context, sessionID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), summaryLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: reading summary log: %v", ErrStorageIO, err)
	}
	return string(data), nil
}

// SaveSnapshot overwrites a diagnostic snapshot. Best-effort durability is
// fine here, but the rename keeps readers from seeing a half-written file.
func (s *FSStore) SaveSnapshot(ctx context.Context, sessionID, name string, data []byte) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := writeFileDurable(dir, name, data); err != nil {
		return fmt.Errorf("%w: writing snapshot %s: %v", ErrStorageIO, name, err)
	}
	return nil
}

// ListSessions enumerates session directories in name order.
func (s *FSStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: reading store root: %v", ErrStorageIO, err)
	}
	var infos []SessionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: reading session dir %s: %v", ErrStorageIO, e.Name(), err)
		}
		info := SessionInfo{ID: e.Name()}
		for _, f := range files {
			if _, _, ok := parseRecordFileName(f.Name()); ok {
				info.Records++
			} else if f.Name() == summaryLogName {
				info.Compacted = true
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// DeleteSession removes the session directory and everything in it.
func (s *FSStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("%w: stat session dir: %v", ErrStorageIO, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: removing session dir: %v", ErrStorageIO, err)
	}
	return nil
}

// Close is a no-op for the filesystem backend.
func (s *FSStore) Close() error { return nil }

// validSessionID rejects ids that would escape the store root.
func validSessionID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: invalid session id %q", ErrStorageIO, id)
	}
	return nil
}
