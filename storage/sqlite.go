package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkarimi23/agentfs/types"
)

// sqliteSchema is created on open. One database file holds every session;
// the records table is the embedded append-only log variant of the store.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	session_id   TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	speaker      TEXT    NOT NULL,
	body         TEXT    NOT NULL,
	visible_size INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS summary_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	created_at TEXT NOT NULL,
	entry      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, name)
);

CREATE TABLE IF NOT EXISTS session_locks (
	session_id  TEXT PRIMARY KEY,
	pid         INTEGER NOT NULL,
	acquired_at TEXT NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite database file via the
// pure-Go modernc.org/sqlite driver. Compared to the filesystem backend it
// trades per-record inspectability for transactional ReplaceRecords.
type SQLiteStore struct {
	db *sql.DB

	// LockStaleAfter controls when an abandoned lock row may be broken.
	// Zero means never.
	LockStaleAfter time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path. WAL mode
// with synchronous=FULL keeps appends durable before acknowledgment.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrStorageIO)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorageIO, err)
	}
	// The driver serializes access through one connection; more would
	// trade SQLITE_BUSY errors for no benefit in a single-writer store.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrStorageIO, err)
	}
	return &SQLiteStore{db: db, LockStaleAfter: DefaultLockStaleAfter}, nil
}

// Acquire inserts the session row if missing and takes the writer lock row.
func (s *SQLiteStore) Acquire(ctx context.Context, sessionID string) (ReleaseFunc, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrStorageIO)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`, sessionID, now); err != nil {
		return nil, fmt.Errorf("%w: creating session: %v", ErrStorageIO, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_locks (session_id, pid, acquired_at) VALUES (?, ?, ?)`,
			sessionID, os.Getpid(), now)
		if err != nil {
			return nil, fmt.Errorf("%w: acquiring session lock: %v", ErrStorageIO, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			released := false
			return func() {
				if !released {
					released = true
					_, _ = s.db.Exec(`DELETE FROM session_locks WHERE session_id = ?`, sessionID)
				}
			}, nil
		}
		if attempt == 0 && s.breakStaleLock(ctx, sessionID) {
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
}

func (s *SQLiteStore) breakStaleLock(ctx context.Context, sessionID string) bool {
	if s.LockStaleAfter <= 0 {
		return false
	}
	var acquiredAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT acquired_at FROM session_locks WHERE session_id = ?`, sessionID).Scan(&acquiredAt)
	if err != nil {
		return err == sql.ErrNoRows
	}
	t, err := time.Parse(time.RFC3339Nano, acquiredAt)
	if err != nil || time.Since(t) < s.LockStaleAfter {
		return false
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE session_id = ?`, sessionID)
	return err == nil
}

func (s *SQLiteStore) sessionExists(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("%w: looking up session: %v", ErrStorageIO, err)
	}
	return nil
}

// AppendRecord inserts one record row.
func (s *SQLiteStore) AppendRecord(ctx context.Context, sessionID string, rec *types.Record) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (session_id, seq, speaker, body, visible_size) VALUES (?, ?, ?, ?, ?)`,
		sessionID, rec.Sequence, string(rec.Speaker), string(body), rec.VisibleSize())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %d", ErrDuplicateSequence, rec.Sequence)
		}
		return fmt.Errorf("%w: inserting record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	return nil
}

// ListRecords returns record rows in sequence order.
func (s *SQLiteStore) ListRecords(ctx context.Context, sessionID string) ([]*types.Record, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM records WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying records: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var records []*types.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scanning record: %v", ErrStorageIO, err)
		}
		var rec types.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("%w: decoding record: %v", ErrStorageIO, err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating records: %v", ErrStorageIO, err)
	}
	return records, nil
}

// UpdateRecord overwrites the row with the same sequence.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, sessionID string, rec *types.Record) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (session_id, seq, speaker, body, visible_size) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, seq) DO UPDATE SET speaker = excluded.speaker, body = excluded.body, visible_size = excluded.visible_size`,
		sessionID, rec.Sequence, string(rec.Speaker), string(body), rec.VisibleSize())
	if err != nil {
		return fmt.Errorf("%w: updating record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	return nil
}

// DeleteRecords removes rows by sequence number.
func (s *SQLiteStore) DeleteRecords(ctx context.Context, sessionID string, seqs []uint64) error {
	for _, seq := range seqs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE session_id = ? AND seq = ?`, sessionID, seq); err != nil {
			return fmt.Errorf("%w: deleting record %d: %v", ErrStorageIO, seq, err)
		}
	}
	return nil
}

// ReplaceRecords swaps the whole record set in one transaction.
func (s *SQLiteStore) ReplaceRecords(ctx context.Context, sessionID string, recs []*types.Record) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrStorageIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("%w: clearing records: %v", ErrStorageIO, err)
	}
	for _, rec := range recs {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (session_id, seq, speaker, body, visible_size) VALUES (?, ?, ?, ?, ?)`,
			sessionID, rec.Sequence, string(rec.Speaker), string(body), rec.VisibleSize()); err != nil {
			return fmt.Errorf("%w: inserting record %d: %v", ErrStorageIO, rec.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing replace: %v", ErrStorageIO, err)
	}
	return nil
}

// EstimateSize sums the visible-field byte counts kept alongside each row.
func (s *SQLiteStore) EstimateSize(ctx context.Context, sessionID string) (int64, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return 0, err
	}
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(visible_size), 0) FROM records WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: summing record sizes: %v", ErrStorageIO, err)
	}
	return total, nil
}

// AppendSummary appends one summary log row.
func (s *SQLiteStore) AppendSummary(ctx context.Context, sessionID string, entry string) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summary_log (session_id, created_at, entry) VALUES (?, ?, ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano), entry)
	if err != nil {
		return fmt.Errorf("%w: appending summary: %v", ErrStorageIO, err)
	}
	return nil
}

// ReadSummaryLog concatenates summary entries in insertion order.
func (s *SQLiteStore) ReadSummaryLog(ctx context.Context, sessionID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM summary_log WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: querying summary log: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return "", fmt.Errorf("%w: scanning summary entry: %v", ErrStorageIO, err)
		}
		b.WriteString(entry)
		if !strings.HasSuffix(entry, "\n") {
			b.WriteByte('\n')
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: iterating summary log: %v", ErrStorageIO, err)
	}
	return b.String(), nil
}

// SaveSnapshot upserts a named diagnostic snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sessionID, name string, data []byte) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, name, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, name, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: saving snapshot %s: %v", ErrStorageIO, name, err)
	}
	return nil
}

// ListSessions enumerates sessions with record counts and compaction flags.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id,
		       (SELECT COUNT(*) FROM records r WHERE r.session_id = s.id),
		       EXISTS (SELECT 1 FROM summary_log l WHERE l.session_id = s.id)
		FROM sessions s
		ORDER BY s.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying sessions: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.Records, &info.Compacted); err != nil {
			return nil, fmt.Errorf("%w: scanning session: %v", ErrStorageIO, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating sessions: %v", ErrStorageIO, err)
	}
	return infos, nil
}

// DeleteSession removes the session row; cascades clear everything else.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: deleting session: %v", ErrStorageIO, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
