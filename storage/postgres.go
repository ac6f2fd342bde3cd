package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarimi23/agentfs/types"
)

// postgresSchema is applied by EnsureSchema. Tables are prefixed agentfs_
// so the store can share a database with application tables.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS agentfs_sessions (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agentfs_records (
	session_id   TEXT   NOT NULL REFERENCES agentfs_sessions(id) ON DELETE CASCADE,
	seq          BIGINT NOT NULL,
	speaker      TEXT   NOT NULL,
	body         JSONB  NOT NULL,
	visible_size BIGINT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS agentfs_summary_log (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES agentfs_sessions(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	entry      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agentfs_snapshots (
	session_id TEXT  NOT NULL REFERENCES agentfs_sessions(id) ON DELETE CASCADE,
	name       TEXT  NOT NULL,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (session_id, name)
);
`

// PostgresStore implements Store on PostgreSQL with pgx. It exists for
// deployments where sessions outlive one machine; the single-writer rule
// is enforced with a session-scoped advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the store's tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("%w: creating schema: %v", ErrStorageIO, err)
	}
	return nil
}

// Acquire inserts the session row if missing and takes an advisory lock
// keyed by the session id. The lock lives on a dedicated pooled connection
// that is held until release.
func (s *PostgresStore) Acquire(ctx context.Context, sessionID string) (ReleaseFunc, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrStorageIO)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO agentfs_sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, sessionID); err != nil {
		return nil, fmt.Errorf("%w: creating session: %v", ErrStorageIO, err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring connection: %v", ErrStorageIO, err)
	}

	var locked bool
	err = conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, sessionID).Scan(&locked)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: acquiring session lock: %v", ErrStorageIO, err)
	}
	if !locked {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}

	released := false
	return func() {
		if !released {
			released = true
			_, _ = conn.Exec(context.Background(),
				`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, sessionID)
			conn.Release()
		}
	}, nil
}

func (s *PostgresStore) sessionExists(ctx context.Context, sessionID string) error {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM agentfs_sessions WHERE id = $1`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("%w: looking up session: %v", ErrStorageIO, err)
	}
	return nil
}

// AppendRecord inserts one record row.
func (s *PostgresStore) AppendRecord(ctx context.Context, sessionID string, rec *types.Record) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agentfs_records (session_id, seq, speaker, body, visible_size) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, int64(rec.Sequence), string(rec.Speaker), body, rec.VisibleSize())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %d", ErrDuplicateSequence, rec.Sequence)
		}
		return fmt.Errorf("%w: inserting record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	return nil
}

// ListRecords returns record rows in sequence order.
func (s *PostgresStore) ListRecords(ctx context.Context, sessionID string) ([]*types.Record, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM agentfs_records WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying records: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var records []*types.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scanning record: %v", ErrStorageIO, err)
		}
		var rec types.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("%w: decoding record: %v", ErrStorageIO, err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating records: %v", ErrStorageIO, err)
	}
	return records, nil
}

// UpdateRecord upserts the row with the same sequence.
func (s *PostgresStore) UpdateRecord(ctx context.Context, sessionID string, rec *types.Record) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agentfs_records (session_id, seq, speaker, body, visible_size) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, seq) DO UPDATE SET speaker = EXCLUDED.speaker, body = EXCLUDED.body, visible_size = EXCLUDED.visible_size`,
		sessionID, int64(rec.Sequence), string(rec.Speaker), body, rec.VisibleSize())
	if err != nil {
		return fmt.Errorf("%w: updating record %d: %v", ErrStorageIO, rec.Sequence, err)
	}
	return nil
}

// DeleteRecords removes rows by sequence number.
func (s *PostgresStore) DeleteRecords(ctx context.Context, sessionID string, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	signed := make([]int64, len(seqs))
	for i, seq := range seqs {
		signed[i] = int64(seq)
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM agentfs_records WHERE session_id = $1 AND seq = ANY($2)`, sessionID, signed)
	if err != nil {
		return fmt.Errorf("%w: deleting records: %v", ErrStorageIO, err)
	}
	return nil
}

// ReplaceRecords swaps the whole record set in one transaction.
func (s *PostgresStore) ReplaceRecords(ctx context.Context, sessionID string, recs []*types.Record) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrStorageIO, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM agentfs_records WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("%w: clearing records: %v", ErrStorageIO, err)
	}
	for _, rec := range recs {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: encoding record %d: %v", ErrStorageIO, rec.Sequence, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agentfs_records (session_id, seq, speaker, body, visible_size) VALUES ($1, $2, $3, $4, $5)`,
			sessionID, int64(rec.Sequence), string(rec.Speaker), body, rec.VisibleSize()); err != nil {
			return fmt.Errorf("%w: inserting record %d: %v", ErrStorageIO, rec.Sequence, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing replace: %v", ErrStorageIO, err)
	}
	return nil
}

// EstimateSize sums the visible-field byte counts kept alongside each row.
func (s *PostgresStore) EstimateSize(ctx context.Context, sessionID string) (int64, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return 0, err
	}
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(visible_size), 0) FROM agentfs_records WHERE session_id = $1`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: summing record sizes: %v", ErrStorageIO, err)
	}
	return total, nil
}

// AppendSummary appends one summary log row.
func (s *PostgresStore) AppendSummary(ctx context.Context, sessionID string, entry string) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentfs_summary_log (session_id, entry) VALUES ($1, $2)`, sessionID, entry)
	if err != nil {
		return fmt.Errorf("%w: appending summary: %v", ErrStorageIO, err)
	}
	return nil
}

// ReadSummaryLog concatenates summary entries in insertion order.
func (s *PostgresStore) ReadSummaryLog(ctx context.Context, sessionID string) (string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM agentfs_summary_log WHERE session_id = $1 ORDER BY id ASC`, sessionID)
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
func (s *PostgresStore) SaveSnapshot(ctx context.Context, sessionID, name string, data []byte) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentfs_snapshots (session_id, name, data, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (session_id, name) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		sessionID, name, data)
	if err != nil {
		return fmt.Errorf("%w: saving snapshot %s: %v", ErrStorageIO, name, err)
	}
	return nil
}

// ListSessions enumerates sessions with record counts and compaction flags.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id,
		       (SELECT COUNT(*) FROM agentfs_records r WHERE r.session_id = s.id),
		       EXISTS (SELECT 1 FROM agentfs_summary_log l WHERE l.session_id = s.id)
		FROM agentfs_sessions s
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
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agentfs_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: deleting session: %v", ErrStorageIO, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
