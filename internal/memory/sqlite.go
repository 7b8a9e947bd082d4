package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteSchemaVersion  = 1
	sqliteSchemaChecksum = "fleet-memory-v1"
)

// sqliteStore is the embedded, single-file durable backend. It follows the
// same WAL + single-connection + busy-retry discipline as a single-writer
// local database: one writer at a time, bounded retries on SQLITE_BUSY,
// and a schema_migrations ledger that fails fast on a version/checksum it
// doesn't recognize rather than silently reinterpreting an old schema.
type sqliteStore struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, cfg Config) (Store, error) {
	path := cfg.SQLitePath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		path = filepath.Join(home, ".agentic-qe", "swarm-memory.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &sqliteStore{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *sqliteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > sqliteSchemaVersion {
		return fmt.Errorf("memory db schema version %d is newer than supported %d", maxVersion, sqliteSchemaVersion)
	}
	if maxVersion == sqliteSchemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, sqliteSchemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != sqliteSchemaChecksum {
			return fmt.Errorf("memory db schema checksum mismatch: got %q want %q", checksum, sqliteSchemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			ttl_ms INTEGER NOT NULL DEFAULT 0,
			agent_id TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (partition, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_partition_key ON memory_entries(partition, key);`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_agent_id ON patterns(agent_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, sqliteSchemaVersion, sqliteSchemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, using bounded
// exponential backoff with jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// querier is satisfied by both *sql.DB and *sql.Tx, so every method below
// can run either standalone or folded into a caller's WithTransaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the transaction carried on ctx by WithTransaction, or the
// store's single connection otherwise. The single-connection pool
// (SetMaxOpenConns(1)) already serializes standalone calls, so statements
// issued this way need no explicit transaction of their own; a nested
// BeginTx would deadlock against that same pool.
func (s *sqliteStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *sqliteStore) Put(ctx context.Context, partition, key string, value []byte, opts PutOptions) (bool, error) {
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		conn := s.conn(ctx)

		var existed int
		scanErr := conn.QueryRowContext(ctx, `SELECT 1 FROM memory_entries WHERE partition = ? AND key = ?;`, partition, key).Scan(&existed)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}
		created = errors.Is(scanErr, sql.ErrNoRows)

		now := time.Now().UTC()
		metadata := encodeMetadata(opts.Metadata)
		_, err := conn.ExecContext(ctx, `
			INSERT INTO memory_entries (partition, key, value, ttl_ms, agent_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(partition, key) DO UPDATE SET
				value = excluded.value,
				ttl_ms = excluded.ttl_ms,
				agent_id = excluded.agent_id,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at;
		`, partition, key, value, opts.TTLMs, opts.AgentID, metadata, now, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("put %s/%s: %w", partition, key, err)
	}
	return created, nil
}

func (s *sqliteStore) Get(ctx context.Context, partition, key string) (*MemoryEntry, error) {
	entry, err := s.scanOne(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		_, _ = s.Delete(ctx, partition, key)
		return nil, nil
	}
	return entry, nil
}

func (s *sqliteStore) scanOne(ctx context.Context, partition, key string) (*MemoryEntry, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT partition, key, value, ttl_ms, COALESCE(agent_id, ''), COALESCE(metadata, ''), created_at, updated_at
		FROM memory_entries WHERE partition = ? AND key = ?;
	`, partition, key)
	var e MemoryEntry
	var metadata string
	if err := row.Scan(&e.Partition, &e.Key, &e.Value, &e.TTLMs, &e.AgentID, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Metadata = decodeMetadata(metadata)
	return &e, nil
}

func (s *sqliteStore) Delete(ctx context.Context, partition, key string) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM memory_entries WHERE partition = ? AND key = ?;`, partition, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", partition, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Scan(ctx context.Context, partition, keyPrefix string, limit int) ([]MemoryEntry, error) {
	query := `
		SELECT partition, key, value, ttl_ms, COALESCE(agent_id, ''), COALESCE(metadata, ''), created_at, updated_at
		FROM memory_entries WHERE partition = ?`
	args := []any{partition}
	if keyPrefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLikePrefix(keyPrefix)+"%")
	}
	query += ` ORDER BY key ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", partition, err)
	}
	defer rows.Close()

	now := time.Now()
	out := make([]MemoryEntry, 0)
	for rows.Next() {
		var e MemoryEntry
		var metadata string
		if err := rows.Scan(&e.Partition, &e.Key, &e.Value, &e.TTLMs, &e.AgentID, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if e.expired(now) {
			continue
		}
		e.Metadata = decodeMetadata(metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) StorePattern(ctx context.Context, p Pattern) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO patterns (id, agent_id, type, payload, success_count, failure_count, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			type = excluded.type,
			payload = excluded.payload,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			last_used_at = excluded.last_used_at;
	`, p.ID, p.AgentID, p.Type, p.Payload, p.SuccessCount, p.FailureCount, p.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("store pattern %s: %w", p.ID, err)
	}
	return nil
}

// QueryPatternsByAgent relies on idx_patterns_agent_id for the sub-linear
// lookup the contract requires; the minSamples visibility floor and an
// initial ordering are applied in SQL, the minConfidence filter and the
// final confidence/recency sort in Go. The query has no LIMIT.
func (s *sqliteStore) QueryPatternsByAgent(ctx context.Context, agentID string, minConfidence float64) ([]Pattern, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, agent_id, type, payload, success_count, failure_count, created_at, last_used_at
		FROM patterns
		WHERE agent_id = ? AND (success_count + failure_count) >= ?
		ORDER BY
			CAST(success_count AS REAL) / MAX(success_count + failure_count, 1) DESC,
			last_used_at DESC;
	`, agentID, minPatternSamples)
	if err != nil {
		return nil, fmt.Errorf("query patterns for %s: %w", agentID, err)
	}
	defer rows.Close()

	out := make([]Pattern, 0)
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Type, &p.Payload, &p.SuccessCount, &p.FailureCount, &p.CreatedAt, &p.LastUsedAt); err != nil {
			return nil, err
		}
		if p.Confidence() < minConfidence {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence() != out[j].Confidence() {
			return out[i].Confidence() > out[j].Confidence()
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out, rows.Err()
}

func (s *sqliteStore) UpdatePattern(ctx context.Context, id string, success bool) (string, error) {
	var agentID string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT agent_id FROM patterns WHERE id = ?;`, id).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup pattern %s owner: %w", id, err)
	}

	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err = s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`
		UPDATE patterns SET %s = %s + 1, last_used_at = ? WHERE id = ?;
	`, col, col), time.Now().UTC(), id)
	if err != nil {
		return "", fmt.Errorf("update pattern %s: %w", id, err)
	}
	return agentID, nil
}

func (s *sqliteStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, sqliteTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTxKey struct{}

func (s *sqliteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		DELETE FROM memory_entries
		WHERE ttl_ms > 0 AND datetime(created_at, '+' || (ttl_ms / 1000.0) || ' seconds') <= ?;
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func escapeLikePrefix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
