// Package store is the durable-store adapter: accounts, API identities and
// the append-only call log, kept in PostgreSQL (production) or SQLite
// (local development and tests).
//
// Row-level exclusion for balance changes comes from the database, never from
// process locks: Postgres takes SELECT ... FOR UPDATE inside a transaction,
// SQLite runs on a single connection so transactions are serialized.
//
// Writes made while the fast store is unreachable (DeductLocked, Credit) set
// the account's fast_stale mark. A marked row holds changes the cached
// balance never saw: SetBalance and UpsertBalance refuse to overwrite it, and
// ClearStale removes the mark when the cache is rebuilt from the row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported dialects. They double as database/sql driver names.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrFastStale indicates the row is marked stale and was not overwritten.
	ErrFastStale = errors.New("store: account has writes the fast store has not seen")

	// ErrUnsupportedDialect indicates a driver other than postgres or sqlite.
	ErrUnsupportedDialect = errors.New("store: unsupported dialect (supported: postgres, sqlite)")
)

// Account is a durable balance row.
type Account struct {
	ID               int64
	CreditsRemaining int64

	// FastStale is set while the cached balance misses durable-only writes.
	FastStale bool
}

// Identity maps an opaque credential to an account.
type Identity struct {
	ID         int64
	Credential string
	AccountID  int64
	Active     bool
}

// CallRecord is one metered call. Rows are written once and never changed.
type CallRecord struct {
	ID          uuid.UUID
	AccountID   int64
	Endpoint    string
	CreditsUsed int64
	Params      map[string]any
	ExecMs      int64
	ClientIP    string
	CreatedAt   time.Time
}

// Config describes how to open the durable store.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string

	// DSN is the driver-specific connection string (a file path for sqlite).
	DSN string

	// MaxConns bounds the connection pool (default 10; sqlite always uses 1).
	MaxConns int

	// OpTimeout bounds every statement or transaction (default: 2s).
	OpTimeout time.Duration
}

// SQLStore implements the durable store over database/sql.
type SQLStore struct {
	db        *sql.DB
	dialect   string
	opTimeout time.Duration
}

// Open opens the database described by cfg and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	if cfg.Driver != DialectPostgres && cfg.Driver != DialectSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DialectSQLite {
		// One writer at a time; a single connection also serializes the
		// read-check-write transactions in DeductLocked.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := cfg.MaxConns
		if maxConns <= 0 {
			maxConns = 10
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
		db.SetConnMaxIdleTime(time.Minute)
	}
	db.SetConnMaxLifetime(time.Hour)

	s, err := New(db, cfg.Driver, cfg.OpTimeout)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of pool sizing.
func New(db *sql.DB, dialect string, opTimeout time.Duration) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database connection is required")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}
	if opTimeout == 0 {
		opTimeout = 2 * time.Second
	}
	return &SQLStore{db: db, dialect: dialect, opTimeout: opTimeout}, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Dialect returns the SQL dialect.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate is the row-lock suffix for read-check-write transactions.
func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// LookupIdentity resolves a credential. Inactive identities are returned
// with Active=false; ErrNotFound means the credential is unknown.
func (s *SQLStore) LookupIdentity(ctx context.Context, credential string) (*Identity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id Identity
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, credential, account_id, active FROM identities WHERE credential = ?`),
		credential,
	).Scan(&id.ID, &id.Credential, &id.AccountID, &id.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	return &id, nil
}

// CreateIdentity provisions a credential for an account and returns its id.
func (s *SQLStore) CreateIdentity(ctx context.Context, credential string, accountID int64, active bool) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`INSERT INTO identities (credential, account_id, active) VALUES (?, ?, ?) RETURNING id`),
		credential, accountID, active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

// Balance reads an account balance without locking.
func (s *SQLStore) Balance(ctx context.Context, accountID int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT credits_remaining FROM accounts WHERE id = ?`),
		accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Accounts returns every account with its durable balance, ordered by id.
func (s *SQLStore) Accounts(ctx context.Context) ([]Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, credits_remaining, fast_stale FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CreditsRemaining, &a.FastStale); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeductLocked charges amount inside a transaction holding the account row
// lock. It returns the balance after the operation and whether the charge was
// applied. ErrNotFound is returned when the account has no row. An applied
// charge marks the row stale.
func (s *SQLStore) DeductLocked(ctx context.Context, accountID, amount int64) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var available int64
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT credits_remaining FROM accounts WHERE id = ?`+s.forUpdate()),
		accountID,
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("lock account: %w", err)
	}

	if available < amount {
		return available, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE accounts SET credits_remaining = credits_remaining - ?, fast_stale = TRUE, updated_at = ? WHERE id = ?`),
		amount, time.Now().UTC(), accountID,
	); err != nil {
		return 0, false, fmt.Errorf("deduct: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit deduct: %w", err)
	}
	return available - amount, true, nil
}

// Credit adds amount to an account in a single statement, creating the row
// when it does not exist, and returns the new balance. The row is marked
// stale.
func (s *SQLStore) Credit(ctx context.Context, accountID, amount int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var balance int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO accounts (id, credits_remaining, fast_stale, updated_at) VALUES (?, ?, TRUE, ?)
		ON CONFLICT (id) DO UPDATE
		SET credits_remaining = accounts.credits_remaining + excluded.credits_remaining,
		    fast_stale = TRUE,
		    updated_at = excluded.updated_at
		RETURNING credits_remaining`),
		accountID, amount, time.Now().UTC(),
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}
	return balance, nil
}

// SetBalance overwrites an existing account balance. It reports false when no
// row exists or the row is marked stale; it never inserts.
func (s *SQLStore) SetBalance(ctx context.Context, accountID, balance int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE accounts SET credits_remaining = ?, updated_at = ? WHERE id = ? AND fast_stale = FALSE`),
		balance, time.Now().UTC(), accountID,
	)
	if err != nil {
		return false, fmt.Errorf("set balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set balance rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertBalance writes balance, inserting the account row if needed.
// ErrFastStale is returned, and nothing written, when the row is marked stale.
func (s *SQLStore) UpsertBalance(ctx context.Context, accountID, balance int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (id, credits_remaining, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET credits_remaining = excluded.credits_remaining,
		    updated_at = excluded.updated_at
		WHERE accounts.fast_stale = FALSE`),
		accountID, balance, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert balance rows affected: %w", err)
	}
	if n == 0 {
		return ErrFastStale
	}
	return nil
}

// ClearStale removes the stale mark and returns the balance in one locked
// statement. Callers seed the fast store with the result. ErrNotFound is
// returned when the account has no row.
func (s *SQLStore) ClearStale(ctx context.Context, accountID int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`UPDATE accounts SET fast_stale = FALSE WHERE id = ? RETURNING credits_remaining`),
		accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("clear stale mark: %w", err)
	}
	return balance, nil
}

// RecordCall appends a call record. A zero ID or CreatedAt is filled in.
func (s *SQLStore) RecordCall(ctx context.Context, rec CallRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	params := []byte("{}")
	if len(rec.Params) > 0 {
		b, err := json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("encode call params: %w", err)
		}
		params = b
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO call_records (
			id, account_id, endpoint, credits_used,
			params_json, exec_ms, client_ip, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID.String(), rec.AccountID, rec.Endpoint, rec.CreditsUsed,
		string(params), rec.ExecMs, rec.ClientIP, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// CallRecords returns the call log for an account, newest first.
func (s *SQLStore) CallRecords(ctx context.Context, accountID int64, limit int) ([]CallRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, account_id, endpoint, credits_used, params_json, exec_ms, client_ip
		FROM call_records
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?`),
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var (
			r      CallRecord
			id     string
			params string
		)
		if err := rows.Scan(&id, &r.AccountID, &r.Endpoint, &r.CreditsUsed, &params, &r.ExecMs, &r.ClientIP); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse call record id: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("decode call params: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
