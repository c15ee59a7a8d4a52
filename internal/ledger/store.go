package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatsearch/internal/metrics"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect struct {
	name   string
	driver string
	schema string
	bind   func(n int) string
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			sublevel TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (sublevel, key)
		);
	`,
	bind: func(int) string { return "?" },
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			sublevel TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (sublevel, key)
		);
	`,
	bind: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// Store is a namespaced key-value store on database/sql. Each namespace is a
// Sublevel; values are JSON documents.
type Store struct {
	db      *sql.DB
	dialect dialect
	path    string
}

// OpenSQLite opens (creating if needed) <dataDir>/ledger.db.
func OpenSQLite(ctx context.Context, dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, &IOError{Op: "open", Err: fmt.Errorf("creating data directory: %w", err)}
	}
	dbPath := filepath.Join(dataDir, "ledger.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	// One writer per process; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dialect: sqliteDialect, path: dbPath}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a ledger in a PostgreSQL database.
func OpenPostgres(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", AdjustDatabaseURL(databaseURL))
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &IOError{Op: "ping", Err: err}
	}

	s := &Store{db: db, dialect: postgresDialect}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// AdjustDatabaseURL disables SSL for Railway-hosted PostgreSQL, which does not support it.
func AdjustDatabaseURL(databaseURL string) string {
	if os.Getenv("RAILWAY_ENVIRONMENT") == "" && !strings.Contains(databaseURL, "railway.app") {
		return databaseURL
	}
	parsedURL, err := url.Parse(databaseURL)
	if err != nil {
		return databaseURL
	}
	values := parsedURL.Query()
	values.Set("sslmode", "disable")
	parsedURL.RawQuery = values.Encode()
	return parsedURL.String()
}

func (s *Store) initSchema(ctx context.Context) error {
	slog.Info("Initializing ledger schema", "dialect", s.dialect.name)
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return &IOError{Op: "init schema", Err: err}
	}
	return nil
}

// Path is the database file for SQLite stores and empty otherwise.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Sublevel returns the key space with the given name.
func (s *Store) Sublevel(name string) *Sublevel {
	return &Sublevel{store: s, name: name}
}

// Sublevel is one key space of a Store.
type Sublevel struct {
	store *Store
	name  string
}

func (l *Sublevel) Name() string {
	return l.name
}

func (l *Sublevel) Has(ctx context.Context, key string) (bool, error) {
	defer observe("has", time.Now())
	b := l.store.dialect.bind
	row := l.store.db.QueryRowContext(ctx,
		"SELECT 1 FROM ledger_entries WHERE sublevel = "+b(1)+" AND key = "+b(2), l.name, key)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, l.fail("has", key, err)
	}
	return true, nil
}

// Get decodes the value stored under key into v and reports whether it existed.
func (l *Sublevel) Get(ctx context.Context, key string, v any) (bool, error) {
	defer observe("get", time.Now())
	b := l.store.dialect.bind
	row := l.store.db.QueryRowContext(ctx,
		"SELECT value FROM ledger_entries WHERE sublevel = "+b(1)+" AND key = "+b(2), l.name, key)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, l.fail("get", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, l.fail("decode", key, err)
	}
	return true, nil
}

// Put stores v under key, replacing any previous value.
func (l *Sublevel) Put(ctx context.Context, key string, v any) error {
	defer observe("put", time.Now())
	data, err := json.Marshal(v)
	if err != nil {
		return l.fail("encode", key, err)
	}
	b := l.store.dialect.bind
	_, err = l.store.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (sublevel, key, value)
		VALUES (`+b(1)+`, `+b(2)+`, `+b(3)+`)
		ON CONFLICT (sublevel, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, l.name, key, string(data))
	if err != nil {
		return l.fail("put", key, err)
	}
	return nil
}

func (l *Sublevel) Delete(ctx context.Context, key string) error {
	defer observe("delete", time.Now())
	b := l.store.dialect.bind
	_, err := l.store.db.ExecContext(ctx,
		"DELETE FROM ledger_entries WHERE sublevel = "+b(1)+" AND key = "+b(2), l.name, key)
	if err != nil {
		return l.fail("delete", key, err)
	}
	return nil
}

// Keys calls fn for every key in the sublevel in ascending order. Iteration stops at
// the first error returned by fn.
func (l *Sublevel) Keys(ctx context.Context, fn func(key string) error) error {
	defer observe("keys", time.Now())
	b := l.store.dialect.bind
	rows, err := l.store.db.QueryContext(ctx,
		"SELECT key FROM ledger_entries WHERE sublevel = "+b(1)+" ORDER BY key", l.name)
	if err != nil {
		return l.fail("keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return l.fail("keys", "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return l.fail("keys", "", err)
	}
	// Rows are drained before calling back so fn may use the store (MaxOpenConns is 1 for SQLite).
	rows.Close()

	for _, key := range keys {
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

func (l *Sublevel) fail(op, key string, err error) error {
	metrics.LedgerErrors.WithLabelValues(op).Inc()
	return &IOError{Op: l.name + " " + op, Key: key, Err: err}
}

func observe(op string, start time.Time) {
	metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
