package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/linearbridge/internal/types"
)

// tableRowName is the key of the single row that holds the whole table.
const tableRowName = "thread_mappings"

// dialect captures the few statements that differ between sqlite and mysql.
type dialect struct {
	name   string
	schema string
	upsert string
}

var (
	sqliteDialect = dialect{
		name: BackendSQLite,
		schema: `CREATE TABLE IF NOT EXISTS bridge_state (
			name       TEXT PRIMARY KEY,
			doc        TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		upsert: `INSERT INTO bridge_state (name, doc, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
	}
	mysqlDialect = dialect{
		name: BackendMySQL,
		schema: `CREATE TABLE IF NOT EXISTS bridge_state (
			name       VARCHAR(64) PRIMARY KEY,
			doc        LONGTEXT NOT NULL,
			updated_at VARCHAR(64) NOT NULL
		)`,
		upsert: `INSERT INTO bridge_state (name, doc, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE doc = VALUES(doc), updated_at = VALUES(updated_at)`,
	}
)

// SQLStore keeps the table as a JSON document in one row of bridge_state.
// It is the "managed database row" variant of FileStore with the same
// whole-document semantics.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// sqliteConnString builds an ncruces DSN with a busy timeout so a second
// process touching the same database waits instead of failing.
func sqliteConnString(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, int64(10*time.Second/time.Millisecond))
}

// OpenSQLite opens (creating if needed) a sqlite database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mapping directory: %w", err)
	}
	db, err := sql.Open("sqlite3", sqliteConnString(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite mapping store: %w", err)
	}
	return newSQLStore(ctx, db, sqliteDialect, logger)
}

// OpenMySQL connects to a MySQL-compatible server (MySQL, Dolt sql-server).
func OpenMySQL(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql mapping store: %w", err)
	}
	return newSQLStore(ctx, db, mysqlDialect, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, dialect: d, logger: logger}
	if err := s.withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, d.schema)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize %s mapping schema: %w", d.name, err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Get reads the whole document and returns the anchor for identifier.
func (s *SQLStore) Get(ctx context.Context, identifier string) (types.ThreadAnchor, bool) {
	t := s.load(ctx)
	a, ok := t[identifier]
	return a, ok && !a.IsZero()
}

// Set reads the document, replaces identifier's entry and writes it back.
func (s *SQLStore) Set(ctx context.Context, identifier string, anchor types.ThreadAnchor) error {
	t := s.load(ctx)
	t[identifier] = anchor
	data, err := encodeTable(t)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.dialect.upsert, tableRowName, string(data), now)
		return err
	}); err != nil {
		return fmt.Errorf("write mapping row: %w", err)
	}
	return nil
}

// Entries returns the whole table.
func (s *SQLStore) Entries(ctx context.Context) (Table, error) {
	var doc string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT doc FROM bridge_state WHERE name = ?`, tableRowName).Scan(&doc)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping row: %w", err)
	}
	return decodeTable([]byte(doc))
}

func (s *SQLStore) load(ctx context.Context) Table {
	t, err := s.Entries(ctx)
	if err != nil {
		s.logger.Warn("mapping: unreadable table, treating as empty", "backend", s.dialect.name, "err", err)
		return Table{}
	}
	return t
}

const serverRetryMaxElapsed = 10 * time.Second

// withRetry retries a single statement on transient mysql connection errors.
// sqlite relies on its busy timeout instead.
func (s *SQLStore) withRetry(ctx context.Context, op func() error) error {
	if s.dialect.name != BackendMySQL {
		return op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// isRetryableError reports whether err is a transient connection error.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
