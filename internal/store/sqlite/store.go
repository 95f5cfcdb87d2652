// Package sqlite implements the edgetun secure credential store backed by a
// SQLite database. It holds identity records, sealed private keys, public
// keys, and certificates.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlitedrv "modernc.org/sqlite"

	"github.com/koltyakov/edgetun/internal/domain"
)

// Store wraps a SQLite database connection for all edgetun persistence.
type Store struct {
	db     *sql.DB
	sealer *sealer
	now    func() time.Time

	getPrivateKeyStmt *sql.Stmt
	findCertBySPKI    *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const getPrivateKeyQuery = `SELECT der FROM keys WHERE tag = ? AND class = 'private'`
const findCertBySPKIQuery = `SELECT der FROM certificates WHERE spki_sha256 = ? ORDER BY updated_at DESC LIMIT 1`

// OpenOptions controls SQLite connection pool sizing and key sealing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	// MasterKey seals private keys at rest. When empty a random key is used
	// and sealed keys do not survive a restart.
	MasterKey []byte
}

// Open creates or opens the SQLite database at path with an ephemeral
// master key.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path, runs
// migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	seal, err := newSealer(opts.MasterKey)
	if err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{
		db:     db,
		sealer: seal,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getPrivateKeyStmt, err = s.db.PrepareContext(ctx, getPrivateKeyQuery); err != nil {
		return fmt.Errorf("prepare private key query: %w", err)
	}
	if s.findCertBySPKI, err = s.db.PrepareContext(ctx, findCertBySPKIQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare certificate lookup query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getPrivateKeyStmt))
	err = errors.Join(err, closeStmt(&s.findCertBySPKI))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	document TEXT NOT NULL,
	enrolled INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS keys (
	tag TEXT NOT NULL,
	class TEXT NOT NULL,
	der BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (tag, class)
);
CREATE TABLE IF NOT EXISTS certificates (
	label TEXT PRIMARY KEY,
	der BLOB NOT NULL,
	spki_sha256 TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_identities_name ON identities(name);
CREATE INDEX IF NOT EXISTS idx_certificates_spki ON certificates(spki_sha256);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// statusOf extracts the SQLite result code from err, or 0.
func statusOf(err error) int {
	var sqlErr *sqlitedrv.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()
	}
	return 0
}

func storeErr(op, label string, err error) error {
	return &domain.StoreError{Op: op, Label: label, Status: statusOf(err), Err: err}
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
