package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig holds tuning parameters for the SQLite store.
type SQLiteStoreConfig struct {
	CompressThreshold int // bytes; 0 = default (4096), -1 = never compress
}

// SQLiteStore implements NonceStore using SQLite in WAL mode.
type SQLiteStore struct {
	db                *sql.DB
	compressThreshold int
}

var _ NonceStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path with WAL mode enabled.
func NewSQLiteStore(path string, cfgs ...SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection avoids "database is locked" under concurrent writers; every
	// mutation below is a single statement, so per-token atomicity holds regardless.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	threshold := defaultCompressThreshold
	if len(cfgs) > 0 && cfgs[0].CompressThreshold != 0 {
		threshold = cfgs[0].CompressThreshold
	}

	s := &SQLiteStore{db: db, compressThreshold: threshold}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS nonces (
    token TEXT PRIMARY KEY,
    true_nonce INTEGER NOT NULL DEFAULT 0,
    data BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces(expires_at) WHERE expires_at > 0;
`

const nonceColumns = `token, true_nonce, data, created_at, expires_at`

func (s *SQLiteStore) CreateNonce(ctx context.Context, rec *NonceRecord) error {
	blob, err := encodeData(rec.Data, s.compressThreshold)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nonces (`+nonceColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO NOTHING`,
		rec.Token, rec.TrueNonce, blob, rec.CreatedAt.Unix(), expiryUnix(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNonceExists
	}
	return nil
}

func (s *SQLiteStore) GetNonce(ctx context.Context, token string) (*NonceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nonceColumns+` FROM nonces WHERE token=?`, token)
	return scanNonceRow(row)
}

// ConsumeNonce deletes and returns the row in one statement, so two concurrent
// consumers can never both observe it.
func (s *SQLiteStore) ConsumeNonce(ctx context.Context, token string) (*NonceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM nonces WHERE token=? RETURNING `+nonceColumns, token)
	return scanNonceRow(row)
}

func (s *SQLiteStore) DeleteNonce(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE token=?`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE expires_at > 0 AND expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanNonceRow(row *sql.Row) (*NonceRecord, error) {
	rec := &NonceRecord{}
	var blob []byte
	var createdAt, expiresAt int64
	err := row.Scan(&rec.Token, &rec.TrueNonce, &blob, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.ExpiresAt = expiryTime(expiresAt)
	if rec.Data, err = decodeData(blob); err != nil {
		return nil, err
	}
	return rec, nil
}
