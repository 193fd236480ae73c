// Package db provides database connection helpers, schema migration, the
// encrypted session token store and a small key/value table.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/roomwatch/crypto"
)

// Encryption versions stored in session_tokens.encryption_version.
const (
	EncryptionNone   = 0
	EncryptionAESGCM = 1
)

var (
	sealer     crypto.Sealer
	sealerOnce sync.Once
	errSealer  error
)

// initSealer reads ENCRYPTION_KEY once. Without a key tokens are stored in
// plaintext (encryption_version = 0).
func initSealer() {
	sealerOnce.Do(func() {
		s, err := crypto.FromEnv()
		if err != nil {
			errSealer = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", errSealer), slog.String("component", "db_encryption"))
			return
		}
		if s == nil {
			slog.Warn("ENCRYPTION_KEY not set, session tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		sealer = s
		slog.Info("session token encryption enabled (AES-256-GCM)", slog.String("key_id", s.KeyID()), slog.String("component", "db_encryption"))
	})
}

func getSealer() (crypto.Sealer, error) {
	initSealer()
	if errSealer != nil {
		return nil, errSealer
	}
	return sealer, nil
}

// Connect opens a Postgres connection for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and
// indices. RunMigrations is the versioned equivalent.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_tokens (
			name TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE session_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`ALTER TABLE session_tokens ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens(expires_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertSessionToken stores the token under name, sealing it when
// ENCRYPTION_KEY is set. A zero expiresAt is stored as NULL.
func UpsertSessionToken(ctx context.Context, dbx *sql.DB, name, token string, expiresAt time.Time) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("session token is empty")
	}
	s, err := getSealer()
	if err != nil {
		return fmt.Errorf("get sealer: %w", err)
	}
	return upsertSessionToken(ctx, dbx, s, name, token, expiresAt)
}

func upsertSessionToken(ctx context.Context, dbx *sql.DB, s crypto.Sealer, name, token string, expiresAt time.Time) error {
	stored, version, keyID := token, EncryptionNone, ""
	if s != nil {
		sealed, err := crypto.SealString(s, name, token)
		if err != nil {
			return fmt.Errorf("seal session token: %w", err)
		}
		stored, version, keyID = sealed, EncryptionAESGCM, s.KeyID()
	}

	var exp sql.NullTime
	if !expiresAt.IsZero() {
		exp = sql.NullTime{Time: expiresAt, Valid: true}
	}
	q := `INSERT INTO session_tokens(name, token, expires_at, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,NOW())
		  ON CONFLICT(name) DO UPDATE SET
		    token=EXCLUDED.token,
		    expires_at=EXCLUDED.expires_at,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, name, stored, exp, version, keyID)
	return err
}

// StoredToken is a session_tokens row with the token already opened.
type StoredToken struct {
	Name              string
	Token             string
	ExpiresAt         time.Time
	EncryptionVersion int
	KeyID             string
	UpdatedAt         time.Time
}

// GetSessionToken returns the token stored under name. A missing row yields
// an empty token and a nil error.
func GetSessionToken(ctx context.Context, dbx *sql.DB, name string) (StoredToken, error) {
	var (
		st     = StoredToken{Name: name}
		exp    sql.NullTime
		keyID  sql.NullString
		update sql.NullTime
	)
	row := dbx.QueryRowContext(ctx,
		`SELECT token, expires_at, COALESCE(encryption_version, 0), encryption_key_id, updated_at
		 FROM session_tokens WHERE name = $1`, name)
	err := row.Scan(&st.Token, &exp, &st.EncryptionVersion, &keyID, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredToken{Name: name}, nil
	}
	if err != nil {
		return StoredToken{}, err
	}
	st.ExpiresAt = exp.Time
	st.KeyID = keyID.String
	st.UpdatedAt = update.Time

	if st.EncryptionVersion == EncryptionAESGCM {
		s, err := getSealer()
		if err != nil {
			return StoredToken{}, fmt.Errorf("get sealer for decryption: %w", err)
		}
		if s == nil {
			return StoredToken{}, fmt.Errorf("session token %q is encrypted but ENCRYPTION_KEY not configured", name)
		}
		if st.KeyID != "" && st.KeyID != s.KeyID() {
			return StoredToken{}, fmt.Errorf("session token %q sealed with key %s, configured key is %s", name, st.KeyID, s.KeyID())
		}
		plain, err := crypto.OpenString(s, name, st.Token)
		if err != nil {
			return StoredToken{}, fmt.Errorf("decrypt session token: %w", err)
		}
		st.Token = plain
	}
	return st, nil
}

// DeleteSessionToken removes the row and reports whether one existed.
func DeleteSessionToken(ctx context.Context, dbx *sql.DB, name string) (bool, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM session_tokens WHERE name = $1`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResealSessionTokens re-stores every row with the current key, upgrading
// plaintext rows to sealed ones. It returns the number of rows rewritten.
func ResealSessionTokens(ctx context.Context, dbx *sql.DB) (int, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT name FROM session_tokens ORDER BY name`)
	if err != nil {
		return 0, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return 0, err
		}
		names = append(names, n)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, n := range names {
		st, err := GetSessionToken(ctx, dbx, n)
		if err != nil {
			return count, fmt.Errorf("read %q: %w", n, err)
		}
		if st.Token == "" {
			continue
		}
		if err := UpsertSessionToken(ctx, dbx, n, st.Token, st.ExpiresAt); err != nil {
			return count, fmt.Errorf("reseal %q: %w", n, err)
		}
		count++
	}
	return count, nil
}

// GetKV returns the value for key, or "" when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v.String, err
}

// SetKV upserts key.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		key, value)
	return err
}

// TokenStore implements credential.Store on top of session_tokens.
type TokenStore struct{ DB *sql.DB }

// GetSessionToken implements credential.Store.
func (t *TokenStore) GetSessionToken(ctx context.Context, name string) (string, time.Time, error) {
	st, err := GetSessionToken(ctx, t.DB, name)
	if err != nil {
		return "", time.Time{}, err
	}
	return st.Token, st.ExpiresAt, nil
}
