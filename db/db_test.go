package db

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/roomwatch/crypto"
)

// useSealer swaps the package sealer for the duration of a test. A nil
// sealer means plaintext storage.
func useSealer(t *testing.T, s crypto.Sealer) {
	t.Helper()
	sealerOnce = sync.Once{}
	sealerOnce.Do(func() {})
	sealer, errSealer = s, nil
	t.Cleanup(func() {
		sealerOnce = sync.Once{}
		sealer, errSealer = nil, nil
	})
}

// setupTestDB opens TEST_PG_DSN, applies Migrate and empties the tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE session_tokens, kv`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestConnectRejectsEmptyDSN(t *testing.T) {
	if _, err := Connect("  "); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var keyColumns string
	err := db.QueryRowContext(ctx, `
		SELECT string_agg(a.attname, ',' ORDER BY array_position(i.indkey, a.attnum::smallint))
		FROM   pg_index i
		JOIN   pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE  i.indrelid = 'session_tokens'::regclass
		AND    i.indisprimary
	`).Scan(&keyColumns)
	if err != nil {
		t.Fatalf("failed to query session_tokens primary key: %v", err)
	}
	if keyColumns != "name" {
		t.Errorf("session_tokens primary key = %s, want name", keyColumns)
	}
}

func TestSessionTokenPlaintext(t *testing.T) {
	useSealer(t, nil)
	db := setupTestDB(t)
	ctx := context.Background()

	st, err := GetSessionToken(ctx, db, "default")
	if err != nil || st.Token != "" {
		t.Fatalf("missing row = %+v, %v", st, err)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := UpsertSessionToken(ctx, db, "default", "tok-1", exp); err != nil {
		t.Fatalf("UpsertSessionToken() error = %v", err)
	}
	st, err = GetSessionToken(ctx, db, "default")
	if err != nil {
		t.Fatal(err)
	}
	if st.Token != "tok-1" || st.EncryptionVersion != EncryptionNone || !st.ExpiresAt.Equal(exp) {
		t.Errorf("stored = %+v", st)
	}

	if err := UpsertSessionToken(ctx, db, "default", "tok-2", time.Time{}); err != nil {
		t.Fatal(err)
	}
	st, _ = GetSessionToken(ctx, db, "default")
	if st.Token != "tok-2" || !st.ExpiresAt.IsZero() {
		t.Errorf("after overwrite = %+v", st)
	}

	if err := UpsertSessionToken(ctx, db, "default", " ", time.Time{}); err == nil {
		t.Error("empty token accepted")
	}

	ok, err := DeleteSessionToken(ctx, db, "default")
	if err != nil || !ok {
		t.Errorf("DeleteSessionToken() = %v, %v", ok, err)
	}
	if ok, _ := DeleteSessionToken(ctx, db, "default"); ok {
		t.Error("second delete reported a row")
	}
}

func TestTokenStore(t *testing.T) {
	useSealer(t, nil)
	db := setupTestDB(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := UpsertSessionToken(ctx, db, "bot", "tok", exp); err != nil {
		t.Fatal(err)
	}

	store := &TokenStore{DB: db}
	tok, gotExp, err := store.GetSessionToken(ctx, "bot")
	if err != nil || tok != "tok" || !gotExp.Equal(exp) {
		t.Errorf("GetSessionToken() = %q %v %v", tok, gotExp, err)
	}
	tok, _, err = store.GetSessionToken(ctx, "nobody")
	if err != nil || tok != "" {
		t.Errorf("missing = %q %v", tok, err)
	}
}

func TestKV(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if v, err := GetKV(ctx, db, "last_live"); err != nil || v != "" {
		t.Fatalf("empty kv = %q %v", v, err)
	}
	if err := SetKV(ctx, db, "last_live", "lv1"); err != nil {
		t.Fatal(err)
	}
	if err := SetKV(ctx, db, "last_live", "lv2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := GetKV(ctx, db, "last_live"); v != "lv2" {
		t.Errorf("kv = %q, want lv2", v)
	}
}
