package admindb

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admin.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestJWTSecretIsStable(t *testing.T) {
	db, path := openTestDB(t)
	first, err := db.JWTSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32 byte secret, got %d", len(first))
	}
	_ = db.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	again, err := reopened.JWTSecret()
	if err != nil {
		t.Fatalf("secret after reopen: %v", err)
	}
	if !bytes.Equal(first, again) {
		t.Fatalf("expected persisted secret to survive reopen")
	}
	if err := reopened.RotateJWTSecret(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	rotated, _ := reopened.JWTSecret()
	if bytes.Equal(first, rotated) {
		t.Fatalf("expected rotated secret to differ")
	}
}

func TestRevokeAndPurge(t *testing.T) {
	db, _ := openTestDB(t)
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	if err := db.Revoke("old", now.Add(-time.Hour)); err != nil {
		t.Fatalf("revoke old: %v", err)
	}
	if err := db.Revoke("live", now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke live: %v", err)
	}
	if err := db.Revoke("live", now.Add(time.Hour)); err != nil {
		t.Fatalf("expected repeated revoke to be ignored, got %v", err)
	}
	if ok, _ := db.IsRevoked("live"); !ok {
		t.Fatalf("expected live token revoked")
	}
	if ok, _ := db.IsRevoked("other"); ok {
		t.Fatalf("expected unknown token not revoked")
	}
	n, err := db.PurgeExpired(now)
	if err != nil || n != 1 {
		t.Fatalf("expected one purged row, got %d %v", n, err)
	}
	if ok, _ := db.IsRevoked("old"); ok {
		t.Fatalf("expected old revocation purged")
	}
}

func TestRevokeRejectsEmptyID(t *testing.T) {
	db, _ := openTestDB(t)
	if err := db.Revoke(" ", time.Now()); err == nil {
		t.Fatalf("expected error for empty id")
	}
}
