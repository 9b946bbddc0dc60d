package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSessionStoreOwnerOnly(t *testing.T) {
	session := filepath.Join(t.TempDir(), "session.db")

	if err := createSessionStore(context.Background(), session); err != nil {
		t.Fatalf("createSessionStore failed: %v", err)
	}

	info, err := os.Stat(session)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("working copy has permissions %04o, want 0600", perm)
	}

	db, err := sql.Open("sqlite", session)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	err = db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'examinations'").Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Error("schema missing examinations table")
	}
}

func TestCreateSessionStoreRefusesExistingFile(t *testing.T) {
	session := filepath.Join(t.TempDir(), "session.db")
	if err := os.WriteFile(session, []byte("leftover"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := createSessionStore(context.Background(), session); err == nil {
		t.Fatal("existing working copy was overwritten")
	}
}
