package sqlite

import (
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAuditRoundTrip(t *testing.T) {
	db := newTestDB(t)

	entry := AuditEntry{
		At:        time.Now(),
		Principal: "wizard",
		Level:     "administrator",
		Action:    "updateBlueprint",
		Detail:    "/obj/sword",
		Signature: "deadbeef",
	}
	if err := db.RecordAudit(entry); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	got, err := db.RecentAudit(10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Action != "updateBlueprint" || got[0].Principal != "wizard" {
		t.Errorf("unexpected entry: %+v", got[0])
	}
}

func TestSessionDirectory(t *testing.T) {
	db := newTestDB(t)

	rec := SessionRecord{
		SessionID:   "sess-1",
		PlayerName:  "alice",
		RemoteAddr:  "127.0.0.1:1234",
		ConnectedAt: time.Now(),
		LastSeen:    time.Now(),
		State:       "bound",
	}
	if err := db.UpsertSession(rec); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	found, err := db.FindSessionByPlayer("alice")
	if err != nil {
		t.Fatalf("FindSessionByPlayer: %v", err)
	}
	if found == nil || found.SessionID != "sess-1" {
		t.Fatalf("expected to find sess-1, got %+v", found)
	}

	rec.State = "linkdead"
	rec.LastSeen = time.Now()
	if err := db.UpsertSession(rec); err != nil {
		t.Fatalf("UpsertSession update: %v", err)
	}

	if err := db.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	found, err = db.FindSessionByPlayer("alice")
	if err != nil {
		t.Fatalf("FindSessionByPlayer after delete: %v", err)
	}
	if found != nil {
		t.Errorf("expected no session after delete, got %+v", found)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	db := newTestDB(t)
	if err := db.DeleteSession("nope"); err == nil {
		t.Error("expected error deleting unknown session")
	}
}
