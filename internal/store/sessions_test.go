package store

import (
	"errors"
	"testing"
	"time"
)

func TestCreateSession(t *testing.T) {
	db := testDB(t)

	s, err := db.CreateSession("sess-001", "alice", t0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != "sess-001" || s.UserID != "alice" {
		t.Errorf("session = %+v", s)
	}
	if !s.Active() {
		t.Error("new session should be active")
	}
	if !s.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, t0)
	}

	got, err := db.GetSession("sess-001")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TokenTotal != 0 || !got.LastActivity.Equal(t0) {
		t.Errorf("stored session = %+v", got)
	}
}

func TestCreateSessionOneActivePerUser(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateSession("s1", "alice", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err := db.CreateSession("s2", "alice", t0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("second active session err = %v, want ValidationError", err)
	}

	// Another user is unaffected.
	if _, err := db.CreateSession("s3", "bob", t0); err != nil {
		t.Errorf("CreateSession for bob: %v", err)
	}

	// Closing the first frees the slot.
	if err := db.EndSession("s1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := db.CreateSession("s2", "alice", t0.Add(2*time.Hour)); err != nil {
		t.Errorf("CreateSession after close: %v", err)
	}
}

func TestCreateSessionDuplicateID(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateSession("s1", "alice", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := db.CreateSession("s1", "bob", t0); !IsValidation(err) {
		t.Errorf("duplicate id err = %v, want ValidationError", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetSession("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = db.ActiveSession("nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveSession err = %v, want ErrNotFound", err)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateSession("s1", "alice", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	first := t0.Add(time.Hour)
	if err := db.EndSession("s1", first); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := db.EndSession("s1", first.Add(time.Hour)); err != nil {
		t.Fatalf("EndSession again: %v", err)
	}

	s, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.Active() || !s.EndedAt.Equal(first) {
		t.Errorf("EndedAt = %v, want %v", s.EndedAt, first)
	}

	if err := db.EndSession("missing", first); !errors.Is(err, ErrNotFound) {
		t.Errorf("EndSession missing err = %v, want ErrNotFound", err)
	}
}

func TestIdleSessions(t *testing.T) {
	db := testDB(t)

	db.CreateSession("old", "alice", t0)
	db.CreateSession("fresh", "bob", t0.Add(3*time.Hour))
	db.CreateSession("closed", "carol", t0)
	db.EndSession("closed", t0.Add(time.Minute))

	idle, err := db.IdleSessions(t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("IdleSessions: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "old" {
		t.Errorf("idle = %+v, want [old]", idle)
	}
}

func TestListSessions(t *testing.T) {
	db := testDB(t)

	db.CreateSession("a1", "alice", t0)
	db.EndSession("a1", t0.Add(time.Minute))
	db.CreateSession("a2", "alice", t0.Add(time.Hour))
	db.CreateSession("b1", "bob", t0.Add(2*time.Hour))

	all, err := db.ListSessions("", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 || all[0].ID != "b1" {
		t.Errorf("all sessions = %+v", all)
	}

	alice, err := db.ListSessions("alice", 0)
	if err != nil {
		t.Fatalf("ListSessions alice: %v", err)
	}
	if len(alice) != 2 || alice[0].ID != "a2" || alice[1].ID != "a1" {
		t.Errorf("alice sessions = %+v", alice)
	}
}
