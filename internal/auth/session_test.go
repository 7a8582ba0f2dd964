package auth

import (
	"errors"
	"testing"
	"time"
)

var (
	sessKey1 = []byte("0123456789abcdef0123456789abcdef")
	sessKey2 = []byte("fedcba9876543210fedcba9876543210")
)

func newSessions(t *testing.T, keys map[string][]byte, active string) *Sessions {
	t.Helper()
	s, err := NewSessions(keys, active, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	return s
}

func TestSessions_IssueVerify(t *testing.T) {
	s := newSessions(t, map[string][]byte{"s1": sessKey1}, "s1")
	now := time.Unix(1_700_000_000, 0)

	tok, err := s.Issue(Identity{ID: "u1", Anonymous: false}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := s.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "u1" || id.Anonymous {
		t.Fatalf("identity = %+v", id)
	}
}

func TestSessions_AnonymousFlagRoundTrips(t *testing.T) {
	s := newSessions(t, map[string][]byte{"s1": sessKey1}, "s1")
	now := time.Unix(1_700_000_000, 0)

	tok, err := s.Issue(Identity{ID: "anon-3", Anonymous: true}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := s.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !id.Anonymous {
		t.Fatalf("anonymous flag lost: %+v", id)
	}
}

func TestSessions_Expired(t *testing.T) {
	s := newSessions(t, map[string][]byte{"s1": sessKey1}, "s1")
	now := time.Unix(1_700_000_000, 0)

	tok, err := s.Issue(Identity{ID: "u1"}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(tok, now.Add(25*time.Hour)); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for expired token, got %v", err)
	}
}

func TestSessions_KidRotation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	old := newSessions(t, map[string][]byte{"s1": sessKey1}, "s1")
	tok, err := old.Issue(Identity{ID: "u2"}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Both kids retained: old token still verifies.
	rotated := newSessions(t, map[string][]byte{"s1": sessKey1, "s2": sessKey2}, "s2")
	if _, err := rotated.Verify(tok, now); err != nil {
		t.Fatalf("retained-kid token should verify: %v", err)
	}

	// Old kid dropped: rejected.
	dropped := newSessions(t, map[string][]byte{"s2": sessKey2}, "s2")
	if _, err := dropped.Verify(tok, now); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("dropped-kid token should fail, got %v", err)
	}
}

func TestSessions_GarbageRejected(t *testing.T) {
	s := newSessions(t, map[string][]byte{"s1": sessKey1}, "s1")
	for _, tok := range []string{"", "  ", "not.a.jwt", "a.b.c"} {
		if _, err := s.Verify(tok, time.Now()); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("Verify(%q) should fail with ErrInvalidSession, got %v", tok, err)
		}
	}
}

func TestNewSessions_Validation(t *testing.T) {
	if _, err := NewSessions(nil, "s1", time.Hour); err == nil {
		t.Fatalf("expected error for empty keys")
	}
	if _, err := NewSessions(map[string][]byte{"s1": sessKey1}, "missing", time.Hour); err == nil {
		t.Fatalf("expected error for unknown active kid")
	}
	if _, err := NewSessions(map[string][]byte{"s1": sessKey1}, "s1", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
