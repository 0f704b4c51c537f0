package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenantgate.org/internal/kv"
)

func TestRevokeTokenExpiresWithToken(t *testing.T) {
	clock := newFakeClock()
	store := kv.NewMemory(clock.Now)
	ledger, _ := NewRevocationLedger(store, WithLedgerClock(clock.Now))
	ctx := context.Background()
	p := Principal{UserID: "u1", IssuedAt: clock.Now()}

	if err := ledger.RevokeToken(ctx, "tok-1", clock.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if revoked, err := ledger.IsRevoked(ctx, "tok-1", p); err != nil || !revoked {
		t.Fatalf("expected revoked, got %v %v", revoked, err)
	}
	ttl, _ := store.TTL(ctx, keyRevokedToken+tokenDigest("tok-1"))
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	clock.Advance(11 * time.Minute)
	if revoked, _ := ledger.IsRevoked(ctx, "tok-1", p); revoked {
		t.Fatal("entry should have expired with the token")
	}
}

func TestRevokeTokenSkipsExpiredTokens(t *testing.T) {
	clock := newFakeClock()
	store := kv.NewMemory(clock.Now)
	ledger, _ := NewRevocationLedger(store, WithLedgerClock(clock.Now))
	if err := ledger.RevokeToken(context.Background(), "old", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, found, _ := store.Get(context.Background(), keyRevokedToken+tokenDigest("old")); found {
		t.Fatal("expired token should not be written")
	}
}

func TestRevokeUserUsesMaxTokenAge(t *testing.T) {
	clock := newFakeClock()
	store := kv.NewMemory(clock.Now)
	ledger, _ := NewRevocationLedger(store, WithLedgerClock(clock.Now), WithMaxTokenAge(90*time.Minute))
	if err := ledger.RevokeUser(context.Background(), "u1", 0); err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	ttl, _ := store.TTL(context.Background(), keyRevokedUser+"u1")
	if ttl != 90*time.Minute {
		t.Fatalf("expected 90m ttl, got %v", ttl)
	}
	if err := ledger.RevokeUser(context.Background(), " ", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIsRevokedShortCircuitsInOrder(t *testing.T) {
	clock := newFakeClock()
	store := &countingStore{Store: kv.NewMemory(clock.Now)}
	ledger, _ := NewRevocationLedger(store, WithLedgerClock(clock.Now))
	ctx := context.Background()
	p := Principal{UserID: "u1", DeviceID: "d1", IssuedAt: clock.Now()}

	if revoked, _ := ledger.IsRevoked(ctx, "tok", p); revoked {
		t.Fatal("nothing revoked yet")
	}
	if got := len(store.Gets()); got != 3 {
		t.Fatalf("expected 3 lookups for a clean token, got %d", got)
	}

	_ = ledger.RevokeToken(ctx, "tok", clock.Now().Add(time.Hour))
	store.gets = nil
	if revoked, _ := ledger.IsRevoked(ctx, "tok", p); !revoked {
		t.Fatal("expected token hit")
	}
	if gets := store.Gets(); len(gets) != 1 || gets[0] != keyRevokedToken+tokenDigest("tok") {
		t.Fatalf("expected single token lookup, got %v", gets)
	}
}

func TestIsRevokedSkipsDeviceLookupWithoutDevice(t *testing.T) {
	clock := newFakeClock()
	store := &countingStore{Store: kv.NewMemory(clock.Now)}
	ledger, _ := NewRevocationLedger(store, WithLedgerClock(clock.Now))
	if _, err := ledger.IsRevoked(context.Background(), "tok", Principal{UserID: "u1", IssuedAt: clock.Now()}); err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if got := len(store.Gets()); got != 2 {
		t.Fatalf("expected 2 lookups, got %d", got)
	}
}

func TestUnreadableRevocationEntryBlocksSubject(t *testing.T) {
	clock := newFakeClock()
	store := kv.NewMemory(clock.Now)
	ledger, _ := NewRevocationLedger(store, WithLedgerClock(clock.Now))
	_ = store.Set(context.Background(), keyRevokedUser+"u1", "garbage", time.Hour)
	revoked, err := ledger.IsRevoked(context.Background(), "tok", Principal{UserID: "u1", IssuedAt: clock.Now()})
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v %v", revoked, err)
	}
}

func TestLedgerFailModes(t *testing.T) {
	p := Principal{UserID: "u1", IssuedAt: time.Now()}

	open, _ := NewRevocationLedger(failingStore{})
	if revoked, err := open.IsRevoked(context.Background(), "tok", p); revoked || err != nil {
		t.Fatalf("fail-open: expected (false, nil), got (%v, %v)", revoked, err)
	}

	closed, _ := NewRevocationLedger(failingStore{}, WithFailMode(FailClosed))
	if _, err := closed.IsRevoked(context.Background(), "tok", p); !errors.Is(err, ErrRevocationUnavailable) {
		t.Fatalf("fail-closed: expected ErrRevocationUnavailable, got %v", err)
	}

	if err := open.RevokeUser(context.Background(), "u1", 0); !errors.Is(err, ErrRevocationUnavailable) {
		t.Fatalf("writes always surface store errors, got %v", err)
	}
}

func TestParseFailMode(t *testing.T) {
	cases := map[string]FailMode{"": FailOpen, "open": FailOpen, " CLOSED ": FailClosed}
	for in, want := range cases {
		got, err := ParseFailMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseFailMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFailMode("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}
