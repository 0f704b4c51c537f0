package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := newFakeClock()
	issuer := newTestIssuer(t, clock)

	pc := principalContext("u1", "t1", RoleAdmin, []string{"Manager", "manager"}, []string{"users.write", "users.read"})
	token, issued, err := issuer.Issue(pc, "dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != "u1" || got.TenantID != "t1" || got.SystemRole != RoleAdmin || got.DeviceID != "dev-1" {
		t.Fatalf("unexpected principal: %+v", got)
	}
	if strings.Join(got.Roles, ",") != "manager" {
		t.Fatalf("roles not deduplicated: %v", got.Roles)
	}
	if strings.Join(got.Permissions, ",") != "users.read,users.write" {
		t.Fatalf("permissions not normalized: %v", got.Permissions)
	}
	if !got.IssuedAt.Equal(issued.IssuedAt) || !got.ExpiresAt.Equal(clock.Now().Add(defaultAccessTTL)) {
		t.Fatalf("unexpected timestamps: iat=%v exp=%v", got.IssuedAt, got.ExpiresAt)
	}
	if got.TokenID == "" {
		t.Fatal("expected jti")
	}
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	issuer := newTestIssuer(t, newFakeClock())
	if _, _, err := issuer.Issue(principalContext("u1", "t1", "ROOT", nil, nil), "d"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewTokenIssuerRequiresKey(t *testing.T) {
	if _, err := NewTokenIssuer(); err == nil {
		t.Fatal("expected error without signing key")
	}
	if _, err := NewTokenIssuer(WithHMACSecret("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestVerifyExpiryHonorsLeeway(t *testing.T) {
	clock := newFakeClock()
	issuer := newTestIssuer(t, clock, WithAccessTTL(time.Minute), WithLeeway(30*time.Second))
	token, _, err := issuer.Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.Advance(time.Minute + 20*time.Second)
	if _, err := issuer.Verify(token); err != nil {
		t.Fatalf("token inside leeway rejected: %v", err)
	}

	clock.Advance(15 * time.Second)
	if _, err := issuer.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyIssuerMismatch(t *testing.T) {
	clock := newFakeClock()
	other := newTestIssuer(t, clock, WithIssuer("someone-else"))
	token, _, err := other.Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := newTestIssuer(t, clock).Verify(token); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}

	wrongAud := newTestIssuer(t, clock, WithAudience("billing"))
	token, _, _ = wrongAud.Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")
	if _, err := newTestIssuer(t, clock).Verify(token); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch for audience, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	clock := newFakeClock()
	issuer := newTestIssuer(t, clock)
	token, _, _ := issuer.Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	if _, err := issuer.Verify(tampered); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
	if _, err := issuer.Verify("not-a-jwt"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature for garbage, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	clock := newFakeClock()
	issuer := newTestIssuer(t, clock)
	claims := accessClaims{
		SystemRole: RoleSuperAdmin,
		Type:       tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tenantgate-test",
			Audience:  jwt.ClaimStrings{"api"},
			Subject:   "attacker",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := issuer.Verify(token); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
}

func TestVerifyRejectsNonAccessTokenType(t *testing.T) {
	clock := newFakeClock()
	claims := accessClaims{
		SystemRole: RoleUser,
		Type:       "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tenantgate-test",
			Audience:  jwt.ClaimStrings{"api"},
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := newTestIssuer(t, clock).Verify(token); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
}

func TestRS256RoundTripAndAlgorithmPinning(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	clock := newFakeClock()
	rsIssuer, err := NewTokenIssuer(WithRSAKey(key), WithKeyID("k1"), WithIssuer("tenantgate-test"), WithAudience("api"), WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, _, err := rsIssuer.Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := rsIssuer.Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	hsToken, _, _ := newTestIssuer(t, clock).Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")
	if _, err := rsIssuer.Verify(hsToken); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected HS256 token to be rejected by RS256 verifier, got %v", err)
	}
}

func TestIssuedAtKeepsSubSecondPrecision(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(250 * time.Millisecond)
	issuer := newTestIssuer(t, clock)
	token, _, _ := issuer.Issue(principalContext("u1", "t1", RoleUser, nil, nil), "d")
	got, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if diff := got.IssuedAt.Sub(clock.Now()); diff > time.Microsecond || diff < -time.Microsecond {
		t.Fatalf("iat lost precision: got %v want %v", got.IssuedAt, clock.Now())
	}
	if jwt.TimePrecision != time.Second {
		t.Fatalf("jwt.TimePrecision changed to %v", jwt.TimePrecision)
	}

	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if !claims.IssuedAt.Time.Equal(clock.Now().Truncate(time.Second)) {
		t.Fatalf("registered iat should be whole seconds, got %v", claims.IssuedAt.Time)
	}
}

func TestVerifyRejectsInconsistentMicrosecondIssuedAt(t *testing.T) {
	clock := newFakeClock()
	issuer := newTestIssuer(t, clock)
	now := clock.Now()
	claims := accessClaims{
		SystemRole:     RoleUser,
		Type:           tokenTypeAccess,
		IssuedAtMicros: now.Add(-time.Hour).UnixMicro(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tenantgate-test",
			Audience:  jwt.ClaimStrings{"api"},
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := issuer.Verify(raw); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
}
