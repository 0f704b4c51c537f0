package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "tenantgate"
	defaultAccessTTL = time.Hour
	defaultLeeway    = 30 * time.Second

	tokenTypeAccess = "access"
)

// accessClaims is the wire form of an access token.
type accessClaims struct {
	Email       string     `json:"email,omitempty"`
	Name        string     `json:"name,omitempty"`
	TenantID    string     `json:"tid,omitempty"`
	SystemRole  SystemRole `json:"role"`
	Roles       []string   `json:"roles,omitempty"`
	Permissions []string   `json:"perms,omitempty"`
	DeviceID    string     `json:"did,omitempty"`
	Type        string     `json:"typ"`
	// IssuedAtMicros is iat at microsecond resolution; revocation stamps are
	// compared against it. The registered iat stays in whole seconds.
	IssuedAtMicros int64 `json:"iat_us,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies short-lived access tokens. It supports
// HS256 with a shared secret or RS256 with a PEM key pair.
type TokenIssuer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	audience  string
	ttl       time.Duration
	leeway    time.Duration
	now       func() time.Time
}

// IssuerOption configures TokenIssuer behavior.
type IssuerOption func(*TokenIssuer) error

// WithHMACSecret signs tokens with HS256.
func WithHMACSecret(secret string) IssuerOption {
	return func(t *TokenIssuer) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return nil
		}
		if len(secret) < 32 {
			return errors.New("auth: hmac secret must be at least 32 bytes")
		}
		t.method = jwt.SigningMethodHS256
		t.signKey = []byte(secret)
		t.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
func WithRS256Keys(privatePEM, publicPEM string) IssuerOption {
	return func(t *TokenIssuer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" && publicPEM == "" {
			return nil
		}
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		t.method = jwt.SigningMethodRS256
		t.signKey = priv
		t.verifyKey = pub
		return nil
	}
}

// WithRSAKey uses an in-memory key pair. Tests use it to skip PEM encoding.
func WithRSAKey(key *rsa.PrivateKey) IssuerOption {
	return func(t *TokenIssuer) error {
		if key == nil {
			return errors.New("auth: rsa key is nil")
		}
		t.method = jwt.SigningMethodRS256
		t.signKey = key
		t.verifyKey = &key.PublicKey
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) IssuerOption {
	return func(t *TokenIssuer) error {
		t.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) IssuerOption {
	return func(t *TokenIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
		return nil
	}
}

// WithAudience sets the audience claim required on every token.
func WithAudience(aud string) IssuerOption {
	return func(t *TokenIssuer) error {
		t.audience = strings.TrimSpace(aud)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.ttl = ttl
		}
		return nil
	}
}

// WithLeeway configures the clock skew tolerated on exp, nbf and iat.
func WithLeeway(d time.Duration) IssuerOption {
	return func(t *TokenIssuer) error {
		if d >= 0 {
			t.leeway = d
		}
		return nil
	}
}

// WithIssuerClock overrides time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(t *TokenIssuer) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenIssuer constructs a TokenIssuer. A signing key is required.
func NewTokenIssuer(opts ...IssuerOption) (*TokenIssuer, error) {
	t := &TokenIssuer{
		issuer: defaultIssuer,
		ttl:    defaultAccessTTL,
		leeway: defaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.method == nil {
		return nil, errors.New("auth: no signing key configured")
	}
	return t, nil
}

// TTL returns the access token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// MaxLifetime bounds how long any token minted now can still verify.
func (t *TokenIssuer) MaxLifetime() time.Duration { return t.ttl + t.leeway }

// Leeway returns the tolerated clock skew.
func (t *TokenIssuer) Leeway() time.Duration { return t.leeway }

// Issue signs an access token for pc bound to deviceID. The returned
// Principal carries the claims exactly as embedded.
func (t *TokenIssuer) Issue(pc PrincipalContext, deviceID string) (string, Principal, error) {
	userID := strings.TrimSpace(pc.User.ID)
	if userID == "" {
		return "", Principal{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	role := pc.SystemRole
	if role == "" {
		role = pc.User.SystemRole
	}
	if !role.Valid() {
		return "", Principal{}, fmt.Errorf("%w: unknown system role %q", ErrInvalidInput, role)
	}
	now := t.now().UTC().Truncate(time.Microsecond)
	claims := accessClaims{
		Email:       pc.User.Email,
		Name:        pc.User.Name,
		TenantID:    pc.TenantID,
		SystemRole:  role,
		Roles:       normalizeSet(pc.Roles),
		Permissions: normalizeSet(pc.Permissions),
		DeviceID:    deviceID,
		Type:        tokenTypeAccess,

		IssuedAtMicros: now.UnixMicro(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.NewString(),
		},
	}
	if t.audience != "" {
		claims.Audience = jwt.ClaimStrings{t.audience}
	}
	token := jwt.NewWithClaims(t.method, claims)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, claims.principal(), nil
}

// Verify checks signature, algorithm, expiry, issuer and audience.
// Failures map onto ErrTokenExpired, ErrIssuerMismatch or ErrMalformedSignature.
func (t *TokenIssuer) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrMalformedSignature
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithLeeway(t.leeway),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.audience != "" {
		opts = append(opts, jwt.WithAudience(t.audience))
	}
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.verifyKey, nil
	}, opts...)
	if err != nil {
		return Principal{}, mapJWTError(err)
	}
	if !parsed.Valid {
		return Principal{}, ErrMalformedSignature
	}
	if claims.Type != tokenTypeAccess {
		return Principal{}, fmt.Errorf("%w: unexpected token type %q", ErrMalformedSignature, claims.Type)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return Principal{}, fmt.Errorf("%w: subject or iat missing", ErrMalformedSignature)
	}
	if !claims.SystemRole.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role claim", ErrMalformedSignature)
	}
	if claims.IssuedAtMicros != 0 && time.UnixMicro(claims.IssuedAtMicros).Unix() != claims.IssuedAt.Unix() {
		return Principal{}, fmt.Errorf("%w: iat_us disagrees with iat", ErrMalformedSignature)
	}
	return claims.principal(), nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrIssuerMismatch, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
}

func (c *accessClaims) principal() Principal {
	p := Principal{
		UserID:      c.Subject,
		Email:       c.Email,
		Name:        c.Name,
		TenantID:    c.TenantID,
		SystemRole:  c.SystemRole,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		DeviceID:    c.DeviceID,
		TokenID:     c.ID,
	}
	switch {
	case c.IssuedAtMicros != 0:
		p.IssuedAt = time.UnixMicro(c.IssuedAtMicros).UTC()
	case c.IssuedAt != nil:
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
