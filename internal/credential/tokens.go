package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"clinicore.org/internal/ids"
)

// Token kinds carried in the JWT "kind" claim.
const (
	tokenKindAccess        = "access"
	tokenKindPendingSecond = "second_factor_pending"
)

// RefreshToken is the stored side of an opaque refresh token. Only the
// SHA-256 hash of the secret half is persisted.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	Revoked    bool
	ReplacedBy string
	CreatedAt  time.Time
}

// TokenStore persists refresh tokens. Rotate is conditional: it revokes
// oldID and creates the replacement only if oldID is still live, and fails
// with ErrTokenReused when oldID was already rotated or revoked. Exactly
// one of any set of concurrent Rotate calls for the same oldID succeeds.
// RevokeChain revokes the token and everything descended from it through
// ReplacedBy links.
type TokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	Rotate(ctx context.Context, oldID string, replacement *RefreshToken) error
	Revoke(ctx context.Context, id string) error
	RevokeChain(ctx context.Context, id string) error
}

// Claims are the verified contents of an access or pending token.
type Claims struct {
	Kind        string   `json:"kind"`
	Tenant      string   `json:"tenant,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (s *Service) signToken(identityID, tenant, kind string, ttl time.Duration, perms []string) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Kind:        kind,
		Tenant:      tenant,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.params.Issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.params.TokenSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) parseToken(raw, wantKind string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.params.TokenSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.params.Issuer {
		return nil, ErrInvalidToken
	}
	if claims.Kind != wantKind {
		if wantKind == tokenKindAccess && claims.Kind == tokenKindPendingSecond {
			// Login stalled halfway; the caller holds a challenge token,
			// not a session.
			return nil, ErrSecondFactorRequired
		}
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// newRefreshToken mints the opaque string handed to the client and the
// record to persist.
func (s *Service) newRefreshToken(identityID string) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	now := s.now().UTC()
	rec := &RefreshToken{
		ID:         tokenID,
		IdentityID: identityID,
		TokenHash:  hashTokenSecret(secret),
		ExpiresAt:  now.Add(s.params.RefreshTTL),
		CreatedAt:  now,
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidToken
	}
	return id, secret, nil
}

func hashTokenSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func hashMatches(storedHash, secret string) bool {
	actual := hashTokenSecret(secret)
	if len(storedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(actual)) == 1
}
