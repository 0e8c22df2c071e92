package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// MinSecretBytes is the shortest HS256 signing secret accepted.
	MinSecretBytes = 32

	refreshTokenBytes = 32
	defaultAccessTTL  = 15 * time.Minute
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrWeakSecret   = fmt.Errorf("signing secret must be at least %d bytes", MinSecretBytes)
)

// JWTIssuer signs and validates HS256 access tokens and mints opaque refresh
// tokens. It is immutable after construction and safe for concurrent use.
type JWTIssuer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// NewJWTIssuer returns an issuer bound to secret. A non-positive accessTTL
// falls back to 15 minutes.
func NewJWTIssuer(secret, issuer string, accessTTL time.Duration) (*JWTIssuer, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	return &JWTIssuer{
		secret:    []byte(secret),
		issuer:    issuer,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// AccessTTL is the lifetime of tokens returned by IssueAccessToken.
func (i *JWTIssuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// IssueAccessToken returns a signed token whose subject is subjectID.
func (i *JWTIssuer) IssueAccessToken(subjectID string) (string, time.Time, error) {
	if subjectID == "" {
		return "", time.Time{}, errors.New("issue access token: empty subject")
	}

	now := i.now()
	expiresAt := now.Add(i.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subjectID,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken verifies signature, algorithm, issuer and expiry and
// returns the subject. Any failure yields ErrTokenExpired or ErrTokenInvalid.
func (i *JWTIssuer) ValidateAccessToken(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// IssueRefreshToken returns 256 bits of randomness, base64url encoded.
func (i *JWTIssuer) IssueRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("issue refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashRefreshToken is the storage form of a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
