package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the verified payload of a session token.
type Claims struct {
	Role      Role   `json:"role"`
	VillageID string `json:"village_id,omitempty"`
	jwt.RegisteredClaims
}

// AdminID is the admin the token was issued to.
func (c Claims) AdminID() string { return c.Subject }

// Verifier signs and verifies HS256 session tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier builds a verifier. The secret goes through NormalizeCredential so a
// quoted value in the environment does not silently change the key.
func NewVerifier(secret, issuer string, now func() time.Time) (*Verifier, error) {
	secret = NormalizeCredential(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: now}, nil
}

// Sign issues a token for id valid for ttl.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(id.ID) == "" {
		return "", time.Time{}, errors.New("auth: admin id is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	now := v.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role:      id.Role,
		VillageID: id.VillageID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer and expiry. Every failure, including an
// empty or malformed token, is ErrInvalidToken.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = NormalizeCredential(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	if _, ok := ParseRole(string(claims.Role)); !ok {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
