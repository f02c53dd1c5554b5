// Package security issues and validates the HMAC-signed tokens devices present to the hub.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const deviceAudience = "gsr-hub"

// MinSecretBytes is the shortest accepted HMAC secret.
const MinSecretBytes = 16

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakSecret is returned for a secret shorter than MinSecretBytes.
	ErrWeakSecret = errors.New("device token secret too short")
)

// DeviceClaims holds JWT claims for a device token. Subject is the device id.
type DeviceClaims struct {
	jwt.RegisteredClaims
}

// TokenProvider issues and validates HS256 device tokens with a shared secret.
type TokenProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenProvider returns a TokenProvider for secret. issuer is set on claims and checked on validation.
func NewTokenProvider(secret []byte, issuer string, ttl time.Duration) (*TokenProvider, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenProvider{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for deviceID, its jti, and expiration time.
func (p *TokenProvider) Issue(deviceID string) (token, jti string, expiresAt time.Time, err error) {
	if deviceID == "" {
		return "", "", time.Time{}, ErrInvalidToken
	}
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   deviceID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{deviceAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	return token, jti, expiresAt, err
}

// Validate parses and validates a device token (signature, exp, iss, aud) and returns the device id.
func (p *TokenProvider) Validate(tokenString string) (deviceID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			return p.secret, nil
		}
		return nil, ErrInvalidToken
	},
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(deviceAudience),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
