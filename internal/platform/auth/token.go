// Package auth issues and verifies the bearer tokens presented on the push
// stream handshake.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned when a token carries no "sub" claim.
var ErrNoSubject = errors.New("token has no subject")

// Claims is the payload of a stream token: the registered claims only, with
// the viewer's user id as the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Issue signs an HS256 token for subject, valid for ttl from now.
func Issue(signingKey []byte, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(signingKey) == 0 {
		return "", errors.New("signing key is required")
	}
	if subject == "" {
		return "", ErrNoSubject
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier validates tokens signed with a shared HMAC key.
type Verifier struct {
	key    []byte
	issuer string
}

// NewVerifier creates a Verifier. An empty issuer disables the issuer check.
func NewVerifier(signingKey []byte, issuer string) *Verifier {
	return &Verifier{key: signingKey, issuer: issuer}
}

// Subject validates the token and returns its subject.
func (v *Verifier) Subject(tokenStr string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// SubjectOf reads the subject of a token without verifying its signature.
// The client uses it only to learn which viewer it is acting for; the
// server still verifies the token on the handshake.
func SubjectOf(tokenStr string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}
