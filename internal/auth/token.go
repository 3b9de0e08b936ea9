// Package auth issues and checks the bearer tokens that guard the viewer
// bridge. A token grants access to one session key, or to every session
// when its scope is AllSessions.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AllSessions is the scope of a token valid for any session.
const AllSessions = "*"

type Claims struct {
	Session string `json:"session"`
	Client  string `json:"client"`
	JTI     string `json:"jti"`
	Exp     int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Allows reports whether the token covers sessionKey.
func (c Claims) Allows(sessionKey string) bool {
	return c.Session == AllSessions || c.Session == sessionKey
}

// Issue signs a token for session that expires after ttl.
func Issue(secret []byte, session, client string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	if session == "" {
		session = AllSessions
	}
	return IssueToken(secret, Claims{
		Session: session,
		Client:  client,
		JTI:     uuid.NewString(),
		Exp:     time.Now().Add(ttl).Unix(),
	})
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Session == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
