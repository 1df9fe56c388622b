// Package auth issues and verifies the HMAC-signed bearer tokens that carry
// a caller's identity and workspace permissions.
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

	"roster/api/internal/rbac"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	// Perms, when present, replaces the role table for every workspace.
	Perms []string `json:"perms,omitempty"`
	// Workspaces optionally restricts the token to the listed workspace ids.
	Workspaces []string `json:"ws,omitempty"`
	JTI        string   `json:"jti"`
	Exp        int64    `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
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
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// Session builds the caller's session for one workspace. ok is false when
// the token is restricted to other workspaces.
func (c Claims) Session(workspaceID string) (rbac.WorkspaceSession, bool) {
	if len(c.Workspaces) > 0 {
		allowed := false
		for _, id := range c.Workspaces {
			if id == workspaceID {
				allowed = true
				break
			}
		}
		if !allowed {
			return rbac.WorkspaceSession{}, false
		}
	}
	session := rbac.NewSession(workspaceID, c.Sub, c.Name, rbac.Normalize(c.Role))
	if c.Perms != nil {
		session.Permissions = make([]rbac.Action, 0, len(c.Perms))
		for _, perm := range c.Perms {
			session.Permissions = append(session.Permissions, rbac.Action(perm))
		}
	}
	return session, true
}

// Issuer mints tokens with a fixed lifetime.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(userID, name string, role rbac.Role) (string, Claims, error) {
	claims := Claims{
		Sub:  userID,
		Name: name,
		Role: string(role),
		JTI:  uuid.NewString(),
		Exp:  i.now().Add(i.ttl).Unix(),
	}
	token, err := IssueToken(i.secret, claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func (i *Issuer) Parse(token string) (Claims, error) {
	return ParseToken(i.secret, token, i.now())
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
