// ABOUTME: JWT token verification for authenticating gateway connections
// ABOUTME: Uses HS256 signing with configurable secret; claims carry role/scopes/caps

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the authenticated identity bound to a connection at handshake
// time. Scopes and Capabilities are resolved once from the token claims and
// are immutable for the connection's lifetime.
type Identity struct {
	Subject      string
	Role         string
	Scopes       map[string]struct{}
	Capabilities map[string]struct{}
}

// HasScope reports whether the identity carries the scope. A "*" scope
// grants everything.
func (i *Identity) HasScope(scope string) bool {
	if _, ok := i.Scopes["*"]; ok {
		return true
	}
	_, ok := i.Scopes[scope]
	return ok
}

// HasCapability reports whether the identity carries the capability.
// "*" and "admin" grant everything.
func (i *Identity) HasCapability(capability string) bool {
	if _, ok := i.Capabilities["*"]; ok {
		return true
	}
	if _, ok := i.Capabilities["admin"]; ok {
		return true
	}
	_, ok := i.Capabilities[capability]
	return ok
}

// CapabilityList returns the capability set as a slice for presence
// reporting and execution policy checks.
func (i *Identity) CapabilityList() []string {
	caps := make([]string, 0, len(i.Capabilities))
	for c := range i.Capabilities {
		caps = append(caps, c)
	}
	return caps
}

// NewIdentity builds an Identity from plain slices.
func NewIdentity(subject, role string, scopes, caps []string) *Identity {
	return &Identity{
		Subject:      subject,
		Role:         role,
		Scopes:       toSet(scopes),
		Capabilities: toSet(caps),
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and builds an Identity from its claims.
// The "sub" claim is required; "role" defaults to "user"; "scopes" and
// "caps" default to empty sets.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role := "user"
	if r, ok := claims["role"].(string); ok && r != "" {
		role = r
	}

	return &Identity{
		Subject:      sub,
		Role:         role,
		Scopes:       claimSet(claims, "scopes"),
		Capabilities: claimSet(claims, "caps"),
	}, nil
}

// claimSet extracts a string-list claim into a set, ignoring non-strings.
func claimSet(claims jwt.MapClaims, name string) map[string]struct{} {
	set := make(map[string]struct{})
	items, ok := claims[name].([]interface{})
	if !ok {
		return set
	}
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Generate creates a new JWT token for the given identity with expiration.
func (v *JWTVerifier) Generate(subject, role string, scopes, caps []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    subject,
		"role":   role,
		"scopes": scopes,
		"caps":   caps,
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
