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
)

// Roles.
const (
	RoleOperator = "operator"
	RoleAgent    = "agent"
	RoleAdmin    = "admin"
)

const (
	issuer   = "fleetgate"
	audience = "fleetgate-api"
	// MinSecretLen is enforced at startup.
	MinSecretLen = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
)

// Claims carries the tenant and role of a caller.
type Claims struct {
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	Subject   string `json:"sub,omitempty"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

// Tokens issues and validates HS256 JWTs.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLen)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Generate creates a signed token for the tenant and role.
func (t *Tokens) Generate(tenantID, role, subject string) (string, error) {
	now := t.now().Unix()
	claims := Claims{
		TenantID:  tenantID,
		Role:      role,
		Subject:   subject,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(t.ttl/time.Second),
		IssuedAt:  now,
		NotBefore: now,
	}

	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	return signingInput + "." + t.sign(signingInput), nil
}

// Validate parses and verifies a token.
func (t *Tokens) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}

	expected := t.sign(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claims: %v", ErrInvalidToken, err)
	}

	now := t.now().Unix()
	switch {
	case now > claims.ExpiresAt:
		return nil, ErrExpired
	case now < claims.NotBefore:
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	case claims.Issuer != issuer:
		return nil, fmt.Errorf("%w: issuer", ErrInvalidToken)
	case claims.Audience != audience:
		return nil, fmt.Errorf("%w: audience", ErrInvalidToken)
	case claims.TenantID == "":
		return nil, fmt.Errorf("%w: missing tenant", ErrInvalidToken)
	}
	return &claims, nil
}

func (t *Tokens) sign(input string) string {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(input))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func base64UrlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
