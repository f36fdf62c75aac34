package editing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSigningDisabled is returned by Verify when no secret is configured.
var ErrSigningDisabled = errors.New("document service signing is disabled")

// EditorClaims is the payload exchanged with the document service.
type EditorClaims struct {
	DocKey   string       `json:"key"`
	FileID   string       `json:"file_id"`
	Title    string       `json:"title"`
	Actor    string       `json:"actor"`
	Rights   Capabilities `json:"permissions"`
	Callback string       `json:"callback_url,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs editor configurations and verifies document service
// callbacks with a shared HS256 secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a signer. An empty secret disables signing.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

// Sign returns a token for claims, or "" when signing is disabled.
func (s *Signer) Sign(claims EditorClaims) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses a token issued with the shared secret.
func (s *Signer) Verify(tokenStr string) (*EditorClaims, error) {
	if !s.Enabled() {
		return nil, ErrSigningDisabled
	}
	claims := &EditorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
