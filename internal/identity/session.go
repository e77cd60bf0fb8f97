package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gantry-llm/gantry/internal/plugin"
)

// sessionClaims are the claims the gateway reads from a session token.
type sessionClaims struct {
	Email string `json:"email"`
	KeyID string `json:"kid,omitempty"`
	jwt.RegisteredClaims
}

// validateSession verifies a session JWT locally with the shared secret.
// Expiry and signature failures both surface as ErrInvalidCredential; the
// detailed cause is not leaked to the caller.
func (c *Client) validateSession(token string) (*plugin.Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	if claims.Subject == "" {
		return nil, ErrInvalidCredential
	}

	return &plugin.Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		KeyID:   claims.KeyID,
	}, nil
}
