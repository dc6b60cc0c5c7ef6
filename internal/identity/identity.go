// Package identity consumes the external identity collaborator: tokens come
// in, stable {id, displayName, email} triples come out. The package also
// keeps the denormalized profile copy in the store current and answers user
// search, which is a point query rather than a subscription.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/internal/domain"
)

// Verifier turns bearer tokens into identities. The identity provider signs
// HS256 tokens carrying uid, name and email claims; anything else is
// rejected as an invalid token, never retried.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) FromToken(tokenString string) (*domain.Identity, error) {
	if tokenString == "" {
		return nil, domain.ErrInvalidToken
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrInvalidToken
	}
	uid, _ := claims["uid"].(string)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing uid claim", domain.ErrInvalidToken)
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	return &domain.Identity{ID: uid, DisplayName: name, Email: email}, nil
}

// Mint signs a token for the identity. The real identity provider does this
// out of process; Mint exists for tooling and tests.
func (v *Verifier) Mint(id domain.Identity, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid":   id.ID,
		"name":  id.DisplayName,
		"email": id.Email,
		"exp":   time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
