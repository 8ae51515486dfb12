package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spcoaching/coachsync/pkg/types"
)

// Claims are the parts of a Supabase access token the session uses
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`

	// Role is the database role, usually "authenticated"
	Role string `json:"role,omitempty"`

	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// ParseClaims decodes an access token. With a secret the HMAC signature is
// verified; without one the token is only decoded and checked for expiry.
func ParseClaims(token, secret string, now time.Time) (*Claims, error) {
	claims := &Claims{}

	if secret != "" {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithTimeFunc(func() time.Time { return now }))
		if err != nil {
			return nil, fmt.Errorf("invalid access token: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("invalid access token: %w", err)
		}
		if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
			return nil, fmt.Errorf("invalid access token: %w", jwt.ErrTokenExpired)
		}
	}

	if claims.Subject == "" {
		return nil, errors.New("invalid access token: no subject")
	}
	return claims, nil
}

// AppRole returns the coaching role of the user, read from app_metadata and
// then user_metadata
func (c *Claims) AppRole() (types.Role, error) {
	for _, md := range []map[string]any{c.AppMetadata, c.UserMetadata} {
		r, _ := md["role"].(string)
		if r == "" {
			continue
		}
		switch role := types.Role(r); role {
		case types.RoleCoach, types.RoleClient:
			return role, nil
		default:
			return "", fmt.Errorf("unsupported app role %q", r)
		}
	}
	return "", errors.New("access token carries no app role")
}

// Owner is the signed-in user as the owner of their coach or client
// collections
func (c *Claims) Owner() (types.Owner, error) {
	role, err := c.AppRole()
	if err != nil {
		return types.Owner{}, err
	}
	return types.Owner{ID: c.Subject, Role: role}, nil
}

// Self is the signed-in user as the owner of their own goals and measurements
func (c *Claims) Self() types.Owner {
	return types.Owner{ID: c.Subject, Role: types.RoleUser}
}
