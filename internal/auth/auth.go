package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonInactiveUser = "inactive_user"
)

// AuthError rejects a handshake. Nothing is registered for the connection.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return "authentication failed (" + e.Reason + ")"
}

func (e *AuthError) Unwrap() error { return e.Err }

// UserRecord is what the user store knows about an account.
type UserRecord struct {
	ID          string
	Email       string
	DisplayName string
	Role        string
	IsActive    bool
}

// UserLoader returns (nil, nil) when no such user exists.
type UserLoader interface {
	LoadUser(ctx context.Context, userID string) (*UserRecord, error)
}

// Claims carries the user id either in "userId" or in the subject.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	users  UserLoader
	roles  map[state.Role]state.Permission
}

func NewAuthenticator(secret string, users UserLoader, roles map[state.Role]state.Permission) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users, roles: roles}
}

// Authenticate verifies token and loads the identity it belongs to. It has no
// side effects.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (state.Identity, error) {
	if token == "" {
		return state.Identity{}, &AuthError{Reason: ReasonMissingToken}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return state.Identity{}, &AuthError{Reason: ReasonInvalidToken, Err: err}
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return state.Identity{}, &AuthError{Reason: ReasonInvalidToken, Err: errors.New("token carries no user id")}
	}

	user, err := a.users.LoadUser(ctx, userID)
	if err != nil {
		return state.Identity{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user == nil || !user.IsActive {
		return state.Identity{}, &AuthError{Reason: ReasonInactiveUser}
	}

	role := state.Role(user.Role)
	return state.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        role,
		Permissions: a.roles[role],
	}, nil
}

// TokenFromRequest reads the bearer header, then the token query parameter,
// then the named cookie.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
