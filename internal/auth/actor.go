package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Role constants used when checking authorisation boundaries.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Identity headers set by the upstream authentication proxy.
const (
	HeaderActorID    = "X-Actor-Id"
	HeaderActorEmail = "X-Actor-Email"
	HeaderActorRole  = "X-Actor-Role"
)

var (
	// ErrUnauthenticated indicates the request carries no actor.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden indicates the actor lacks the required role.
	ErrForbidden = errors.New("auth: forbidden")
)

// Actor is the authenticated principal issued by the external identity provider.
type Actor struct {
	ID    string
	Email string
	Role  string
}

func (a Actor) IsAdmin() bool { return strings.EqualFold(a.Role, RoleAdmin) }

// RequireAdmin returns ErrForbidden unless the actor is an admin.
func RequireAdmin(a Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrUnauthenticated
	}
	if !a.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

type contextKey string

const actorContextKey contextKey = "storefront-fulfillment/internal/auth/actor"

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorContextKey).(Actor)
	if !ok || a.ID == "" {
		return Actor{}, false
	}
	return a, true
}

// Middleware lifts the identity headers into the request context. Requests
// without an actor id pass through anonymously.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole)))
		if role == "" {
			role = RoleCustomer
		}
		a := Actor{ID: id, Email: strings.TrimSpace(r.Header.Get(HeaderActorEmail)), Role: role}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
	})
}
