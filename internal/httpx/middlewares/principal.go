// Package middlewares carries the chi middleware for this service.
package middlewares

import (
	"context"
	"net/http"

	"github.com/craftado/orderpay/internal/engine"
)

// Identity is an external collaborator: the auth gateway in front of this
// service verifies credentials and forwards the principal as trusted
// headers. This middleware only materializes them into the context.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// principalKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages.
type principalKey struct{}

// AttachPrincipal reads the identity headers and stores the principal in
// the request context. Requests without the headers pass through with an
// empty principal; handlers that require one reject them.
func AttachPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := engine.Principal{
			ID:   r.Header.Get(HeaderUserID),
			Role: r.Header.Get(HeaderUserRole),
		}
		if p.ID != "" && p.Role == "" {
			p.Role = engine.RoleCustomer
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the principal attached by AttachPrincipal.
func PrincipalFromContext(ctx context.Context) engine.Principal {
	p, _ := ctx.Value(principalKey{}).(engine.Principal)
	return p
}
