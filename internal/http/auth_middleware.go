package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/martocorp/deployment-queue-api/internal/domain"
)

type identityContextKey string

const contextKeyIdentity identityContextKey = "depq-identity"

const organisationHeader = "X-Organisation"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth resolves the caller identity before invoking the handler. The
// organisation on the resolved identity is the tenant scope for everything
// downstream; it is never read from the request path or body.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth verifies credentials and enriches the context with the caller
// identity.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, domain.Identity, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		// An absent header is passed through as an empty token; the auth
		// service decides whether unauthenticated access is acceptable
		// (dev mode) or not.
		token = ""
	}
	identity, err := r.auth.Verify(req.Context(), token, strings.TrimSpace(req.Header.Get(organisationHeader)))
	if err != nil {
		r.logger.Warn("authentication failed", "error", err, "path", req.URL.Path)
		r.writeServiceError(w, req, err)
		return req.Context(), domain.Identity{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyIdentity, identity)
	return ctx, identity, true
}

// identityFromContext extracts the verified caller identity.
func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	value := ctx.Value(contextKeyIdentity)
	if value == nil {
		return domain.Identity{}, false
	}
	identity, ok := value.(domain.Identity)
	return identity, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
