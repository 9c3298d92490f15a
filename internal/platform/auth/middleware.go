package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tidemark-store/api/internal/platform/requestctx"
)

const (
	defaultUserHeader  = "X-User-ID"
	defaultEmailHeader = "X-User-Email"
	defaultRolesHeader = "X-User-Roles"
)

// Logger is the minimal logging contract used by the auth middlewares.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder observes verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, scheme string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, scheme string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, scheme, success, reason, duration)
	}
}

// Authenticator resolves the caller identity from gateway-asserted headers.
// The upstream gateway terminates the session and forwards the verified user
// in headers; this service only runs behind it.
type Authenticator struct {
	userHeader   string
	emailHeader  string
	rolesHeader  string
	fallbackRole string
}

// Option configures the Authenticator.
type Option func(*Authenticator)

// WithUserHeader overrides the header carrying the user id.
func WithUserHeader(name string) Option {
	return func(a *Authenticator) {
		if strings.TrimSpace(name) != "" {
			a.userHeader = name
		}
	}
}

// WithRolesHeader overrides the header carrying comma-separated roles.
func WithRolesHeader(name string) Option {
	return func(a *Authenticator) {
		if strings.TrimSpace(name) != "" {
			a.rolesHeader = name
		}
	}
}

// WithFallbackRole assigns a role to identities that arrive without one.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// NewAuthenticator constructs an Authenticator with the given options.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		userHeader:   defaultUserHeader,
		emailHeader:  defaultEmailHeader,
		rolesHeader:  defaultRolesHeader,
		fallbackRole: "customer",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireUser rejects requests without a gateway-asserted user. When
// allowedRoles is non-empty the identity must carry at least one of them.
func (a *Authenticator) RequireUser(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if normalised := normaliseRole(role); normalised != "" {
			allowed[normalised] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := a.identityFromRequest(r)
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}

			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusForbidden, "forbidden", "caller lacks required role")
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			ctx = requestctx.WithActor(ctx, identity.UID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) identityFromRequest(r *http.Request) (*Identity, bool) {
	uid := strings.TrimSpace(r.Header.Get(a.userHeader))
	if uid == "" {
		return nil, false
	}

	identity := &Identity{
		UID:   uid,
		Email: strings.TrimSpace(r.Header.Get(a.emailHeader)),
		Roles: parseRoles(r.Header.Get(a.rolesHeader)),
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, true
}

func parseRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		role := normaliseRole(part)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
