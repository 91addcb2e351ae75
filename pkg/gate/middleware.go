package gate

import (
	"net/http"

	"fingate/pkg/httpx"
)

// Observer receives every middleware decision; the gateway uses it to feed
// metrics and the audit trail. Denial is a normal outcome, not an error.
type Observer func(r *http.Request, subject *Subject, req Requirement, d Decision)

// Middleware wraps a protected subtree. Exactly one of {next handler,
// denial body} is written, never both. The decision is recomputed on every
// request from the snapshot in the request context.
func Middleware(req Requirement, observe Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectFromContext(r.Context())
			d := Evaluate(subject, req)
			if observe != nil {
				observe(r, subject, req, d)
			}
			if !d.Allowed {
				status := http.StatusForbidden
				code := d.Reason
				msg := "you don't have access to this resource"
				if d.Reason == ReasonSnapshotMissing {
					status = http.StatusUnauthorized
					msg = "sign in to access this resource"
				}
				httpx.Error(w, r, status, code, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Convenience constructors mirroring the three gate variants.

// RequireAnyRole gates on role membership (OR semantics).
func RequireAnyRole(roles ...string) Requirement {
	return Requirement{AnyRole: roles}
}

// RequireAnyPermission gates on fine-grained permissions (OR semantics).
func RequireAnyPermission(perms ...string) Requirement {
	return Requirement{AnyPermission: perms}
}

// RequireTier gates on subscription tier (at-least semantics).
func RequireTier(tier Tier) Requirement {
	return Requirement{Tier: tier}
}

// RequirePolicy gates on role plus feature flag together.
func RequirePolicy(flag string, roles ...string) Requirement {
	return Requirement{AnyRole: roles, Flag: flag}
}
