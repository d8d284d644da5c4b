// Package identity carries the caller's identity and role explicitly through
// every operation and decides whether the caller may perform it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/livepanel/internal/domain"
)

const (
	// IdentityHeaderName carries the caller identity set by the upstream auth proxy.
	IdentityHeaderName = "X-Identity"
	// RoleHeaderName carries the caller role set by the upstream auth proxy.
	RoleHeaderName = "X-Role"
)

// ErrForbidden is returned when the access gate denies an operation.
var ErrForbidden = errors.New("forbidden")

// Role is the caller's part in a session.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
	RoleSystem      Role = "system"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleInterviewer || r == RoleCandidate || r == RoleSystem
}

// RequestContext is the explicit caller identity passed into every operation.
type RequestContext struct {
	Identity string `json:"identity"`
	Role     Role   `json:"role"`
}

// System is the request context used by background work.
func System() RequestContext {
	return RequestContext{Identity: "system", Role: RoleSystem}
}

// EventActor maps the role onto the event log's actor vocabulary.
func (rc RequestContext) EventActor() domain.Actor {
	switch rc.Role {
	case RoleInterviewer:
		return domain.ActorInterviewer
	case RoleCandidate:
		return domain.ActorCandidate
	default:
		return domain.ActorSystem
	}
}

// Decision is the outcome of an access check.
type Decision struct {
	Allowed  bool
	Identity string
}

// Gate decides whether a caller may perform an operation requiring one of
// the given roles.
type Gate interface {
	CheckAccess(ctx context.Context, rc RequestContext, required ...Role) (Decision, error)
}

// RoleGate allows a caller whose role is among the required roles. The
// system role is always allowed.
type RoleGate struct{}

// CheckAccess implements Gate.
func (RoleGate) CheckAccess(_ context.Context, rc RequestContext, required ...Role) (Decision, error) {
	if strings.TrimSpace(rc.Identity) == "" || !rc.Role.IsValid() {
		return Decision{}, nil
	}
	if rc.Role == RoleSystem {
		return Decision{Allowed: true, Identity: rc.Identity}, nil
	}
	for _, r := range required {
		if rc.Role == r {
			return Decision{Allowed: true, Identity: rc.Identity}, nil
		}
	}
	return Decision{Identity: rc.Identity}, nil
}

// Authorize runs the gate and converts a denial into ErrForbidden.
func Authorize(ctx context.Context, gate Gate, rc RequestContext, required ...Role) error {
	if gate == nil {
		gate = RoleGate{}
	}
	decision, err := gate.CheckAccess(ctx, rc, required...)
	if err != nil {
		return fmt.Errorf("check access: %w", err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s %q may not perform this operation", ErrForbidden, rc.Role, rc.Identity)
	}
	return nil
}

type contextKey int

const requestContextKey contextKey = iota

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext extracts the request context placed by Middleware.
func FromContext(ctx context.Context) RequestContext {
	if v, ok := ctx.Value(requestContextKey).(RequestContext); ok {
		return v
	}
	return RequestContext{}
}

func sanitizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if !identityPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware turns the auth proxy headers into a RequestContext. The system
// role is never accepted from the network.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := RequestContext{
				Identity: sanitizeIdentity(r.Header.Get(IdentityHeaderName)),
				Role:     Role(strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeaderName)))),
			}
			if !rc.Role.IsValid() || rc.Role == RoleSystem {
				rc.Role = ""
			}
			next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
