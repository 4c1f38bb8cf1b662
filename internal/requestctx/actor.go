// Package requestctx carries the caller identity of a tool invocation
// through context.
package requestctx

import (
	"context"
	"slices"
	"strings"
)

// System-wide roles that bypass workspace authorization.
const (
	RoleSystemAdmin = "system_admin"
	RoleCSAdmin     = "cs_admin"
)

// Actor is the identity attached to every tool invocation. Empty fields
// mean "no workspace scoping" and "no elevated role".
type Actor struct {
	AccountID   string   `json:"accountId"`
	SessionID   string   `json:"sessionId"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
	SystemRoles []string `json:"systemRoles,omitempty"`
}

// HasSystemRole reports whether the actor carries role.
func (a Actor) HasSystemRole(role string) bool {
	return slices.Contains(a.SystemRoles, role)
}

// Elevated reports whether the actor bypasses workspace checks.
func (a Actor) Elevated() bool {
	return a.HasSystemRole(RoleSystemAdmin) || a.HasSystemRole(RoleCSAdmin)
}

// ParseRoles splits a comma-separated role list, dropping blanks.
func ParseRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

type actorContextKey struct{}

// WithActor stores the actor in context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor stored in context, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
