// Package actor carries the identity on whose behalf an operation runs.
// Actors are explicit values passed into every engine call.
package actor

import (
	"context"
	"fmt"
)

// Role is the capability class of an actor.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
	RoleSystem Role = "system"
)

// ParseRole rejects unknown role strings.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleViewer, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("actor: unknown role %q", s)
	}
}

// CanMutate reports whether the role may change persisted state.
func (r Role) CanMutate() bool {
	switch r {
	case RoleAdmin, RoleSystem:
		return true
	case RoleViewer:
		return false
	default:
		return false
	}
}

// CanRead reports whether the role may query state and the audit trail.
func (r Role) CanRead() bool {
	switch r {
	case RoleAdmin, RoleSystem, RoleViewer:
		return true
	default:
		return false
	}
}

type Actor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  Role   `json:"role"`
}

// System is the actor used by reconciliation and the side-effect dispatcher.
var System = Actor{ID: "system", Label: "System", Role: RoleSystem}

func (a Actor) IsZero() bool { return a.ID == "" }

// DisplayLabel prefers Label and falls back to ID.
func (a Actor) DisplayLabel() string {
	if a.Label != "" {
		return a.Label
	}
	return a.ID
}

type ctxKey struct{}

// WithContext stores a on ctx. Transport layers use it to hand the resolved
// caller to handlers.
func WithContext(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored on ctx.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
