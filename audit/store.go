package audit

import "context"

// Store exposes append and query only. Entries are never updated or deleted.
type Store interface {
	AppendAudit(ctx context.Context, e *Entry) error
	QueryAudit(ctx context.Context, f Filter) ([]*Entry, error)
}

// Filter selects entries by target or actor. Results are most recent first.
type Filter struct {
	TargetID string
	ActorID  string
	Limit    int
}

// DefaultQueryLimit caps unbounded queries.
const DefaultQueryLimit = 100

// EffectiveLimit returns Limit or DefaultQueryLimit when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}
