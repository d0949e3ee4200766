package outbox

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

type Store interface {
	GetOutbox(ctx context.Context, msgID id.OutboxID) (*Message, error)
	ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	ListOutbox(ctx context.Context, opts ListOpts) ([]*Message, error)
}

// ListOpts filters an outbox listing. Results are oldest first.
type ListOpts struct {
	SubjectID id.SubjectID
	Status    Status
	Limit     int
}
