package subscription

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*Subscription, error)
	ListOverdueSubscriptions(ctx context.Context, asOf time.Time, opts ScanOpts) ([]*Subscription, error)
}

// ScanOpts pages an overdue scan by subject ID.
type ScanOpts struct {
	AfterSubject id.SubjectID
	Limit        int
}
