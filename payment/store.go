package payment

import (
	"context"

	"github.com/xraph/entitle/id"
)

type Store interface {
	CreatePayment(ctx context.Context, p *Record) error
	ListPayments(ctx context.Context, subjectID id.SubjectID, opts ListOpts) ([]*Record, error)
}

// ListOpts filters a payment listing. Results are most recent first.
type ListOpts struct {
	Status Status
	Limit  int
}
