package subject

import (
	"context"

	"github.com/xraph/entitle/id"
)

type Store interface {
	CreateSubject(ctx context.Context, s *Subject) error
	GetSubject(ctx context.Context, subjectID id.SubjectID) (*Subject, error)
	ListSubjects(ctx context.Context, opts ListOpts) ([]*Subject, error)
}

// ListOpts filters a subject listing. Results are ordered by ID so After can
// be used as a keyset cursor.
type ListOpts struct {
	OwnerID     string
	BillingKind BillingKind
	Published   *bool
	After       id.SubjectID
	Limit       int
}
