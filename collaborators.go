package entitle

import (
	"context"
	"net/url"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/subject"
)

// ArtifactGenerator renders the one-time artifact of a newly entitled subject
// and returns a reference to it.
type ArtifactGenerator interface {
	Generate(ctx context.Context, subjectID id.SubjectID) (artifactRef string, err error)
}

// ArtifactGeneratorFunc adapts a function to ArtifactGenerator.
type ArtifactGeneratorFunc func(ctx context.Context, subjectID id.SubjectID) (string, error)

// Generate implements ArtifactGenerator.
func (f ArtifactGeneratorFunc) Generate(ctx context.Context, subjectID id.SubjectID) (string, error) {
	return f(ctx, subjectID)
}

// Notification is handed to the Notifier once the artifact exists.
type Notification struct {
	SubjectID   id.SubjectID `json:"subject_id"`
	Recipient   string       `json:"recipient"`
	PublicLink  string       `json:"public_link"`
	ArtifactRef string       `json:"artifact_ref"`
}

// Notifier delivers the issuance notification to the subject's owner.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// RecipientResolver maps a subject to the address its notification goes to.
type RecipientResolver interface {
	Recipient(ctx context.Context, s *subject.Subject) (string, error)
}

// OwnerRecipient addresses notifications to the subject's owner ID.
type OwnerRecipient struct{}

// Recipient implements RecipientResolver.
func (OwnerRecipient) Recipient(_ context.Context, s *subject.Subject) (string, error) {
	return s.OwnerID, nil
}

// PublicLink returns the public URL of s, or its bare slug when no base URL
// is configured.
func (e *Engine) PublicLink(s *subject.Subject) string {
	if e.publicBase == "" {
		return s.PublicSlug
	}
	link, err := url.JoinPath(e.publicBase, s.PublicSlug)
	if err != nil {
		return e.publicBase + "/" + s.PublicSlug
	}
	return link
}
