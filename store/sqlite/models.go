package sqlite

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseEntity(created, updated string) (types.Entity, error) {
	c, err := parseTime(created)
	if err != nil {
		return types.Entity{}, err
	}
	u, err := parseTime(updated)
	if err != nil {
		return types.Entity{}, err
	}
	return types.Entity{CreatedAt: c, UpdatedAt: u}, nil
}

// ==================== Subject ====================

type subjectModel struct {
	grove.BaseModel `grove:"table:entitle_subjects"`

	ID             string `grove:"id,pk"`
	OwnerID        string `grove:"owner_id"`
	PaymentStatus  string `grove:"payment_status"`
	IsPublished    bool   `grove:"is_published"`
	ArtifactIssued bool   `grove:"artifact_issued"`
	ArtifactRef    string `grove:"artifact_ref"`
	PublicSlug     string `grove:"public_slug"`
	BillingKind    string `grove:"billing_kind"`
	Version        int64  `grove:"version"`
	CreatedAt      string `grove:"created_at"`
	UpdatedAt      string `grove:"updated_at"`
}

func toSubjectModel(s *subject.Subject) *subjectModel {
	return &subjectModel{
		ID:             s.ID.String(),
		OwnerID:        s.OwnerID,
		PaymentStatus:  string(s.PaymentStatus),
		IsPublished:    s.Published,
		ArtifactIssued: s.ArtifactIssued,
		ArtifactRef:    s.ArtifactRef,
		PublicSlug:     s.PublicSlug,
		BillingKind:    string(s.BillingKind),
		Version:        s.Version,
		CreatedAt:      formatTime(s.CreatedAt),
		UpdatedAt:      formatTime(s.UpdatedAt),
	}
}

func fromSubjectModel(m *subjectModel) (*subject.Subject, error) {
	subjectID, err := id.ParseSubjectID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.ID, err)
	}
	status, err := subject.ParsePaymentStatus(m.PaymentStatus)
	if err != nil {
		return nil, err
	}
	entity, err := parseEntity(m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &subject.Subject{
		Entity:         entity,
		ID:             subjectID,
		OwnerID:        m.OwnerID,
		PaymentStatus:  status,
		Published:      m.IsPublished,
		ArtifactIssued: m.ArtifactIssued,
		ArtifactRef:    m.ArtifactRef,
		PublicSlug:     m.PublicSlug,
		BillingKind:    subject.BillingKind(m.BillingKind),
		Version:        m.Version,
	}, nil
}

// ==================== Subscription ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	ID              string  `grove:"id,pk"`
	SubjectID       string  `grove:"subject_id"`
	Status          string  `grove:"status"`
	NextBillingDate string  `grove:"next_billing_date"`
	CancelledAt     *string `grove:"cancelled_at"`
	CreatedAt       string  `grove:"created_at"`
	UpdatedAt       string  `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:              s.ID.String(),
		SubjectID:       s.SubjectID.String(),
		Status:          string(s.Status),
		NextBillingDate: formatTime(s.NextBillingDate),
		CancelledAt:     formatTimePtr(s.CancelledAt),
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	subjectID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.SubjectID, err)
	}
	next, err := parseTime(m.NextBillingDate)
	if err != nil {
		return nil, err
	}
	cancelled, err := parseTimePtr(m.CancelledAt)
	if err != nil {
		return nil, err
	}
	entity, err := parseEntity(m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &subscription.Subscription{
		Entity:          entity,
		ID:              subID,
		SubjectID:       subjectID,
		Status:          subscription.Status(m.Status),
		NextBillingDate: next,
		CancelledAt:     cancelled,
	}, nil
}

// ==================== Payment ====================

type paymentModel struct {
	grove.BaseModel `grove:"table:entitle_payments"`

	ID        string  `grove:"id,pk"`
	SubjectID string  `grove:"subject_id"`
	Kind      string  `grove:"kind"`
	Status    string  `grove:"status"`
	PaidAt    *string `grove:"paid_at"`
	Method    string  `grove:"method"`
	CreatedAt string  `grove:"created_at"`
	UpdatedAt string  `grove:"updated_at"`
}

func toPaymentModel(p *payment.Record) *paymentModel {
	return &paymentModel{
		ID:        p.ID.String(),
		SubjectID: p.SubjectID.String(),
		Kind:      string(p.Kind),
		Status:    string(p.Status),
		PaidAt:    formatTimePtr(p.PaidAt),
		Method:    string(p.Method),
		CreatedAt: formatTime(p.CreatedAt),
		UpdatedAt: formatTime(p.UpdatedAt),
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Record, error) {
	payID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse payment ID %q: %w", m.ID, err)
	}
	subjectID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.SubjectID, err)
	}
	paid, err := parseTimePtr(m.PaidAt)
	if err != nil {
		return nil, err
	}
	entity, err := parseEntity(m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &payment.Record{
		Entity:    entity,
		ID:        payID,
		SubjectID: subjectID,
		Kind:      payment.Kind(m.Kind),
		Status:    payment.Status(m.Status),
		PaidAt:    paid,
		Method:    payment.Method(m.Method),
	}, nil
}

// ==================== Audit ====================

type auditModel struct {
	grove.BaseModel `grove:"table:entitle_audit_log"`

	ID          string `grove:"id,pk"`
	ActorID     string `grove:"actor_id"`
	ActorLabel  string `grove:"actor_label"`
	ChangeType  string `grove:"change_type"`
	TargetType  string `grove:"target_type"`
	TargetID    string `grove:"target_id"`
	Description string `grove:"description"`
	OccurredAt  string `grove:"occurred_at"`
}

func toAuditModel(e *audit.Entry) *auditModel {
	return &auditModel{
		ID:          e.ID.String(),
		ActorID:     e.ActorID,
		ActorLabel:  e.ActorLabel,
		ChangeType:  string(e.ChangeType),
		TargetType:  e.TargetType,
		TargetID:    e.TargetID,
		Description: e.Description,
		OccurredAt:  formatTime(e.OccurredAt),
	}
}

func fromAuditModel(m *auditModel) (*audit.Entry, error) {
	auditID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse audit ID %q: %w", m.ID, err)
	}
	occurred, err := parseTime(m.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &audit.Entry{
		ID:          auditID,
		ActorID:     m.ActorID,
		ActorLabel:  m.ActorLabel,
		ChangeType:  audit.ChangeType(m.ChangeType),
		TargetType:  m.TargetType,
		TargetID:    m.TargetID,
		Description: m.Description,
		OccurredAt:  occurred,
	}, nil
}

// ==================== Outbox ====================

type outboxModel struct {
	grove.BaseModel `grove:"table:entitle_outbox"`

	ID            string `grove:"id,pk"`
	SubjectID     string `grove:"subject_id"`
	Kind          string `grove:"kind"`
	Stage         string `grove:"stage"`
	Status        string `grove:"status"`
	Attempts      int    `grove:"attempts"`
	NextAttemptAt string `grove:"next_attempt_at"`
	ArtifactRef   string `grove:"artifact_ref"`
	LastError     string `grove:"last_error"`
	CreatedAt     string `grove:"created_at"`
	UpdatedAt     string `grove:"updated_at"`
}

func toOutboxModel(m *outbox.Message) *outboxModel {
	return &outboxModel{
		ID:            m.ID.String(),
		SubjectID:     m.SubjectID.String(),
		Kind:          string(m.Kind),
		Stage:         string(m.Stage),
		Status:        string(m.Status),
		Attempts:      m.Attempts,
		NextAttemptAt: formatTime(m.NextAttemptAt),
		ArtifactRef:   m.ArtifactRef,
		LastError:     m.LastError,
		CreatedAt:     formatTime(m.CreatedAt),
		UpdatedAt:     formatTime(m.UpdatedAt),
	}
}

func fromOutboxModel(m *outboxModel) (*outbox.Message, error) {
	msgID, err := id.ParseOutboxID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse outbox ID %q: %w", m.ID, err)
	}
	subjectID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.SubjectID, err)
	}
	next, err := parseTime(m.NextAttemptAt)
	if err != nil {
		return nil, err
	}
	entity, err := parseEntity(m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &outbox.Message{
		Entity:        entity,
		ID:            msgID,
		SubjectID:     subjectID,
		Kind:          outbox.Kind(m.Kind),
		Stage:         outbox.Stage(m.Stage),
		Status:        outbox.Status(m.Status),
		Attempts:      m.Attempts,
		NextAttemptAt: next,
		ArtifactRef:   m.ArtifactRef,
		LastError:     m.LastError,
	}, nil
}
